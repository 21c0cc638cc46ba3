package cli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dispatch/taskiface"
)

func TestParseRequirements(t *testing.T) {
	reqs, err := ParseRequirements([]string{"gpu", "os=linux", " arch = amd64 "})
	require.NoError(t, err)
	require.Equal(t, []taskiface.Requirement{
		{Name: "gpu"},
		{Name: "os", Value: "linux"},
		{Name: "arch", Value: "amd64"},
	}, reqs)

	_, err = ParseRequirements([]string{"=x"})
	require.Error(t, err)
}

func TestFormatCaps(t *testing.T) {
	require.Equal(t, "gpu=a100,os=linux,ssd", formatCaps(map[string]string{"os": "linux", "ssd": "", "gpu": "a100"}))
	require.Empty(t, formatCaps(nil))
}
