package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeNothing(t *testing.T) {
	cfg, err := FromFile(filepath.Join(t.TempDir(), "missing.toml"), DefaultManager())
	require.NoError(t, err)
	require.Equal(t, DefaultManager(), cfg)

	_, err = FromFile[Manager](filepath.Join(t.TempDir(), "missing.toml"), nil)
	require.Error(t, err)
}

func TestPartialConfig(t *testing.T) {
	cfgString := `
		[API]
		Timeout = "10s"
		[Scheduling]
		DelegateLossGrace = "90s"
		`
	expected := DefaultManager()
	expected.API.Timeout = Duration(10 * time.Second)
	expected.Scheduling.DelegateLossGrace = Duration(90 * time.Second)

	cfg, err := FromReader(bytes.NewReader([]byte(cfgString)), DefaultManager())
	require.NoError(t, err)
	require.Equal(t, expected, cfg)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DISPATCH_ACCOUNT", "acme")
	t.Setenv("DISPATCH_CAPACITY", "9")
	t.Setenv("DISPATCH_POLLINTERVAL", "250ms")
	t.Setenv("DISPATCH_CAPABILITIES", "gpu:a100,os:linux")

	cfg, err := FromReader(strings.NewReader(`ID = "d1"`), DefaultDelegate())
	require.NoError(t, err)
	require.Equal(t, "d1", cfg.ID)
	require.Equal(t, "acme", cfg.Account)
	require.Equal(t, 9, cfg.Capacity)
	require.Equal(t, Duration(250*time.Millisecond), cfg.PollInterval)
	require.Equal(t, map[string]string{"gpu": "a100", "os": "linux"}, cfg.Capabilities)
}

func TestDefaultRoundTrip(t *testing.T) {
	b, err := ConfigComment(DefaultDelegate())
	require.NoError(t, err)
	require.Contains(t, string(b), `HeartbeatInterval = "10s"`)

	cfg, err := FromReader(bytes.NewReader(b), &Delegate{})
	require.NoError(t, err)
	require.Equal(t, DefaultDelegate(), cfg)
}
