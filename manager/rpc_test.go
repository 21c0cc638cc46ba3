package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/api/client"
	"github.com/filecoin-project/dispatch/build"
	"github.com/filecoin-project/dispatch/taskiface"
)

func TestRPCRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hnd, err := Handler(h.m, 1, 1)
	require.NoError(t, err)
	srv := httptest.NewServer(hnd)
	defer srv.Close()

	c, closer, err := client.NewDispatchRPC(ctx, "http://"+srv.Listener.Addr().String()+"/rpc/v0", nil)
	require.NoError(t, err)
	defer closer()

	v, err := c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, build.ManagerAPIVersion, v.APIVersion)
	require.Equal(t, build.PayloadSchemaVersion, v.PayloadSchema)

	id, err := c.SubmitTask(ctx, api.TaskRequest{Type: "echo", Params: []byte("hi")})
	require.NoError(t, err)

	d := desc("d1", nil)
	tds, err := c.PollForWork(ctx, api.PollRequest{Delegate: d, Capacity: 1})
	require.NoError(t, err)
	require.Len(t, tds, 1)
	require.Equal(t, []byte("hi"), tds[0].Params)

	// limit is one poll per second with a burst of one
	_, err = c.PollForWork(ctx, api.PollRequest{Delegate: d, Capacity: 1})
	var rl *api.ErrRateLimited
	require.True(t, errors.As(err, &rl), "got %v", err)

	st, err := c.SubmitResponse(ctx, api.TaskResponse{Task: id, Version: tds[0].Version, Delegate: d.ID, Payload: []byte("hi")})
	require.NoError(t, err)
	require.Equal(t, api.ResponseAccepted, st)

	res, err := c.AwaitTask(ctx, id, time.Second)
	require.NoError(t, err)
	require.Equal(t, taskiface.StatusSucceeded, res.Status)
	require.Equal(t, []byte("hi"), res.Payload)

	_, err = c.TaskInfo(ctx, "missing")
	var nf *api.ErrTaskNotFound
	require.True(t, errors.As(err, &nf), "got %v", err)

	resp, err := http.Get(srv.URL + "/debug/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
