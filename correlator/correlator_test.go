package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dispatch/taskiface"
	"github.com/filecoin-project/dispatch/taskstore"
)

func setup(t *testing.T) (*Correlator, taskstore.Store, taskiface.TaskID, uint64) {
	ctx := context.Background()
	st := taskstore.NewMemStore(clock.New())
	id, err := st.Submit(ctx, &taskiface.Task{Type: "echo"})
	require.NoError(t, err)
	ok, v, err := st.TryClaim(ctx, id, "d1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	return New(st), st, id, v
}

func TestResolveDeliversOnce(t *testing.T) {
	c, _, id, v := setup(t)
	ctx := context.Background()

	var res taskiface.TaskResult
	var err error
	done := make(chan struct{})
	go func() {
		res, err = c.Await(ctx, id, 5*time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Pending(id) }, time.Second, time.Millisecond)

	require.True(t, c.Resolve(ctx, id, v, taskiface.TaskResult{Status: taskiface.StatusSucceeded, Payload: []byte("out")}))
	require.False(t, c.Resolve(ctx, id, v, taskiface.TaskResult{Status: taskiface.StatusFailed}))

	<-done
	require.NoError(t, err)
	require.Equal(t, taskiface.StatusSucceeded, res.Status)
	require.Equal(t, []byte("out"), res.Payload)
	require.Equal(t, id, res.Task)
	require.False(t, c.Pending(id))
}

func TestStaleVersionIgnored(t *testing.T) {
	c, st, id, v := setup(t)
	ctx := context.Background()

	h := c.Register(id)
	defer c.Release(h)

	ok, nv, err := st.Requeue(ctx, id, v)
	require.NoError(t, err)
	require.True(t, ok)

	require.False(t, c.Resolve(ctx, id, v, taskiface.TaskResult{Status: taskiface.StatusSucceeded}))
	select {
	case <-h.Done():
		t.Fatal("stale response resolved the handle")
	default:
	}

	require.True(t, c.Resolve(ctx, id, nv, taskiface.TaskResult{Status: taskiface.StatusSucceeded}))
	<-h.Done()
}

func TestAwaitTimeoutRemovesHandle(t *testing.T) {
	c, _, id, v := setup(t)
	ctx := context.Background()

	_, err := c.Await(ctx, id, 20*time.Millisecond)
	require.ErrorIs(t, err, taskiface.ErrAwaitTimeout)
	require.False(t, c.Pending(id))

	// the late response has nowhere to go
	require.False(t, c.Resolve(ctx, id, v, taskiface.TaskResult{Status: taskiface.StatusSucceeded}))
}

func TestAwaitTerminalFromStore(t *testing.T) {
	c, st, id, v := setup(t)
	ctx := context.Background()

	ok, err := st.MarkFailed(ctx, id, v, "boom")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := c.Await(ctx, id, time.Second)
	require.NoError(t, err)
	require.Equal(t, taskiface.StatusFailed, res.Status)
	require.ErrorIs(t, res.Err(), taskiface.ErrExecutionFailure)
}

func TestFailWakesAllWaiters(t *testing.T) {
	c, _, id, _ := setup(t)
	ctx := context.Background()

	const waiters = 4
	var wg sync.WaitGroup
	results := make([]taskiface.TaskResult, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Await(ctx, id, 5*time.Second)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool {
		c.lk.Lock()
		defer c.lk.Unlock()
		h, ok := c.pending[id]
		return ok && h.waiters == waiters
	}, time.Second, time.Millisecond)

	require.True(t, c.Fail(id, taskiface.TaskResult{Status: taskiface.StatusExpired, FailureReason: taskiface.ReasonExpired}))
	wg.Wait()

	for _, res := range results {
		require.ErrorIs(t, res.Err(), taskiface.ErrTaskExpired)
	}
}

func TestAwaitCancelled(t *testing.T) {
	c, _, id, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Await(ctx, id, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, c.Pending(id))
}

func TestReleaseDropsLastWaiter(t *testing.T) {
	c, _, id, v := setup(t)
	ctx := context.Background()

	a := c.Register(id)
	b := c.Register(id)
	require.Same(t, a, b)

	c.Release(a)
	require.True(t, c.Pending(id))

	c.Release(b)
	require.False(t, c.Pending(id))
	require.False(t, c.Resolve(ctx, id, v, taskiface.TaskResult{Status: taskiface.StatusSucceeded}))
}
