package taskstore

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dispatch/taskiface"
)

type storeCtor func(t *testing.T, clk clock.Clock) Store

var backends = map[string]storeCtor{
	"mem": func(t *testing.T, clk clock.Clock) Store {
		return NewMemStore(clk)
	},
	"sqlite": func(t *testing.T, clk clock.Clock) Store {
		s, err := OpenSQLStore(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), clk)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
}

func forEachBackend(t *testing.T, f func(t *testing.T, s Store, clk *clock.Mock)) {
	for name, ctor := range backends {
		ctor := ctor
		t.Run(name, func(t *testing.T) {
			clk := clock.NewMock()
			clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
			f(t, ctor(t, clk), clk)
		})
	}
}

func submit(t *testing.T, s Store, mods ...func(*taskiface.Task)) taskiface.TaskID {
	task := &taskiface.Task{
		Type:           "echo",
		Params:         []byte("hello"),
		Infrastructure: taskiface.InfraLocal,
		Requirements:   []taskiface.Requirement{{Name: "gpu", Value: "a100"}},
	}
	for _, m := range mods {
		m(task)
	}
	id, err := s.Submit(context.Background(), task)
	require.NoError(t, err)
	return id
}

func TestSubmitAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.Mock) {
		ctx := context.Background()
		id := submit(t, s)

		task, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, taskiface.StatusQueued, task.Status)
		require.Equal(t, uint64(0), task.Version)
		require.Equal(t, "echo", task.Type)
		require.Equal(t, []byte("hello"), task.Params)
		require.Equal(t, []taskiface.Requirement{{Name: "gpu", Value: "a100"}}, task.Requirements)
		require.True(t, task.CreatedAt.Equal(clk.Now()))

		_, err = s.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClaimLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.Mock) {
		ctx := context.Background()
		id := submit(t, s)

		ok, v, err := s.TryClaim(ctx, id, "d1", 0)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(1), v)

		// stale version
		ok, _, err = s.TryClaim(ctx, id, "d2", 0)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = s.MarkStarted(ctx, id, v)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.MarkSucceeded(ctx, id, v, []byte("out"))
		require.NoError(t, err)
		require.True(t, ok)

		task, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, taskiface.StatusSucceeded, task.Status)
		require.Equal(t, taskiface.DelegateID("d1"), task.AcquiredBy)
		require.Equal(t, []byte("out"), task.Result)

		// terminal tasks never move again
		ok, err = s.MarkFailed(ctx, id, v, "late")
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = s.Abort(ctx, id, v)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestClaimExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.Mock) {
		ctx := context.Background()
		id := submit(t, s, func(task *taskiface.Task) {
			task.Expiry = clk.Now().Add(time.Minute)
		})

		clk.Add(2 * time.Minute)

		ok, _, err := s.TryClaim(ctx, id, "d1", 0)
		require.NoError(t, err)
		require.False(t, ok)

		overdue, err := s.ListOverdue(ctx, clk.Now())
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		require.Equal(t, id, overdue[0].ID)

		ok, err = s.MarkExpired(ctx, id, 0)
		require.NoError(t, err)
		require.True(t, ok)

		task, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, taskiface.StatusExpired, task.Status)
		require.Equal(t, taskiface.ReasonExpired, task.FailureReason)

		overdue, err = s.ListOverdue(ctx, clk.Now())
		require.NoError(t, err)
		require.Empty(t, overdue)
	})
}

func TestRequeueInvalidatesHolder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.Mock) {
		ctx := context.Background()
		id := submit(t, s)

		ok, v, err := s.TryClaim(ctx, id, "d1", 0)
		require.NoError(t, err)
		require.True(t, ok)

		ok, nv, err := s.Requeue(ctx, id, v)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, v+1, nv)

		// the old holder's response is rejected
		ok, err = s.MarkSucceeded(ctx, id, v, nil)
		require.NoError(t, err)
		require.False(t, ok)

		queued, err := s.ListQueued(ctx, "")
		require.NoError(t, err)
		require.Len(t, queued, 1)

		ok, v2, err := s.TryClaim(ctx, id, "d2", nv)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, nv+1, v2)

		held, err := s.ListAcquiredBy(ctx, "d2")
		require.NoError(t, err)
		require.Len(t, held, 1)
		held, err = s.ListAcquiredBy(ctx, "d1")
		require.NoError(t, err)
		require.Empty(t, held)
	})
}

func TestCancelAndAbort(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.Mock) {
		ctx := context.Background()

		queued := submit(t, s)
		ok, err := s.RequestCancel(ctx, queued, 0)
		require.NoError(t, err)
		require.False(t, ok, "queued tasks are aborted directly")
		ok, err = s.Abort(ctx, queued, 0)
		require.NoError(t, err)
		require.True(t, ok)

		held := submit(t, s)
		_, v, err := s.TryClaim(ctx, held, "d1", 0)
		require.NoError(t, err)
		ok, err = s.RequestCancel(ctx, held, v)
		require.NoError(t, err)
		require.True(t, ok)

		task, err := s.Get(ctx, held)
		require.NoError(t, err)
		require.True(t, task.CancelRequested)
		require.Equal(t, taskiface.StatusAcquired, task.Status)
		require.Equal(t, v, task.Version)
	})
}

func TestListQueuedTenancy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.Mock) {
		ctx := context.Background()

		shared := submit(t, s)
		clk.Add(time.Second)
		acme := submit(t, s, func(task *taskiface.Task) { task.Account = "acme" })
		clk.Add(time.Second)
		submit(t, s, func(task *taskiface.Task) { task.Account = "other" })

		got, err := s.ListQueued(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, shared, got[0].ID)
		require.Equal(t, acme, got[1].ID)

		got, err = s.ListQueued(ctx, "")
		require.NoError(t, err)
		require.Len(t, got, 1)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 3)
	})
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clk *clock.Mock) {
		ctx := context.Background()
		id := submit(t, s)

		const claimers = 16
		var wins int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				ok, _, err := s.TryClaim(ctx, id, taskiface.DelegateID(string(rune('a'+i))), 0)
				require.NoError(t, err)
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins)

		task, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, taskiface.StatusAcquired, task.Status)
		require.Equal(t, uint64(1), task.Version)
	})
}
