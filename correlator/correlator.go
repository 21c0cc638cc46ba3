// Package correlator pairs asynchronous delegate responses with the requests
// that are waiting for them. Each task has at most one pending handle, which
// is resolved exactly once and then removed.
package correlator

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/taskiface"
)

var log = logging.Logger("correlator")

// TaskLookup reads the authoritative task record.
type TaskLookup interface {
	Get(ctx context.Context, id taskiface.TaskID) (*taskiface.Task, error)
}

// Handle is a single resolution future for one task.
type Handle struct {
	task    taskiface.TaskID
	done    chan struct{}
	once    sync.Once
	res     taskiface.TaskResult
	waiters int
}

func (h *Handle) Task() taskiface.TaskID {
	return h.task
}

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) resolve(res taskiface.TaskResult) bool {
	resolved := false
	h.once.Do(func() {
		h.res = res
		close(h.done)
		resolved = true
	})
	return resolved
}

type Correlator struct {
	tasks TaskLookup

	lk      sync.Mutex
	pending map[taskiface.TaskID]*Handle
}

func New(tasks TaskLookup) *Correlator {
	return &Correlator{
		tasks:   tasks,
		pending: map[taskiface.TaskID]*Handle{},
	}
}

// Register returns the pending handle for id, creating it if needed, and
// counts the caller as a waiter. Every Register must be paired with Release.
func (c *Correlator) Register(id taskiface.TaskID) *Handle {
	c.lk.Lock()
	defer c.lk.Unlock()

	h, ok := c.pending[id]
	if !ok {
		h = &Handle{task: id, done: make(chan struct{})}
		c.pending[id] = h
	}
	h.waiters++
	return h
}

func (c *Correlator) take(id taskiface.TaskID) *Handle {
	c.lk.Lock()
	defer c.lk.Unlock()

	h, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return h
}

// Resolve completes the handle for id with res if version is still the task's
// current version. Anything else is logged and dropped.
func (c *Correlator) Resolve(ctx context.Context, id taskiface.TaskID, version uint64, res taskiface.TaskResult) bool {
	t, err := c.tasks.Get(ctx, id)
	if err != nil {
		log.Warnw("resolving response for unreadable task", "task", id, "error", err)
		return false
	}
	if t.Version != version {
		stats.Record(ctx, metrics.StaleResponses.M(1))
		log.Warnw("dropping response for superseded version", "task", id, "version", version, "current", t.Version)
		return false
	}
	return c.complete(id, res)
}

// Fail resolves id without a version check. It is used by the expiry,
// no-eligible and abort paths, which already hold the authoritative outcome.
func (c *Correlator) Fail(id taskiface.TaskID, res taskiface.TaskResult) bool {
	return c.complete(id, res)
}

func (c *Correlator) complete(id taskiface.TaskID, res taskiface.TaskResult) bool {
	h := c.take(id)
	if h == nil {
		log.Debugw("no pending request for task", "task", id, "status", res.Status)
		return false
	}
	res.Task = id
	return h.resolve(res)
}

// Await blocks until id is resolved, timeout elapses or ctx is cancelled. A
// task that already reached a terminal state is answered from the store.
// On timeout the handle is removed once no other caller waits on it, so late
// responses find nothing to resolve.
func (c *Correlator) Await(ctx context.Context, id taskiface.TaskID, timeout time.Duration) (taskiface.TaskResult, error) {
	h := c.Register(id)

	// the task may have finished before anyone registered
	t, err := c.tasks.Get(ctx, id)
	if err != nil {
		c.Release(h)
		return taskiface.TaskResult{}, xerrors.Errorf("awaiting task %s: %w", id, err)
	}
	if t.Status.Terminal() {
		c.complete(id, taskiface.ResultOf(t))
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case <-h.done:
		return h.res, nil
	case <-timer:
		c.Release(h)
		stats.Record(ctx, metrics.AwaitTimeouts.M(1))
		return taskiface.TaskResult{}, xerrors.Errorf("task %s: %w", id, taskiface.ErrAwaitTimeout)
	case <-ctx.Done():
		c.Release(h)
		return taskiface.TaskResult{}, ctx.Err()
	}
}

// Release drops one waiter. The handle is forgotten with its last waiter, so
// a response arriving afterwards finds nothing to resolve.
func (c *Correlator) Release(h *Handle) {
	c.lk.Lock()
	defer c.lk.Unlock()

	h.waiters--
	if h.waiters <= 0 && c.pending[h.task] == h {
		delete(c.pending, h.task)
	}
}

// Pending reports whether anyone is waiting on id.
func (c *Correlator) Pending(id taskiface.TaskID) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	_, ok := c.pending[id]
	return ok
}
