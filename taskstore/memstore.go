package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/taskiface"
)

// MemStore keeps tasks in memory. Every conditional update runs under the
// write lock, which makes it the atomic primitive; reads share the lock.
type MemStore struct {
	clk clock.Clock

	lk    sync.RWMutex
	tasks map[taskiface.TaskID]*taskiface.Task
}

var _ Store = (*MemStore)(nil)

func NewMemStore(clk clock.Clock) *MemStore {
	return &MemStore{
		clk:   clk,
		tasks: map[taskiface.TaskID]*taskiface.Task{},
	}
}

func copyTask(t *taskiface.Task) *taskiface.Task {
	out := *t
	out.Params = append([]byte(nil), t.Params...)
	out.Result = append([]byte(nil), t.Result...)
	out.Requirements = append([]taskiface.Requirement(nil), t.Requirements...)
	return &out
}

func (m *MemStore) Submit(ctx context.Context, t *taskiface.Task) (taskiface.TaskID, error) {
	if t.ID == "" {
		t.ID = taskiface.NewTaskID()
	}
	now := m.clk.Now()

	m.lk.Lock()
	defer m.lk.Unlock()

	if _, ok := m.tasks[t.ID]; ok {
		return "", xerrors.Errorf("task %s already exists", t.ID)
	}

	st := copyTask(t)
	st.Status = taskiface.StatusQueued
	st.Version = 0
	st.AcquiredBy = ""
	st.CreatedAt = now
	st.UpdatedAt = now
	m.tasks[st.ID] = st

	return st.ID, nil
}

func (m *MemStore) Get(ctx context.Context, id taskiface.TaskID) (*taskiface.Task, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, xerrors.Errorf("getting task %s: %w", id, ErrNotFound)
	}
	return copyTask(t), nil
}

func (m *MemStore) TryClaim(ctx context.Context, id taskiface.TaskID, delegate taskiface.DelegateID, expectedVersion uint64) (bool, uint64, error) {
	now := m.clk.Now()

	m.lk.Lock()
	defer m.lk.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return false, 0, xerrors.Errorf("claiming task %s: %w", id, ErrNotFound)
	}
	if t.Status != taskiface.StatusQueued || t.Version != expectedVersion || t.Expired(now) {
		return false, t.Version, nil
	}

	t.Status = taskiface.StatusAcquired
	t.Version++
	t.AcquiredBy = delegate
	t.AcquiredAt = now
	t.UpdatedAt = now
	return true, t.Version, nil
}

func (m *MemStore) transition(id taskiface.TaskID, version uint64, tr transition, apply func(t *taskiface.Task)) (bool, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return false, xerrors.Errorf("%s task %s: %w", tr, id, ErrNotFound)
	}
	if t.Version != version || !allowedFrom(tr, t.Status) {
		log.Debugw("conditional update refused", "task", id, "op", tr, "status", t.Status, "version", t.Version, "expected", version)
		return false, nil
	}

	if to, ok := targets[tr]; ok {
		t.Status = to
	}
	if apply != nil {
		apply(t)
	}
	t.UpdatedAt = m.clk.Now()
	return true, nil
}

func (m *MemStore) MarkStarted(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	return m.transition(id, version, trStart, nil)
}

func (m *MemStore) MarkSucceeded(ctx context.Context, id taskiface.TaskID, version uint64, payload []byte) (bool, error) {
	return m.transition(id, version, trSucceed, func(t *taskiface.Task) {
		t.Result = append([]byte(nil), payload...)
	})
}

func (m *MemStore) MarkFailed(ctx context.Context, id taskiface.TaskID, version uint64, reason string) (bool, error) {
	return m.transition(id, version, trFail, func(t *taskiface.Task) {
		t.FailureReason = reason
	})
}

func (m *MemStore) MarkExpired(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	return m.transition(id, version, trExpire, func(t *taskiface.Task) {
		t.FailureReason = taskiface.ReasonExpired
	})
}

func (m *MemStore) Abort(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	return m.transition(id, version, trAbort, func(t *taskiface.Task) {
		t.FailureReason = taskiface.ReasonAborted
	})
}

func (m *MemStore) RequestCancel(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	return m.transition(id, version, trCancel, func(t *taskiface.Task) {
		t.CancelRequested = true
	})
}

func (m *MemStore) Requeue(ctx context.Context, id taskiface.TaskID, version uint64) (bool, uint64, error) {
	var newVersion uint64
	ok, err := m.transition(id, version, trRequeue, func(t *taskiface.Task) {
		t.Version++
		t.AcquiredBy = ""
		t.CancelRequested = false
		newVersion = t.Version
	})
	return ok, newVersion, err
}

func (m *MemStore) list(match func(t *taskiface.Task) bool) []*taskiface.Task {
	m.lk.RLock()
	defer m.lk.RUnlock()

	var out []*taskiface.Task
	for _, t := range m.tasks {
		if match(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemStore) ListQueued(ctx context.Context, account string) ([]*taskiface.Task, error) {
	return m.list(func(t *taskiface.Task) bool {
		return t.Status == taskiface.StatusQueued && visibleTo(t.Account, account)
	}), nil
}

func (m *MemStore) ListActive(ctx context.Context) ([]*taskiface.Task, error) {
	return m.list(func(t *taskiface.Task) bool {
		return !t.Status.Terminal()
	}), nil
}

func (m *MemStore) ListAcquiredBy(ctx context.Context, delegate taskiface.DelegateID) ([]*taskiface.Task, error) {
	return m.list(func(t *taskiface.Task) bool {
		return t.Status.Held() && t.AcquiredBy == delegate
	}), nil
}

func (m *MemStore) ListOverdue(ctx context.Context, now time.Time) ([]*taskiface.Task, error) {
	return m.list(func(t *taskiface.Task) bool {
		return !t.Status.Terminal() && t.Expired(now)
	}), nil
}

func (m *MemStore) Close() error {
	return nil
}
