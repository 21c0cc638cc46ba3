package manager

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/taskiface"
)

// Run drives the periodic maintenance and perpetual rebalance loops until ctx
// is done.
func (m *Manager) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return m.every(ctx, time.Duration(m.cfg.Scheduling.MaintenanceInterval), func(ctx context.Context) error {
			return m.Maintain(ctx)
		})
	})
	eg.Go(func() error {
		return m.every(ctx, time.Duration(m.cfg.Perpetual.RebalanceInterval), func(ctx context.Context) error {
			n, err := m.perp.Rebalance(ctx)
			if n > 0 {
				log.Infow("rebalanced perpetual tasks", "moved", n)
			}
			return err
		})
	})

	err := eg.Wait()
	if xerrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	t := m.clk.Ticker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Errorw("maintenance pass failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Maintain runs one maintenance pass: it expires overdue tasks, requeues work
// held by delegates that went away, and fails queued tasks nobody can run.
func (m *Manager) Maintain(ctx context.Context) error {
	defer metrics.Timer(ctx, metrics.MaintenanceDuration)()

	now := m.clk.Now()

	overdue, err := m.store.ListOverdue(ctx, now)
	if err != nil {
		return xerrors.Errorf("listing overdue tasks: %w", err)
	}
	for _, t := range overdue {
		m.expire(ctx, t)
	}

	active, err := m.store.ListActive(ctx)
	if err != nil {
		return xerrors.Errorf("listing active tasks: %w", err)
	}

	grace := time.Duration(m.cfg.Scheduling.DelegateLossGrace)
	wait := time.Duration(m.cfg.Scheduling.NoEligibleDelegateWait)

	for _, t := range active {
		if t.Expired(now) {
			continue
		}

		switch {
		case t.Status.Held():
			if m.live.IsLive(t.AcquiredBy) || now.Sub(t.AcquiredAt) < grace {
				continue
			}
			if t.CancelRequested {
				m.abortLost(ctx, t)
				continue
			}
			m.requeue(ctx, t)
		case t.Status == taskiface.StatusQueued:
			if now.Sub(t.UpdatedAt) < wait || m.anyEligible(t) {
				continue
			}
			m.failNoEligible(ctx, t)
		}
	}

	_, live := m.live.All()
	n := 0
	for _, ok := range live {
		if ok {
			n++
		}
	}
	stats.Record(ctx, metrics.LiveDelegates.M(int64(n)))

	if forget := time.Duration(m.cfg.Liveness.ForgetAfter); forget > 0 {
		if dropped := m.live.Forget(forget); dropped > 0 {
			log.Infow("forgot silent delegates", "count", dropped)
		}
	}

	return nil
}

// anyEligible checks the live set without recording to the selection log.
func (m *Manager) anyEligible(t *taskiface.Task) bool {
	for _, d := range m.live.ListLive(t.Account) {
		if ok, _ := m.matcher.Ok(t, d); ok {
			return true
		}
	}
	return false
}

func (m *Manager) requeue(ctx context.Context, t *taskiface.Task) {
	ok, version, err := m.store.Requeue(ctx, t.ID, t.Version)
	if err != nil {
		log.Errorw("requeueing task", "task", t.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	stats.Record(ctx, metrics.TasksRequeued.M(1))
	log.Warnw("requeued task from lost delegate", "task", t.ID, "delegate", t.AcquiredBy, "version", version)
}

// abortLost finishes an abort whose delegate went away before confirming it.
func (m *Manager) abortLost(ctx context.Context, t *taskiface.Task) {
	ok, err := m.store.Abort(ctx, t.ID, t.Version)
	if err != nil {
		log.Errorw("aborting task of lost delegate", "task", t.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	m.finished(ctx, t, taskiface.StatusAborted)
	m.corr.Fail(t.ID, taskiface.TaskResult{Status: taskiface.StatusAborted, FailureReason: taskiface.ReasonAborted})
	log.Infow("aborted task held by lost delegate", "task", t.ID, "delegate", t.AcquiredBy)
}

func (m *Manager) failNoEligible(ctx context.Context, t *taskiface.Task) {
	ok, err := m.store.MarkFailed(ctx, t.ID, t.Version, taskiface.ReasonNoEligible)
	if err != nil {
		log.Errorw("failing task without eligible delegate", "task", t.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	m.finished(ctx, t, taskiface.StatusFailed)
	m.corr.Fail(t.ID, taskiface.TaskResult{Status: taskiface.StatusFailed, FailureReason: taskiface.ReasonNoEligible})
	log.Warnw("no eligible delegate", "task", t.ID, "type", t.Type, "requirements", t.Requirements, "account", t.Account)
}
