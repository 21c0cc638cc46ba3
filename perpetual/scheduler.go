// Package perpetual keeps recurring tasks assigned to live delegates. An
// assignment is durable: it only moves when its delegate stops being live.
package perpetual

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/lib/statestore"
	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/selection"
	"github.com/filecoin-project/dispatch/taskiface"
)

var log = logging.Logger("perpetual")

var ErrNotFound = xerrors.New("perpetual task not found")

// LiveDelegates is the part of the liveness cache the scheduler reads.
type LiveDelegates interface {
	IsLive(id taskiface.DelegateID) bool
	ListLive(account string) []*taskiface.DelegateRecord
}

type Scheduler struct {
	clk     clock.Clock
	live    LiveDelegates
	matcher *selection.Matcher
	tasks   *statestore.StateStore[taskiface.PerpetualTask]

	// serialises read-modify-write of records
	lk sync.Mutex
}

func New(ds datastore.Batching, live LiveDelegates, matcher *selection.Matcher, clk clock.Clock) *Scheduler {
	return &Scheduler{
		clk:     clk,
		live:    live,
		matcher: matcher,
		tasks:   statestore.New[taskiface.PerpetualTask](namespace.Wrap(ds, datastore.NewKey("/perpetual"))),
	}
}

type CreateRequest struct {
	Type         string
	Interval     time.Duration
	Context      []byte
	Requirements []taskiface.Requirement
	Account      string
}

// Create stores a new perpetual task and places it right away if a live
// delegate can take it.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (taskiface.PerpetualTaskID, error) {
	if req.Interval <= 0 {
		return "", xerrors.Errorf("perpetual task interval must be positive, got %s", req.Interval)
	}

	pt := taskiface.PerpetualTask{
		ID:           taskiface.NewPerpetualTaskID(),
		Type:         req.Type,
		Interval:     req.Interval,
		Context:      req.Context,
		Requirements: req.Requirements,
		Account:      req.Account,
		CreatedAt:    s.clk.Now(),
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	all, err := s.tasks.List(ctx)
	if err != nil {
		log.Warnw("some perpetual tasks could not be decoded", "error", err)
	}
	s.place(ctx, &pt, assignmentLoad(all))
	if err := s.tasks.Begin(ctx, pt.ID, &pt); err != nil {
		return "", xerrors.Errorf("storing perpetual task: %w", err)
	}
	log.Infow("perpetual task created", "id", pt.ID, "type", pt.Type, "interval", pt.Interval, "delegate", pt.AssignedTo)
	return pt.ID, nil
}

func (s *Scheduler) Delete(ctx context.Context, id taskiface.PerpetualTaskID) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	if err := s.tasks.End(ctx, id); err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return xerrors.Errorf("deleting %s: %w", id, ErrNotFound)
		}
		return xerrors.Errorf("deleting perpetual task %s: %w", id, err)
	}
	return nil
}

// Context returns the task record, which carries the opaque context a
// delegate needs to run it.
func (s *Scheduler) Context(ctx context.Context, id taskiface.PerpetualTaskID) (*taskiface.PerpetualTask, error) {
	pt, err := s.tasks.Get(ctx, id)
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return nil, xerrors.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return pt, nil
}

// RecordRun stamps LastRun if delegate still holds the assignment.
func (s *Scheduler) RecordRun(ctx context.Context, id taskiface.PerpetualTaskID, delegate taskiface.DelegateID, at time.Time) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	applied := false
	err := s.tasks.Mutate(ctx, id, func(pt *taskiface.PerpetualTask) error {
		if pt.AssignedTo != delegate {
			return nil
		}
		if at.After(pt.LastRun) {
			pt.LastRun = at
		}
		applied = true
		return nil
	})
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return false, xerrors.Errorf("%s: %w", id, ErrNotFound)
		}
		return false, err
	}
	if applied {
		otelmetrics.runs.Add(ctx, 1, metric.WithAttributes(attrDelegate.String(string(delegate))))
	} else {
		log.Warnw("run reported by a delegate that does not hold the task", "id", id, "delegate", delegate)
	}
	return applied, nil
}

func (s *Scheduler) List(ctx context.Context) ([]taskiface.PerpetualTask, error) {
	all, err := s.tasks.List(ctx)
	if err != nil {
		log.Warnw("some perpetual tasks could not be decoded", "error", err)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all, nil
}

// AssignmentsFor returns the tasks currently assigned to delegate.
func (s *Scheduler) AssignmentsFor(ctx context.Context, delegate taskiface.DelegateID) ([]taskiface.PerpetualTask, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []taskiface.PerpetualTask
	for _, pt := range all {
		if pt.AssignedTo == delegate {
			out = append(out, pt)
		}
	}
	return out, nil
}

// Drift compares what a delegate reports running with what it is assigned.
// start lists assigned tasks it does not run, stop lists tasks it runs but
// does not hold.
func (s *Scheduler) Drift(ctx context.Context, delegate taskiface.DelegateID, running []taskiface.PerpetualTaskID) (start []taskiface.PerpetualTask, stop []taskiface.PerpetualTaskID, err error) {
	assigned, err := s.AssignmentsFor(ctx, delegate)
	if err != nil {
		return nil, nil, err
	}

	isRunning := map[taskiface.PerpetualTaskID]bool{}
	for _, id := range running {
		isRunning[id] = true
	}
	isAssigned := map[taskiface.PerpetualTaskID]bool{}
	for _, pt := range assigned {
		isAssigned[pt.ID] = true
		if !isRunning[pt.ID] {
			start = append(start, pt)
		}
	}
	for _, id := range running {
		if !isAssigned[id] {
			stop = append(stop, id)
		}
	}
	return start, stop, nil
}

// Rebalance moves every task whose delegate is not live to the best live
// eligible delegate. Tasks on live delegates are left alone. It returns the
// number of tasks that changed hands.
func (s *Scheduler) Rebalance(ctx context.Context) (int, error) {
	defer metrics.Timer(ctx, metrics.PerpetualRebalanceRun)()

	s.lk.Lock()
	defer s.lk.Unlock()

	all, err := s.tasks.List(ctx)
	if err != nil {
		log.Warnw("some perpetual tasks could not be decoded", "error", err)
	}

	load := assignmentLoad(all)
	moved := 0
	for i := range all {
		pt := all[i]
		if pt.AssignedTo != "" && s.live.IsLive(pt.AssignedTo) {
			continue
		}

		prev := pt.AssignedTo
		if !s.place(ctx, &pt, load) && prev == "" {
			continue
		}
		if pt.AssignedTo == prev {
			continue
		}

		err := s.tasks.Mutate(ctx, pt.ID, func(cur *taskiface.PerpetualTask) error {
			cur.AssignedTo = pt.AssignedTo
			cur.AssignedAt = pt.AssignedAt
			return nil
		})
		if err != nil {
			if xerrors.Is(err, datastore.ErrNotFound) {
				continue
			}
			return moved, xerrors.Errorf("reassigning %s: %w", pt.ID, err)
		}

		reason := attrReasonUnassigned
		if prev != "" {
			reason = attrReasonStale
		}
		otelmetrics.reassignments.Add(ctx, 1, metric.WithAttributes(reason))
		log.Infow("perpetual task reassigned", "id", pt.ID, "from", prev, "to", pt.AssignedTo)
		moved++
	}

	return moved, nil
}

// assignmentLoad counts perpetual tasks per assigned delegate.
func assignmentLoad(all []taskiface.PerpetualTask) map[taskiface.DelegateID]int {
	load := map[taskiface.DelegateID]int{}
	for _, pt := range all {
		if pt.AssignedTo != "" {
			load[pt.AssignedTo]++
		}
	}
	return load
}

// place picks the first delegate in selection order, counting perpetual
// assignments in load as active work, or clears the assignment when nobody is
// eligible. load is updated with the move. It reports whether a delegate was
// found.
func (s *Scheduler) place(ctx context.Context, pt *taskiface.PerpetualTask, load map[taskiface.DelegateID]int) bool {
	probe := &taskiface.Task{
		ID:           taskiface.TaskID(pt.ID),
		Type:         pt.Type,
		Requirements: pt.Requirements,
		Account:      pt.Account,
	}
	live := s.live.ListLive(pt.Account)
	for _, d := range live {
		d.ActiveTasks += load[d.ID]
	}

	if pt.AssignedTo != "" {
		load[pt.AssignedTo]--
	}
	eligible := s.matcher.EligibleDelegates(probe, live)
	if len(eligible) == 0 {
		otelmetrics.unplaced.Add(ctx, 1)
		pt.AssignedTo = ""
		pt.AssignedAt = time.Time{}
		return false
	}
	pt.AssignedTo = eligible[0].ID
	load[pt.AssignedTo]++
	pt.AssignedAt = s.clk.Now()
	return true
}
