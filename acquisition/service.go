// Package acquisition hands queued tasks to polling delegates. Polls run
// concurrently with no service level lock; the store's conditional claim is
// the only point of contention.
package acquisition

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/selection"
	"github.com/filecoin-project/dispatch/taskiface"
	"github.com/filecoin-project/dispatch/taskstore"
)

var log = logging.Logger("acquisition")

// Resolver is notified when a poll finds a task that expired while queued.
type Resolver interface {
	Fail(id taskiface.TaskID, res taskiface.TaskResult) bool
}

type Service struct {
	store    taskstore.Store
	matcher  *selection.Matcher
	resolver Resolver
	clk      clock.Clock
}

func New(store taskstore.Store, matcher *selection.Matcher, resolver Resolver, clk clock.Clock) *Service {
	return &Service{
		store:    store,
		matcher:  matcher,
		resolver: resolver,
		clk:      clk,
	}
}

// PollForWork claims up to capacity queued tasks that d can run. It returns
// only tasks this call claimed; an idle poll returns an empty slice.
func (s *Service) PollForWork(ctx context.Context, d *taskiface.DelegateRecord, capacity int) ([]taskiface.TaskDescriptor, error) {
	ctx = metrics.Tagged(ctx, tag.Upsert(metrics.DelegateID, string(d.ID)))
	defer metrics.Timer(ctx, metrics.PollDuration)()

	if capacity <= 0 {
		return []taskiface.TaskDescriptor{}, nil
	}

	candidates, err := s.store.ListQueued(ctx, d.Account)
	if err != nil {
		return nil, xerrors.Errorf("listing queued tasks: %w", err)
	}
	stats.Record(ctx, metrics.PollCandidates.M(int64(len(candidates))))

	out := []taskiface.TaskDescriptor{}
	for _, t := range candidates {
		if len(out) >= capacity {
			break
		}

		now := s.clk.Now()
		if t.Expired(now) {
			s.expire(ctx, t)
			continue
		}

		if !s.matcher.Matches(t, d) {
			continue
		}

		claimed, version, err := s.store.TryClaim(ctx, t.ID, d.ID, t.Version)
		if err != nil {
			if len(out) == 0 {
				return nil, xerrors.Errorf("claiming task %s: %w", t.ID, err)
			}
			// the claims already made are only reachable through this reply
			log.Errorw("claiming task, returning partial poll", "task", t.ID, "delegate", d.ID, "claimed", len(out), "error", err)
			return out, nil
		}
		if !claimed {
			stats.Record(ctx, metrics.TaskClaimConflicts.M(1))
			log.Debugw("lost claim", "task", t.ID, "delegate", d.ID, "version", t.Version, "current", version)
			continue
		}

		tctx := metrics.Tagged(ctx, tag.Upsert(metrics.TaskType, t.Type))
		stats.Record(tctx, metrics.TasksClaimed.M(1), metrics.TaskQueueWait.M(float64(now.Sub(t.CreatedAt).Milliseconds())))

		t.Version = version
		out = append(out, t.Descriptor())
		log.Infow("task acquired", "task", t.ID, "type", t.Type, "delegate", d.ID, "version", version)
	}

	return out, nil
}

func (s *Service) expire(ctx context.Context, t *taskiface.Task) {
	ok, err := s.store.MarkExpired(ctx, t.ID, t.Version)
	if err != nil {
		log.Errorw("expiring task", "task", t.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	stats.Record(ctx, metrics.TasksExpired.M(1))
	log.Infow("task expired while queued", "task", t.ID)
	s.resolver.Fail(t.ID, taskiface.TaskResult{
		Status:        taskiface.StatusExpired,
		FailureReason: taskiface.ReasonExpired,
	})
}
