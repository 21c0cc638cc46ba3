package delegate

import (
	"context"
	"fmt"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/taskiface"
)

type perpetualRun struct {
	pt     taskiface.PerpetualTask
	cancel context.CancelFunc
	done   chan struct{}
}

// syncPerpetual starts assigned tasks that are not running and stops running
// tasks that are no longer assigned.
func (a *Agent) syncPerpetual(ctx context.Context, assigned []taskiface.PerpetualTask, stop []taskiface.PerpetualTaskID) {
	want := map[taskiface.PerpetualTaskID]taskiface.PerpetualTask{}
	for _, pt := range assigned {
		want[pt.ID] = pt
	}

	a.lk.Lock()
	var stale []*perpetualRun
	for id, pr := range a.perpetual {
		if _, ok := want[id]; !ok {
			stale = append(stale, pr)
			delete(a.perpetual, id)
		}
	}
	for _, id := range stop {
		if pr, ok := a.perpetual[id]; ok {
			stale = append(stale, pr)
			delete(a.perpetual, id)
		}
	}
	for id, pt := range want {
		if _, ok := a.perpetual[id]; ok {
			continue
		}
		a.perpetual[id] = a.startPerpetual(ctx, pt)
	}
	a.lk.Unlock()

	for _, pr := range stale {
		log.Infow("stopping perpetual task", "id", pr.pt.ID)
		pr.cancel()
		<-pr.done
	}
}

// startPerpetual must be called with a.lk held.
func (a *Agent) startPerpetual(ctx context.Context, pt taskiface.PerpetualTask) *perpetualRun {
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pr := &perpetualRun{pt: pt, cancel: cancel, done: make(chan struct{})}

	t := a.clk.Ticker(pt.Interval)
	log.Infow("starting perpetual task", "id", pt.ID, "type", pt.Type, "interval", pt.Interval)

	go func() {
		defer close(pr.done)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				a.runPerpetual(pctx, pt)
			case <-pctx.Done():
				return
			}
		}
	}()

	return pr
}

func (a *Agent) runPerpetual(ctx context.Context, pt taskiface.PerpetualTask) {
	rn, err := a.runners.Get(taskiface.InfraLocal)
	if err != nil {
		log.Errorw("no runner for perpetual task", "id", pt.ID, "error", err)
		return
	}

	td := taskiface.TaskDescriptor{
		ID:             taskiface.TaskID(pt.ID),
		Type:           pt.Type,
		Params:         pt.Context,
		Infrastructure: taskiface.InfraLocal,
	}
	group := fmt.Sprintf("perpetual/%s/%d", pt.ID, a.clk.Now().UnixNano())

	if err := rn.Init(ctx, group, []taskiface.TaskDescriptor{td}, td.Infrastructure); err != nil {
		log.Errorw("initialising perpetual run", "id", pt.ID, "error", err)
		return
	}
	outs := rn.Execute(ctx, group, []taskiface.TaskDescriptor{td})
	if err := rn.Cleanup(context.WithoutCancel(ctx), group); err != nil {
		log.Errorw("cleaning up perpetual run", "id", pt.ID, "error", err)
	}
	for _, out := range outs {
		if out.Err != nil {
			log.Warnw("perpetual run failed", "id", pt.ID, "error", out.Err)
		}
	}

	mctx := metrics.Tagged(ctx, tag.Upsert(metrics.TaskType, pt.Type), tag.Upsert(metrics.DelegateID, string(a.desc.ID)))
	stats.Record(mctx, metrics.DelegatePerpetualRuns.M(1))

	ok, err := a.node.PerpetualTaskRan(ctx, pt.ID, a.desc.ID, a.clk.Now())
	switch {
	case err != nil:
		log.Warnw("reporting perpetual run", "id", pt.ID, "error", err)
	case !ok:
		log.Warnw("manager no longer assigns perpetual task to us", "id", pt.ID)
	}
}

func (a *Agent) stopAllPerpetual() {
	a.lk.Lock()
	runs := make([]*perpetualRun, 0, len(a.perpetual))
	for id, pr := range a.perpetual {
		runs = append(runs, pr)
		delete(a.perpetual, id)
	}
	a.lk.Unlock()

	for _, pr := range runs {
		pr.cancel()
		<-pr.done
	}
}
