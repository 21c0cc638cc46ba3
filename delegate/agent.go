// Package delegate is the worker side: it heartbeats to the manager, polls for
// work it can run, executes claimed tasks through the runner registry and
// reports the results back.
package delegate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/build"
	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/node/config"
	"github.com/filecoin-project/dispatch/runner"
	"github.com/filecoin-project/dispatch/taskiface"
)

var log = logging.Logger("delegate")

type runningTask struct {
	td     taskiface.TaskDescriptor
	cancel context.CancelFunc
	// set when the manager asked for the task to stop
	cancelRequested bool
}

type Agent struct {
	cfg     config.Delegate
	node    api.Dispatch
	runners *runner.Registry
	clk     clock.Clock
	desc    api.DelegateDescriptor

	lk        sync.Mutex
	running   map[taskiface.TaskID]*runningTask
	perpetual map[taskiface.PerpetualTaskID]*perpetualRun

	tasks sync.WaitGroup
}

func New(cfg *config.Delegate, node api.Dispatch, runners *runner.Registry, clk clock.Clock) *Agent {
	if clk == nil {
		clk = clock.New()
	}
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	return &Agent{
		cfg:     *cfg,
		node:    node,
		runners: runners,
		clk:     clk,
		desc: api.DelegateDescriptor{
			ID:           taskiface.DelegateID(id),
			Account:      cfg.Account,
			Groups:       cfg.Groups,
			Capabilities: cfg.Capabilities,
			Capacity:     capacity,
		},
		running:   map[taskiface.TaskID]*runningTask{},
		perpetual: map[taskiface.PerpetualTaskID]*perpetualRun{},
	}
}

func (a *Agent) ID() taskiface.DelegateID {
	return a.desc.ID
}

// Run heartbeats and polls until ctx is done, then waits for in-flight work
// and cleans up every runner group.
func (a *Agent) Run(ctx context.Context) error {
	log.Infow("delegate starting", "id", a.desc.ID, "account", a.desc.Account, "capacity", a.desc.Capacity, "capabilities", a.desc.Capabilities)

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.loop(ectx, time.Duration(a.cfg.HeartbeatInterval), a.Heartbeat)
	})
	eg.Go(func() error {
		return a.loop(ectx, time.Duration(a.cfg.PollInterval), func(ctx context.Context) error {
			_, err := a.Poll(ctx)
			return err
		})
	})
	err := eg.Wait()

	a.stopAllPerpetual()
	a.tasks.Wait()

	cctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.RequestTimeout))
	defer cancel()
	if cerr := a.runners.Close(cctx); cerr != nil {
		log.Errorw("cleaning up runner groups", "error", cerr)
	}

	if xerrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop calls fn right away and then on every tick. Errors are logged; the
// manager being unreachable is not fatal to the delegate.
func (a *Agent) loop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		return xerrors.Errorf("loop interval must be positive, got %s", interval)
	}

	t := a.clk.Ticker(interval)
	defer t.Stop()

	for {
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnw("delegate loop iteration failed", "error", err)
		}

		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Heartbeat reports liveness and applies the manager's ack: cancel requests
// and the intended perpetual task set.
func (a *Agent) Heartbeat(ctx context.Context) error {
	a.lk.Lock()
	active := len(a.running)
	perp := make([]taskiface.PerpetualTaskID, 0, len(a.perpetual))
	for id := range a.perpetual {
		perp = append(perp, id)
	}
	a.lk.Unlock()

	ack, err := a.node.Heartbeat(ctx, api.HeartbeatRequest{
		Delegate:       a.desc,
		SentAt:         a.clk.Now(),
		ActiveTasks:    active,
		PerpetualTasks: perp,
	})
	if err != nil {
		return xerrors.Errorf("sending heartbeat: %w", err)
	}

	for _, c := range ack.Cancel {
		a.cancelTask(c)
	}
	a.syncPerpetual(ctx, ack.Perpetual, ack.StopPerpetual)
	return nil
}

func (a *Agent) cancelTask(c api.CancelNotice) {
	a.lk.Lock()
	defer a.lk.Unlock()

	rt, ok := a.running[c.Task]
	if !ok || rt.td.Version != c.Version {
		return
	}
	if !rt.cancelRequested {
		log.Infow("cancelling task on manager request", "task", c.Task, "version", c.Version)
	}
	rt.cancelRequested = true
	rt.cancel()
}

// Poll asks for as many tasks as there is free capacity and starts them. It
// returns the number of tasks started.
func (a *Agent) Poll(ctx context.Context) (int, error) {
	a.lk.Lock()
	free := a.desc.Capacity - len(a.running)
	a.lk.Unlock()
	if free <= 0 {
		return 0, nil
	}

	tds, err := a.node.PollForWork(ctx, api.PollRequest{
		SchemaVersion: build.PayloadSchemaVersion,
		Delegate:      a.desc,
		Capacity:      free,
	})
	if err != nil {
		return 0, xerrors.Errorf("polling for work: %w", err)
	}

	for _, td := range tds {
		a.start(ctx, td)
	}
	return len(tds), nil
}

func (a *Agent) start(ctx context.Context, td taskiface.TaskDescriptor) {
	tctx, cancel := context.WithCancel(ctx)
	rt := &runningTask{td: td, cancel: cancel}

	a.lk.Lock()
	a.running[td.ID] = rt
	a.lk.Unlock()

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		defer func() {
			cancel()
			a.lk.Lock()
			delete(a.running, td.ID)
			a.lk.Unlock()
		}()

		a.execute(ctx, tctx, rt)
	}()
}

// execute runs one claimed task end to end. ctx governs talking to the
// manager, tctx the task itself.
func (a *Agent) execute(ctx, tctx context.Context, rt *runningTask) {
	td := rt.td

	ok, err := a.node.TaskStarted(ctx, td.ID, td.Version)
	if err != nil {
		log.Warnw("confirming task start", "task", td.ID, "error", err)
	} else if !ok {
		log.Warnw("claim superseded before start, dropping task", "task", td.ID, "version", td.Version)
		return
	}

	out := a.runTask(tctx, td)

	a.lk.Lock()
	cancelled := rt.cancelRequested
	a.lk.Unlock()

	resp := api.TaskResponse{
		SchemaVersion: build.PayloadSchemaVersion,
		Task:          td.ID,
		Version:       td.Version,
		Delegate:      a.desc.ID,
		Payload:       out.Payload,
		Error:         out.Err,
		Cancelled:     cancelled,
	}
	if cancelled {
		resp.Payload = nil
		resp.Error = nil
	}

	a.respond(ctx, resp)
}

func (a *Agent) runTask(ctx context.Context, td taskiface.TaskDescriptor) runner.Outcome {
	rn, err := a.runners.Get(td.Infrastructure)
	if err != nil {
		return runner.Outcome{Task: td.ID, Version: td.Version, Err: taskiface.Err(taskiface.ErrTempInfrastructure, err)}
	}

	group := string(td.ID)
	if err := rn.Init(ctx, group, []taskiface.TaskDescriptor{td}, td.Infrastructure); err != nil {
		return runner.Outcome{Task: td.ID, Version: td.Version, Err: taskiface.Err(taskiface.ErrTempInfrastructure, err)}
	}
	defer func() {
		if err := rn.Cleanup(context.WithoutCancel(ctx), group); err != nil {
			log.Errorw("cleaning up task group", "task", td.ID, "error", err)
		}
	}()

	outs := rn.Execute(ctx, group, []taskiface.TaskDescriptor{td})
	if len(outs) != 1 {
		return runner.Outcome{Task: td.ID, Version: td.Version,
			Err: taskiface.Err(taskiface.ErrTempUnknown, xerrors.Errorf("runner returned %d outcomes for one task", len(outs)))}
	}
	return outs[0]
}

// respond delivers resp, retrying transport failures with backoff. A rejected
// response is final.
func (a *Agent) respond(ctx context.Context, resp api.TaskResponse) bool {
	rc := a.cfg.ResponseRetry
	b := &backoff.Backoff{
		Min:    time.Duration(rc.Min),
		Max:    time.Duration(rc.Max),
		Factor: rc.Factor,
		Jitter: true,
	}

	mctx := metrics.Tagged(ctx, tag.Upsert(metrics.DelegateID, string(a.desc.ID)))

	for {
		st, err := a.node.SubmitResponse(ctx, resp)
		if err == nil {
			if st == api.ResponseRejected {
				log.Warnw("manager rejected response", "task", resp.Task, "version", resp.Version)
				return false
			}
			log.Infow("response accepted", "task", resp.Task, "version", resp.Version, "failed", resp.Error != nil, "cancelled", resp.Cancelled)
			return true
		}

		// b.Attempt() starts from zero
		attempt := int(b.Attempt()) + 1
		if api.ErrorIsIn(err, []error{&api.ErrTaskNotFound{}, &api.ErrUnsupportedSchema{}}) {
			log.Errorw("manager refused response", "task", resp.Task, "error", err)
			return false
		}
		if rc.MaxAttempts > 0 && attempt >= rc.MaxAttempts {
			log.Errorw("giving up on response", "task", resp.Task, "attempts", attempt, "error", err)
			return false
		}

		d := b.Duration()
		stats.Record(mctx, metrics.DelegateReturnRetries.M(1))
		log.Warnw("response submission failed, retrying", "task", resp.Task, "attempt", attempt, "wait", d, "error", err)

		t := a.clk.Timer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			log.Errorw("failed to return result", "task", resp.Task, "error", ctx.Err())
			return false
		}
	}
}
