// Package manager is the control plane: it builds the component graph once and
// implements the Dispatch RPC API on top of it.
package manager

import (
	"context"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/acquisition"
	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/build"
	"github.com/filecoin-project/dispatch/correlator"
	"github.com/filecoin-project/dispatch/liveness"
	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/node/config"
	"github.com/filecoin-project/dispatch/perpetual"
	"github.com/filecoin-project/dispatch/selection"
	"github.com/filecoin-project/dispatch/taskiface"
	"github.com/filecoin-project/dispatch/taskstore"
)

var log = logging.Logger("manager")

// Deps are the stateful pieces a Manager is built on. Anything left nil is
// created in memory.
type Deps struct {
	Store     taskstore.Store
	Datastore datastore.Batching
	Clock     clock.Clock
}

type Manager struct {
	cfg config.Manager
	clk clock.Clock

	store   taskstore.Store
	ds      datastore.Batching
	live    *liveness.Cache
	matcher *selection.Matcher
	slog    *selection.Log
	acq     *acquisition.Service
	corr    *correlator.Correlator
	perp    *perpetual.Scheduler
}

var _ api.Dispatch = (*Manager)(nil)

func New(cfg *config.Manager, deps Deps) (*Manager, error) {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Store == nil {
		deps.Store = taskstore.NewMemStore(deps.Clock)
	}
	if deps.Datastore == nil {
		deps.Datastore = dssync.MutexWrap(datastore.NewMapDatastore())
	}

	slog, err := selection.NewLog(deps.Clock, cfg.SelectionLog.Tasks, cfg.SelectionLog.EntriesPerTask)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:   *cfg,
		clk:   deps.Clock,
		store: deps.Store,
		ds:    deps.Datastore,
		slog:  slog,
		live:  liveness.New(deps.Clock, time.Duration(cfg.Liveness.StalenessWindow)),
	}
	m.matcher = selection.NewMatcher(slog)
	m.corr = correlator.New(m.store)
	m.acq = acquisition.New(m.store, m.matcher, m.corr, m.clk)
	m.perp = perpetual.New(m.ds, m.live, selection.NewMatcher(nil), m.clk)

	return m, nil
}

// Open builds a Manager with the storage backends named in cfg.
func Open(ctx context.Context, cfg *config.Manager) (*Manager, error) {
	clk := clock.New()

	var st taskstore.Store
	switch cfg.TaskStore.Backend {
	case "memory":
		st = taskstore.NewMemStore(clk)
	case "sqlite", "":
		p, err := homedir.Expand(cfg.TaskStore.Path)
		if err != nil {
			return nil, xerrors.Errorf("expanding task store path: %w", err)
		}
		sst, err := taskstore.OpenSQLStore(ctx, p, clk)
		if err != nil {
			return nil, err
		}
		st = sst
	default:
		return nil, xerrors.Errorf("unknown task store backend %q", cfg.TaskStore.Backend)
	}

	var ds datastore.Batching
	if cfg.Perpetual.DatastorePath != "" {
		p, err := homedir.Expand(cfg.Perpetual.DatastorePath)
		if err != nil {
			_ = st.Close()
			return nil, xerrors.Errorf("expanding perpetual datastore path: %w", err)
		}
		lds, err := leveldb.NewDatastore(p, nil)
		if err != nil {
			_ = st.Close()
			return nil, xerrors.Errorf("opening perpetual datastore: %w", err)
		}
		ds = lds
	}

	return New(cfg, Deps{Store: st, Datastore: ds, Clock: clk})
}

func (m *Manager) Close() error {
	serr := m.store.Close()
	derr := m.ds.Close()
	if serr != nil {
		return serr
	}
	return derr
}

// RPC error codes are matched on the concrete error type, so API errors are
// returned unwrapped.
func (m *Manager) notFound(id taskiface.TaskID, err error) error {
	if xerrors.Is(err, taskstore.ErrNotFound) {
		log.Debugw("task not found", "task", id)
		return &api.ErrTaskNotFound{}
	}
	return err
}

func (m *Manager) SubmitTask(ctx context.Context, req api.TaskRequest) (taskiface.TaskID, error) {
	if err := api.CheckSchema(req.SchemaVersion); err != nil {
		return "", err
	}
	if req.Type == "" {
		return "", xerrors.New("task type must be set")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(m.cfg.Scheduling.DefaultTaskTimeout)
	}
	infra := req.Infrastructure
	if infra == "" {
		infra = taskiface.InfraLocal
	}

	t := &taskiface.Task{
		Type:           req.Type,
		Params:         req.Params,
		Requirements:   req.Requirements,
		Infrastructure: infra,
		Account:        req.Account,
		DelegateGroup:  req.DelegateGroup,
		Expiry:         m.clk.Now().Add(timeout),
	}

	id, err := m.store.Submit(ctx, t)
	if err != nil {
		return "", xerrors.Errorf("submitting task: %w", err)
	}

	ctx = metrics.Tagged(ctx, tag.Upsert(metrics.TaskType, req.Type), tag.Upsert(metrics.Account, req.Account))
	stats.Record(ctx, metrics.TasksSubmitted.M(1))
	log.Infow("task submitted", "task", id, "type", req.Type, "account", req.Account, "expiry", t.Expiry)
	return id, nil
}

func (m *Manager) AwaitTask(ctx context.Context, id taskiface.TaskID, timeout time.Duration) (taskiface.TaskResult, error) {
	if timeout <= 0 {
		timeout = time.Duration(m.cfg.Scheduling.DefaultAwaitTimeout)
	}
	res, err := m.corr.Await(ctx, id, timeout)
	if err != nil {
		if xerrors.Is(err, taskiface.ErrAwaitTimeout) {
			return taskiface.TaskResult{}, &api.ErrAwaitTimeout{}
		}
		return taskiface.TaskResult{}, m.notFound(id, err)
	}
	return res, nil
}

// AbortTask aborts a queued task outright. A held task is flagged and its
// delegate told to stop on its next heartbeat.
func (m *Manager) AbortTask(ctx context.Context, id taskiface.TaskID) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		t, err := m.store.Get(ctx, id)
		if err != nil {
			return false, m.notFound(id, err)
		}

		switch {
		case t.Status.Terminal():
			return false, nil
		case t.Status == taskiface.StatusQueued:
			ok, err := m.store.Abort(ctx, id, t.Version)
			if err != nil {
				return false, err
			}
			if !ok {
				continue // claimed in the meantime
			}
			m.finished(ctx, t, taskiface.StatusAborted)
			m.corr.Fail(id, taskiface.TaskResult{Status: taskiface.StatusAborted, FailureReason: taskiface.ReasonAborted})
			log.Infow("queued task aborted", "task", id)
			return true, nil
		default:
			ok, err := m.store.RequestCancel(ctx, id, t.Version)
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
			log.Infow("cancel requested", "task", id, "delegate", t.AcquiredBy, "version", t.Version)
			return true, nil
		}
	}
	return false, xerrors.Errorf("task %s kept changing while aborting", id)
}

func (m *Manager) TaskInfo(ctx context.Context, id taskiface.TaskID) (*taskiface.Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, m.notFound(id, err)
	}
	return t, nil
}

func (m *Manager) PollForWork(ctx context.Context, req api.PollRequest) ([]taskiface.TaskDescriptor, error) {
	if err := api.CheckSchema(req.SchemaVersion); err != nil {
		return nil, err
	}
	if req.Delegate.ID == "" {
		return nil, xerrors.New("delegate id must be set")
	}

	m.live.Register(req.Delegate.Record())
	d, _ := m.live.Get(req.Delegate.ID)

	return m.acq.PollForWork(ctx, d, req.Capacity)
}

func (m *Manager) TaskStarted(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	ok, err := m.store.MarkStarted(ctx, id, version)
	if err != nil {
		return false, m.notFound(id, err)
	}
	if !ok {
		log.Warnw("start confirmation for superseded claim", "task", id, "version", version)
	}
	return ok, nil
}

func (m *Manager) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatAck, error) {
	hb := taskiface.Heartbeat{
		Delegate:       req.Delegate.ID,
		SentAt:         req.SentAt,
		ActiveTasks:    req.ActiveTasks,
		PerpetualTasks: req.PerpetualTasks,
	}

	applied, err := m.live.RecordHeartbeat(ctx, hb)
	if xerrors.Is(err, liveness.ErrUnknownDelegate) {
		m.live.Register(req.Delegate.Record())
		applied, err = m.live.RecordHeartbeat(ctx, hb)
	}
	if err != nil {
		return api.HeartbeatAck{}, xerrors.Errorf("recording heartbeat: %w", err)
	}

	ack := api.HeartbeatAck{Applied: applied}

	assigned, err := m.perp.AssignmentsFor(ctx, req.Delegate.ID)
	if err != nil {
		return api.HeartbeatAck{}, xerrors.Errorf("listing perpetual assignments: %w", err)
	}
	ack.Perpetual = assigned

	_, stop, err := m.perp.Drift(ctx, req.Delegate.ID, req.PerpetualTasks)
	if err != nil {
		return api.HeartbeatAck{}, xerrors.Errorf("checking perpetual drift: %w", err)
	}
	ack.StopPerpetual = stop

	held, err := m.store.ListAcquiredBy(ctx, req.Delegate.ID)
	if err != nil {
		return api.HeartbeatAck{}, xerrors.Errorf("listing held tasks: %w", err)
	}
	for _, t := range held {
		if t.CancelRequested {
			ack.Cancel = append(ack.Cancel, api.CancelNotice{Task: t.ID, Version: t.Version})
		}
	}

	return ack, nil
}

// SubmitResponse records a delegate's result. It is accepted only from the
// current holder at the current version of an unexpired task.
func (m *Manager) SubmitResponse(ctx context.Context, resp api.TaskResponse) (api.ResponseStatus, error) {
	if err := api.CheckSchema(resp.SchemaVersion); err != nil {
		return api.ResponseRejected, err
	}

	t, err := m.store.Get(ctx, resp.Task)
	if err != nil {
		return api.ResponseRejected, m.notFound(resp.Task, err)
	}

	if t.Version != resp.Version || t.AcquiredBy != resp.Delegate || !t.Status.Held() {
		return m.reject(ctx, t, resp, "superseded or not held"), nil
	}

	if t.Expired(m.clk.Now()) {
		m.expire(ctx, t)
		return m.reject(ctx, t, resp, "task expired"), nil
	}

	var ok bool
	var res taskiface.TaskResult
	switch {
	case resp.Cancelled:
		ok, err = m.store.Abort(ctx, t.ID, t.Version)
		res = taskiface.TaskResult{Status: taskiface.StatusAborted, FailureReason: taskiface.ReasonAborted}
	case resp.Error != nil:
		// keep the code so requesters can tell handler failures from runner ones
		reason := resp.Error.Error()
		ok, err = m.store.MarkFailed(ctx, t.ID, t.Version, reason)
		res = taskiface.TaskResult{Status: taskiface.StatusFailed, FailureReason: reason}
	default:
		ok, err = m.store.MarkSucceeded(ctx, t.ID, t.Version, resp.Payload)
		res = taskiface.TaskResult{Status: taskiface.StatusSucceeded, Payload: resp.Payload}
	}
	if err != nil {
		return api.ResponseRejected, xerrors.Errorf("recording response: %w", err)
	}
	if !ok {
		return m.reject(ctx, t, resp, "lost to a concurrent transition"), nil
	}

	m.finished(ctx, t, res.Status)
	m.corr.Resolve(ctx, t.ID, t.Version, res)
	log.Infow("task finished", "task", t.ID, "status", res.Status, "delegate", resp.Delegate)
	return api.ResponseAccepted, nil
}

func (m *Manager) reject(ctx context.Context, t *taskiface.Task, resp api.TaskResponse, why string) api.ResponseStatus {
	stats.Record(ctx, metrics.StaleResponses.M(1))
	log.Warnw("rejecting response", "task", resp.Task, "delegate", resp.Delegate, "version", resp.Version,
		"current", t.Version, "holder", t.AcquiredBy, "status", t.Status, "reason", why)
	return api.ResponseRejected
}

func (m *Manager) finished(ctx context.Context, t *taskiface.Task, status taskiface.TaskStatus) {
	ctx = metrics.Tagged(ctx, tag.Upsert(metrics.TaskType, t.Type), tag.Upsert(metrics.Outcome, string(status)))
	stats.Record(ctx, metrics.TasksFinished.M(1))
}

func (m *Manager) expire(ctx context.Context, t *taskiface.Task) {
	ok, err := m.store.MarkExpired(ctx, t.ID, t.Version)
	if err != nil {
		log.Errorw("expiring task", "task", t.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	stats.Record(ctx, metrics.TasksExpired.M(1))
	m.finished(ctx, t, taskiface.StatusExpired)
	m.corr.Fail(t.ID, taskiface.TaskResult{Status: taskiface.StatusExpired, FailureReason: taskiface.ReasonExpired})
	log.Infow("task expired", "task", t.ID, "status", t.Status, "delegate", t.AcquiredBy)
}

func (m *Manager) perpetualErr(id taskiface.PerpetualTaskID, err error) error {
	if xerrors.Is(err, perpetual.ErrNotFound) {
		log.Debugw("perpetual task not found", "id", id)
		return &api.ErrPerpetualNotFound{}
	}
	return err
}

func (m *Manager) CreatePerpetualTask(ctx context.Context, req api.PerpetualTaskRequest) (taskiface.PerpetualTaskID, error) {
	if err := api.CheckSchema(req.SchemaVersion); err != nil {
		return "", err
	}
	return m.perp.Create(ctx, perpetual.CreateRequest{
		Type:         req.Type,
		Interval:     req.Interval,
		Context:      req.Context,
		Requirements: req.Requirements,
		Account:      req.Account,
	})
}

func (m *Manager) DeletePerpetualTask(ctx context.Context, id taskiface.PerpetualTaskID) error {
	return m.perpetualErr(id, m.perp.Delete(ctx, id))
}

func (m *Manager) PerpetualTaskContext(ctx context.Context, id taskiface.PerpetualTaskID) (*taskiface.PerpetualTask, error) {
	pt, err := m.perp.Context(ctx, id)
	if err != nil {
		return nil, m.perpetualErr(id, err)
	}
	return pt, nil
}

func (m *Manager) PerpetualTaskRan(ctx context.Context, id taskiface.PerpetualTaskID, delegate taskiface.DelegateID, at time.Time) (bool, error) {
	ok, err := m.perp.RecordRun(ctx, id, delegate, at)
	if err != nil {
		return false, m.perpetualErr(id, err)
	}
	return ok, nil
}

func (m *Manager) Delegates(ctx context.Context) ([]api.DelegateInfo, error) {
	all, live := m.live.All()
	out := make([]api.DelegateInfo, 0, len(all))
	for _, d := range all {
		out = append(out, api.DelegateInfo{DelegateRecord: *d, Live: live[d.ID]})
	}
	return out, nil
}

func (m *Manager) SelectionLog(ctx context.Context, id taskiface.TaskID) ([]selection.Entry, error) {
	return m.slog.For(id), nil
}

func (m *Manager) Version(context.Context) (api.APIVersion, error) {
	return api.APIVersion{
		Version:       build.UserVersion(),
		APIVersion:    build.ManagerAPIVersion,
		PayloadSchema: build.PayloadSchemaVersion,
	}, nil
}
