// Package runner executes claimed tasks on a delegate. A runner owns a group
// of tasks from Init until Cleanup; Cleanup always runs and takes effect once
// per group no matter how often it is called.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/metrics"
	"github.com/filecoin-project/dispatch/taskiface"
)

var log = logging.Logger("runner")

var ErrUnknownGroup = xerrors.New("unknown task group")

type Runner interface {
	Init(ctx context.Context, group string, tasks []taskiface.TaskDescriptor, infra string) error
	Execute(ctx context.Context, group string, tasks []taskiface.TaskDescriptor) []Outcome
	Cleanup(ctx context.Context, group string) error
}

// Outcome is the result of one task. Err is nil on success.
type Outcome struct {
	Task    taskiface.TaskID
	Version uint64
	Payload []byte
	Err     *taskiface.CallError
}

func toCallError(err error) *taskiface.CallError {
	if err == nil {
		return nil
	}
	var cerr *taskiface.CallError
	if xerrors.As(err, &cerr) {
		return cerr
	}
	if xerrors.Is(err, context.Canceled) {
		return taskiface.Err(taskiface.ErrCancelled, err)
	}
	return taskiface.Err(taskiface.ErrHandler, err)
}

// group is the per-group state common to all runners.
type group struct {
	infra   string
	workDir string
	tasks   []taskiface.TaskDescriptor
	once    sync.Once
}

// executor runs handlers for the groups a runner has initialised.
type executor struct {
	handlers *Handlers

	lk     sync.Mutex
	groups map[string]*group
}

func newExecutor(h *Handlers) *executor {
	return &executor{handlers: h, groups: map[string]*group{}}
}

func (e *executor) add(name string, g *group) error {
	e.lk.Lock()
	defer e.lk.Unlock()
	if _, ok := e.groups[name]; ok {
		return xerrors.Errorf("task group %s already initialised", name)
	}
	e.groups[name] = g
	return nil
}

func (e *executor) get(name string) (*group, bool) {
	e.lk.Lock()
	defer e.lk.Unlock()
	g, ok := e.groups[name]
	return g, ok
}

func (e *executor) remove(name string) (*group, bool) {
	e.lk.Lock()
	defer e.lk.Unlock()
	g, ok := e.groups[name]
	if ok {
		delete(e.groups, name)
	}
	return g, ok
}

func (e *executor) names() []string {
	e.lk.Lock()
	defer e.lk.Unlock()
	out := make([]string, 0, len(e.groups))
	for n := range e.groups {
		out = append(out, n)
	}
	return out
}

func (e *executor) execute(ctx context.Context, name string, tasks []taskiface.TaskDescriptor) []Outcome {
	g, ok := e.get(name)
	out := make([]Outcome, 0, len(tasks))
	for _, td := range tasks {
		if !ok {
			out = append(out, Outcome{Task: td.ID, Version: td.Version,
				Err: taskiface.Err(taskiface.ErrTempInfrastructure, xerrors.Errorf("group %s: %w", name, ErrUnknownGroup))})
			continue
		}
		out = append(out, e.run(ctx, g, td))
	}
	return out
}

func (e *executor) run(ctx context.Context, g *group, td taskiface.TaskDescriptor) (res Outcome) {
	res = Outcome{Task: td.ID, Version: td.Version}

	h, ok := e.handlers.Lookup(td.Type)
	if !ok {
		res.Err = taskiface.Err(taskiface.ErrUnknownTaskType, xerrors.Errorf("no handler for task type %q", td.Type))
		return res
	}

	ctx = metrics.Tagged(ctx, tag.Upsert(metrics.TaskType, td.Type))
	stats.Record(ctx, metrics.DelegateTasksStarted.M(1))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("task handler panicked", "task", td.ID, "panic", r, "stack", string(debug.Stack()))
			res.Payload = nil
			res.Err = taskiface.Err(taskiface.ErrHandler, fmt.Errorf("handler panic: %v", r))
		}
		outcome := "ok"
		if res.Err != nil {
			outcome = "error"
		}
		stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.Outcome, outcome)},
			metrics.DelegateTaskDuration.M(metrics.SinceInMilliseconds(start)))
	}()

	payload, err := h(ctx, Env{Task: td, WorkDir: g.workDir}, td.Params)
	res.Payload = payload
	res.Err = toCallError(err)
	return res
}

// Registry selects a runner by the task's infrastructure tag.
type Registry struct {
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: map[string]Runner{}}
}

func (r *Registry) Register(infra string, rn Runner) {
	r.runners[infra] = rn
}

// Get returns the runner for infra. An empty tag means local.
func (r *Registry) Get(infra string) (Runner, error) {
	if infra == "" {
		infra = taskiface.InfraLocal
	}
	rn, ok := r.runners[infra]
	if !ok {
		return nil, xerrors.Errorf("no runner for infrastructure %q", infra)
	}
	return rn, nil
}

type groupLister interface {
	groupNames() []string
}

// Close cleans up every group still held by any runner.
func (r *Registry) Close(ctx context.Context) error {
	var merr error
	for infra, rn := range r.runners {
		gl, ok := rn.(groupLister)
		if !ok {
			continue
		}
		for _, g := range gl.groupNames() {
			if err := rn.Cleanup(ctx, g); err != nil {
				merr = multierror.Append(merr, xerrors.Errorf("%s group %s: %w", infra, g, err))
			}
		}
	}
	return merr
}
