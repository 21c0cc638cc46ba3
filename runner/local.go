package runner

import (
	"context"

	"github.com/filecoin-project/dispatch/taskiface"
)

// Local runs handlers in process with no work directory.
type Local struct {
	*executor
}

var _ Runner = (*Local)(nil)

func NewLocal(h *Handlers) *Local {
	return &Local{executor: newExecutor(h)}
}

func (l *Local) Init(ctx context.Context, name string, tasks []taskiface.TaskDescriptor, infra string) error {
	return l.add(name, &group{infra: infra, tasks: tasks})
}

func (l *Local) Execute(ctx context.Context, name string, tasks []taskiface.TaskDescriptor) []Outcome {
	return l.execute(ctx, name, tasks)
}

func (l *Local) Cleanup(ctx context.Context, name string) error {
	l.remove(name)
	return nil
}

func (l *Local) groupNames() []string {
	return l.names()
}
