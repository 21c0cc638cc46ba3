package runner

import (
	"context"
	"os"

	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/taskiface"
)

// Sandbox gives every task group its own scratch directory under base. The
// directory exists from Init until Cleanup.
type Sandbox struct {
	*executor
	base string
}

var _ Runner = (*Sandbox)(nil)

func NewSandbox(h *Handlers, base string) (*Sandbox, error) {
	p, err := homedir.Expand(base)
	if err != nil {
		return nil, xerrors.Errorf("expanding sandbox path %s: %w", base, err)
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return nil, xerrors.Errorf("creating sandbox base %s: %w", p, err)
	}
	return &Sandbox{executor: newExecutor(h), base: p}, nil
}

func (s *Sandbox) Init(ctx context.Context, name string, tasks []taskiface.TaskDescriptor, infra string) error {
	dir, err := os.MkdirTemp(s.base, "group-")
	if err != nil {
		return taskiface.Err(taskiface.ErrTempInfrastructure, xerrors.Errorf("creating sandbox for %s: %w", name, err))
	}
	if err := s.add(name, &group{infra: infra, workDir: dir, tasks: tasks}); err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	log.Debugw("sandbox ready", "group", name, "dir", dir)
	return nil
}

func (s *Sandbox) Execute(ctx context.Context, name string, tasks []taskiface.TaskDescriptor) []Outcome {
	return s.execute(ctx, name, tasks)
}

func (s *Sandbox) Cleanup(ctx context.Context, name string) error {
	g, ok := s.remove(name)
	if !ok {
		return nil
	}
	var err error
	g.once.Do(func() {
		err = os.RemoveAll(g.workDir)
	})
	if err != nil {
		return xerrors.Errorf("removing sandbox %s: %w", g.workDir, err)
	}
	return nil
}

// WorkDir returns the scratch directory of a live group.
func (s *Sandbox) WorkDir(name string) (string, bool) {
	g, ok := s.get(name)
	if !ok {
		return "", false
	}
	return g.workDir, true
}

func (s *Sandbox) groupNames() []string {
	return s.names()
}
