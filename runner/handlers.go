package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/taskiface"
)

// Env is what a handler sees of the infrastructure it runs on.
type Env struct {
	Task taskiface.TaskDescriptor
	// WorkDir is a scratch directory owned by the task group. Empty for
	// runners that do not provide one.
	WorkDir string
}

// Handler executes one task type. The returned bytes become the task result.
type Handler func(ctx context.Context, env Env, params []byte) ([]byte, error)

type Handlers struct {
	lk       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{handlers: map[string]Handler{}}
}

// DefaultHandlers returns a registry with the built-in handlers.
func DefaultHandlers() *Handlers {
	h := NewHandlers()
	h.Register("echo", Echo)
	h.Register("sleep", Sleep)
	h.Register("fail", Fail)
	h.Register("write-file", WriteFile)
	return h
}

func (h *Handlers) Register(taskType string, fn Handler) {
	h.lk.Lock()
	defer h.lk.Unlock()
	h.handlers[taskType] = fn
}

func (h *Handlers) Lookup(taskType string) (Handler, bool) {
	h.lk.RLock()
	defer h.lk.RUnlock()
	fn, ok := h.handlers[taskType]
	return fn, ok
}

// Types lists registered task types.
func (h *Handlers) Types() []string {
	h.lk.RLock()
	defer h.lk.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for t := range h.handlers {
		out = append(out, t)
	}
	return out
}

// Echo returns its params unchanged.
func Echo(ctx context.Context, env Env, params []byte) ([]byte, error) {
	return params, nil
}

// Sleep waits for the duration given in params (time.ParseDuration syntax).
func Sleep(ctx context.Context, env Env, params []byte) ([]byte, error) {
	d, err := time.ParseDuration(strings.TrimSpace(string(params)))
	if err != nil {
		return nil, taskiface.Err(taskiface.ErrBadParams, xerrors.Errorf("parsing sleep duration: %w", err))
	}
	select {
	case <-time.After(d):
		return []byte(d.String()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail always fails with params as the message.
func Fail(ctx context.Context, env Env, params []byte) ([]byte, error) {
	return nil, xerrors.New(string(params))
}

// WriteFile writes params into the group's work directory and returns the
// file name. It needs a runner that provides one.
func WriteFile(ctx context.Context, env Env, params []byte) ([]byte, error) {
	if env.WorkDir == "" {
		return nil, taskiface.Err(taskiface.ErrTempInfrastructure, xerrors.New("no work directory on this infrastructure"))
	}
	p := filepath.Join(env.WorkDir, string(env.Task.ID))
	if err := os.WriteFile(p, params, 0644); err != nil {
		return nil, xerrors.Errorf("writing output: %w", err)
	}
	return []byte(p), nil
}
