package apistruct

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/selection"
	"github.com/filecoin-project/dispatch/taskiface"
)

var ErrNotSupported = xerrors.New("method not supported")

// DispatchStruct implements api.Dispatch passing calls to user-provided
// function values. The RPC client fills Internal.
type DispatchStruct struct {
	Internal struct {
		SubmitTask func(ctx context.Context, req api.TaskRequest) (taskiface.TaskID, error)
		AwaitTask  func(ctx context.Context, id taskiface.TaskID, timeout time.Duration) (taskiface.TaskResult, error)
		AbortTask  func(ctx context.Context, id taskiface.TaskID) (bool, error)
		TaskInfo   func(ctx context.Context, id taskiface.TaskID) (*taskiface.Task, error)

		PollForWork    func(ctx context.Context, req api.PollRequest) ([]taskiface.TaskDescriptor, error)
		TaskStarted    func(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error)
		Heartbeat      func(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatAck, error)
		SubmitResponse func(ctx context.Context, resp api.TaskResponse) (api.ResponseStatus, error)

		CreatePerpetualTask  func(ctx context.Context, req api.PerpetualTaskRequest) (taskiface.PerpetualTaskID, error)
		DeletePerpetualTask  func(ctx context.Context, id taskiface.PerpetualTaskID) error
		PerpetualTaskContext func(ctx context.Context, id taskiface.PerpetualTaskID) (*taskiface.PerpetualTask, error)
		PerpetualTaskRan     func(ctx context.Context, id taskiface.PerpetualTaskID, delegate taskiface.DelegateID, at time.Time) (bool, error)

		Delegates    func(ctx context.Context) ([]api.DelegateInfo, error)
		SelectionLog func(ctx context.Context, id taskiface.TaskID) ([]selection.Entry, error)

		Version func(ctx context.Context) (api.APIVersion, error)
	}
}

func (s *DispatchStruct) SubmitTask(ctx context.Context, req api.TaskRequest) (taskiface.TaskID, error) {
	if s.Internal.SubmitTask == nil {
		return "", ErrNotSupported
	}
	return s.Internal.SubmitTask(ctx, req)
}

func (s *DispatchStruct) AwaitTask(ctx context.Context, id taskiface.TaskID, timeout time.Duration) (taskiface.TaskResult, error) {
	if s.Internal.AwaitTask == nil {
		return taskiface.TaskResult{}, ErrNotSupported
	}
	return s.Internal.AwaitTask(ctx, id, timeout)
}

func (s *DispatchStruct) AbortTask(ctx context.Context, id taskiface.TaskID) (bool, error) {
	if s.Internal.AbortTask == nil {
		return false, ErrNotSupported
	}
	return s.Internal.AbortTask(ctx, id)
}

func (s *DispatchStruct) TaskInfo(ctx context.Context, id taskiface.TaskID) (*taskiface.Task, error) {
	if s.Internal.TaskInfo == nil {
		return nil, ErrNotSupported
	}
	return s.Internal.TaskInfo(ctx, id)
}

func (s *DispatchStruct) PollForWork(ctx context.Context, req api.PollRequest) ([]taskiface.TaskDescriptor, error) {
	if s.Internal.PollForWork == nil {
		return nil, ErrNotSupported
	}
	return s.Internal.PollForWork(ctx, req)
}

func (s *DispatchStruct) TaskStarted(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error) {
	if s.Internal.TaskStarted == nil {
		return false, ErrNotSupported
	}
	return s.Internal.TaskStarted(ctx, id, version)
}

func (s *DispatchStruct) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatAck, error) {
	if s.Internal.Heartbeat == nil {
		return api.HeartbeatAck{}, ErrNotSupported
	}
	return s.Internal.Heartbeat(ctx, req)
}

func (s *DispatchStruct) SubmitResponse(ctx context.Context, resp api.TaskResponse) (api.ResponseStatus, error) {
	if s.Internal.SubmitResponse == nil {
		return "", ErrNotSupported
	}
	return s.Internal.SubmitResponse(ctx, resp)
}

func (s *DispatchStruct) CreatePerpetualTask(ctx context.Context, req api.PerpetualTaskRequest) (taskiface.PerpetualTaskID, error) {
	if s.Internal.CreatePerpetualTask == nil {
		return "", ErrNotSupported
	}
	return s.Internal.CreatePerpetualTask(ctx, req)
}

func (s *DispatchStruct) DeletePerpetualTask(ctx context.Context, id taskiface.PerpetualTaskID) error {
	if s.Internal.DeletePerpetualTask == nil {
		return ErrNotSupported
	}
	return s.Internal.DeletePerpetualTask(ctx, id)
}

func (s *DispatchStruct) PerpetualTaskContext(ctx context.Context, id taskiface.PerpetualTaskID) (*taskiface.PerpetualTask, error) {
	if s.Internal.PerpetualTaskContext == nil {
		return nil, ErrNotSupported
	}
	return s.Internal.PerpetualTaskContext(ctx, id)
}

func (s *DispatchStruct) PerpetualTaskRan(ctx context.Context, id taskiface.PerpetualTaskID, delegate taskiface.DelegateID, at time.Time) (bool, error) {
	if s.Internal.PerpetualTaskRan == nil {
		return false, ErrNotSupported
	}
	return s.Internal.PerpetualTaskRan(ctx, id, delegate, at)
}

func (s *DispatchStruct) Delegates(ctx context.Context) ([]api.DelegateInfo, error) {
	if s.Internal.Delegates == nil {
		return nil, ErrNotSupported
	}
	return s.Internal.Delegates(ctx)
}

func (s *DispatchStruct) SelectionLog(ctx context.Context, id taskiface.TaskID) ([]selection.Entry, error) {
	if s.Internal.SelectionLog == nil {
		return nil, ErrNotSupported
	}
	return s.Internal.SelectionLog(ctx, id)
}

func (s *DispatchStruct) Version(ctx context.Context) (api.APIVersion, error) {
	if s.Internal.Version == nil {
		return api.APIVersion{}, ErrNotSupported
	}
	return s.Internal.Version(ctx)
}

var _ api.Dispatch = &DispatchStruct{}
