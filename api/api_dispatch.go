package api

import (
	"context"
	"time"

	"github.com/filecoin-project/dispatch/build"
	"github.com/filecoin-project/dispatch/selection"
	"github.com/filecoin-project/dispatch/taskiface"
)

// Dispatch is the manager's RPC surface, served under the "Dispatch"
// namespace. Requesters use the task methods; delegates use polling,
// heartbeats and responses.
type Dispatch interface {
	// SubmitTask queues a task and returns its id.
	SubmitTask(ctx context.Context, req TaskRequest) (taskiface.TaskID, error)
	// AwaitTask waits up to timeout for the task's final result. A zero
	// timeout uses the manager's default.
	AwaitTask(ctx context.Context, id taskiface.TaskID, timeout time.Duration) (taskiface.TaskResult, error)
	// AbortTask aborts a queued task, or asks the holding delegate to stop.
	AbortTask(ctx context.Context, id taskiface.TaskID) (bool, error)
	TaskInfo(ctx context.Context, id taskiface.TaskID) (*taskiface.Task, error)

	PollForWork(ctx context.Context, req PollRequest) ([]taskiface.TaskDescriptor, error)
	TaskStarted(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatAck, error)
	SubmitResponse(ctx context.Context, resp TaskResponse) (ResponseStatus, error)

	CreatePerpetualTask(ctx context.Context, req PerpetualTaskRequest) (taskiface.PerpetualTaskID, error)
	DeletePerpetualTask(ctx context.Context, id taskiface.PerpetualTaskID) error
	PerpetualTaskContext(ctx context.Context, id taskiface.PerpetualTaskID) (*taskiface.PerpetualTask, error)
	PerpetualTaskRan(ctx context.Context, id taskiface.PerpetualTaskID, delegate taskiface.DelegateID, at time.Time) (bool, error)

	Delegates(ctx context.Context) ([]DelegateInfo, error)
	SelectionLog(ctx context.Context, id taskiface.TaskID) ([]selection.Entry, error)

	Version(ctx context.Context) (APIVersion, error)
}

type TaskRequest struct {
	SchemaVersion  int
	Type           string
	Params         []byte
	Requirements   []taskiface.Requirement
	Infrastructure string
	Account        string
	DelegateGroup  string
	// Timeout sets the task's expiry relative to submission. Zero means the
	// manager default.
	Timeout time.Duration
}

// DelegateDescriptor is how a delegate describes itself on every poll and
// heartbeat, so the manager can (re)register it at any point.
type DelegateDescriptor struct {
	ID           taskiface.DelegateID
	Account      string
	Groups       []string
	Capabilities map[string]string
	Capacity     int
}

func (d DelegateDescriptor) Record() *taskiface.DelegateRecord {
	return &taskiface.DelegateRecord{
		ID:           d.ID,
		Account:      d.Account,
		Groups:       d.Groups,
		Capabilities: d.Capabilities,
		Capacity:     d.Capacity,
	}
}

type PollRequest struct {
	SchemaVersion int
	Delegate      DelegateDescriptor
	// Capacity is the number of tasks the delegate can start now.
	Capacity int
}

type HeartbeatRequest struct {
	Delegate       DelegateDescriptor
	SentAt         time.Time
	ActiveTasks    int
	PerpetualTasks []taskiface.PerpetualTaskID
}

type CancelNotice struct {
	Task    taskiface.TaskID
	Version uint64
}

type HeartbeatAck struct {
	// Applied is false for a heartbeat older than one already seen.
	Applied bool
	// Perpetual is the full set of perpetual tasks the delegate should run.
	Perpetual []taskiface.PerpetualTask
	// StopPerpetual lists tasks the delegate reported but no longer holds.
	StopPerpetual []taskiface.PerpetualTaskID
	Cancel        []CancelNotice
}

type TaskResponse struct {
	SchemaVersion int
	Task          taskiface.TaskID
	Version       uint64
	Delegate      taskiface.DelegateID
	Payload       []byte
	Error         *taskiface.CallError
	// Cancelled is set when the delegate stopped the task on request.
	Cancelled bool
}

type ResponseStatus string

const (
	ResponseAccepted ResponseStatus = "accepted"
	ResponseRejected ResponseStatus = "rejected"
)

type PerpetualTaskRequest struct {
	SchemaVersion int
	Type          string
	Interval      time.Duration
	Context       []byte
	Requirements  []taskiface.Requirement
	Account       string
}

type DelegateInfo struct {
	taskiface.DelegateRecord
	Live bool
}

// APIVersion provides various build-time information
type APIVersion struct {
	Version string

	// APIVersion is a binary encoded semver version of the remote implementing
	// this api
	APIVersion build.Version

	PayloadSchema int
}

// CheckSchema rejects payloads from a newer schema than this build knows.
func CheckSchema(v int) error {
	if v > build.PayloadSchemaVersion {
		return &ErrUnsupportedSchema{Got: v, Max: build.PayloadSchemaVersion}
	}
	return nil
}
