// Package taskstore holds the durable record of every task and provides the
// single atomic primitive every state change goes through: a conditional
// update keyed on the task's current status and version.
//
// A claim is the only transition that races: many delegates may try to claim
// the same QUEUED task at the same version, and exactly one of them wins. The
// losers get claimed=false, never an error, and move to the next candidate.
package taskstore

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/dispatch/taskiface"
)

var log = logging.Logger("taskstore")

var ErrNotFound = errors.New("task not found")

// Store is safe for unbounded concurrent use. All mutating methods are
// conditional on expectedVersion and return false (not an error) when the
// condition does not hold.
type Store interface {
	Submit(ctx context.Context, t *taskiface.Task) (taskiface.TaskID, error)
	Get(ctx context.Context, id taskiface.TaskID) (*taskiface.Task, error)

	// TryClaim moves a QUEUED, unexpired task at expectedVersion to ACQUIRED,
	// bumping the version and recording the delegate.
	TryClaim(ctx context.Context, id taskiface.TaskID, delegate taskiface.DelegateID, expectedVersion uint64) (bool, uint64, error)

	MarkStarted(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error)
	MarkSucceeded(ctx context.Context, id taskiface.TaskID, version uint64, payload []byte) (bool, error)
	MarkFailed(ctx context.Context, id taskiface.TaskID, version uint64, reason string) (bool, error)
	MarkExpired(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error)
	Abort(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error)

	// RequestCancel flags a held task so its delegate is told to stop.
	RequestCancel(ctx context.Context, id taskiface.TaskID, version uint64) (bool, error)
	// Requeue returns a held task to QUEUED under a new version, invalidating
	// the previous holder's claim.
	Requeue(ctx context.Context, id taskiface.TaskID, version uint64) (bool, uint64, error)

	// ListQueued returns QUEUED tasks visible to account, oldest first. Tasks
	// without an account are visible to everyone.
	ListQueued(ctx context.Context, account string) ([]*taskiface.Task, error)
	// ListActive returns every non-terminal task.
	ListActive(ctx context.Context) ([]*taskiface.Task, error)
	ListAcquiredBy(ctx context.Context, delegate taskiface.DelegateID) ([]*taskiface.Task, error)
	// ListOverdue returns non-terminal tasks whose expiry is at or before now.
	ListOverdue(ctx context.Context, now time.Time) ([]*taskiface.Task, error)

	Close() error
}

type transition int

const (
	trStart transition = iota
	trSucceed
	trFail
	trExpire
	trAbort
	trCancel
	trRequeue
)

var transitionNames = map[transition]string{
	trStart:   "start",
	trSucceed: "succeed",
	trFail:    "fail",
	trExpire:  "expire",
	trAbort:   "abort",
	trCancel:  "cancel",
	trRequeue: "requeue",
}

func (t transition) String() string {
	return transitionNames[t]
}

// sources lists the statuses each transition may leave from. Claims are
// handled separately since they also check expiry and bump the version.
var sources = map[transition][]taskiface.TaskStatus{
	trStart:   {taskiface.StatusAcquired},
	trSucceed: {taskiface.StatusAcquired, taskiface.StatusStarted},
	trFail:    {taskiface.StatusQueued, taskiface.StatusAcquired, taskiface.StatusStarted},
	trExpire:  {taskiface.StatusQueued, taskiface.StatusAcquired, taskiface.StatusStarted},
	trAbort:   {taskiface.StatusQueued, taskiface.StatusAcquired, taskiface.StatusStarted},
	trCancel:  {taskiface.StatusAcquired, taskiface.StatusStarted},
	trRequeue: {taskiface.StatusAcquired, taskiface.StatusStarted},
}

var targets = map[transition]taskiface.TaskStatus{
	trStart:   taskiface.StatusStarted,
	trSucceed: taskiface.StatusSucceeded,
	trFail:    taskiface.StatusFailed,
	trExpire:  taskiface.StatusExpired,
	trAbort:   taskiface.StatusAborted,
	trRequeue: taskiface.StatusQueued,
}

func allowedFrom(tr transition, s taskiface.TaskStatus) bool {
	for _, src := range sources[tr] {
		if src == s {
			return true
		}
	}
	return false
}

func visibleTo(taskAccount, account string) bool {
	return taskAccount == "" || taskAccount == account
}
