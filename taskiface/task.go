package taskiface

import (
	"time"

	"github.com/google/uuid"
)

type TaskID string

func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

func (id TaskID) String() string {
	return string(id)
}

type DelegateID string

func (id DelegateID) String() string {
	return string(id)
}

type TaskStatus string

const (
	StatusQueued    TaskStatus = "QUEUED"
	StatusAcquired  TaskStatus = "ACQUIRED"
	StatusStarted   TaskStatus = "STARTED"
	StatusSucceeded TaskStatus = "SUCCEEDED"
	StatusFailed    TaskStatus = "FAILED"
	StatusExpired   TaskStatus = "EXPIRED"
	StatusAborted   TaskStatus = "ABORTED"
)

// Terminal statuses never transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired, StatusAborted:
		return true
	}
	return false
}

// Held is true while a delegate owns the task.
func (s TaskStatus) Held() bool {
	return s == StatusAcquired || s == StatusStarted
}

// Infrastructure tags select the runner a delegate uses for a task.
const (
	InfraLocal   = "local"
	InfraSandbox = "sandbox"
)

// Requirement is a single capability predicate. A delegate satisfies it when
// it reports a capability called Name and, if Value is set, with that value.
type Requirement struct {
	Name  string
	Value string `json:",omitempty"`
}

func (r Requirement) String() string {
	if r.Value == "" {
		return r.Name
	}
	return r.Name + "=" + r.Value
}

type Task struct {
	ID             TaskID
	Type           string
	Params         []byte
	Requirements   []Requirement
	Infrastructure string
	Account        string
	DelegateGroup  string

	Status     TaskStatus
	Version    uint64
	AcquiredBy DelegateID
	AcquiredAt time.Time

	CreatedAt time.Time
	Expiry    time.Time
	UpdatedAt time.Time

	CancelRequested bool

	Result        []byte
	FailureReason string
}

// Expired reports whether the task's expiry has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Before(t.Expiry)
}

// Failure reasons recorded on tasks that did not run to completion.
const (
	ReasonExpired           = "task expired"
	ReasonAborted           = "aborted by requester"
	ReasonNoEligible        = "no eligible delegate"
	ReasonDelegateCancelled = "cancelled on delegate"
)

// TaskDescriptor is what a delegate receives for a claimed task. Version must
// be echoed back on every report about the task.
type TaskDescriptor struct {
	ID             TaskID
	Type           string
	Params         []byte
	Infrastructure string
	Version        uint64
	Expiry         time.Time
}

func (t *Task) Descriptor() TaskDescriptor {
	return TaskDescriptor{
		ID:             t.ID,
		Type:           t.Type,
		Params:         t.Params,
		Infrastructure: t.Infrastructure,
		Version:        t.Version,
		Expiry:         t.Expiry,
	}
}
