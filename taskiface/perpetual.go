package taskiface

import (
	"time"

	"github.com/google/uuid"
)

type PerpetualTaskID string

func NewPerpetualTaskID() PerpetualTaskID {
	return PerpetualTaskID(uuid.New().String())
}

func (id PerpetualTaskID) String() string {
	return string(id)
}

// PerpetualTask is assigned to one delegate and re-run by it on Interval
// without re-acquisition.
type PerpetualTask struct {
	ID           PerpetualTaskID
	Type         string
	Interval     time.Duration
	Context      []byte
	Requirements []Requirement
	Account      string

	AssignedTo DelegateID
	AssignedAt time.Time
	LastRun    time.Time
	CreatedAt  time.Time
}
