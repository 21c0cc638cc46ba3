package taskiface

import (
	"time"
)

// DelegateRecord is the manager's view of one delegate process.
type DelegateRecord struct {
	ID           DelegateID
	Account      string
	Groups       []string
	Capabilities map[string]string
	Capacity     int

	// LastHeartbeat is stamped by the delegate and orders heartbeats.
	LastHeartbeat time.Time
	// LastSeen is stamped by the manager on receipt and drives staleness.
	LastSeen time.Time

	ActiveTasks    int
	PerpetualTasks []PerpetualTaskID
}

func (d *DelegateRecord) InGroup(group string) bool {
	for _, g := range d.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never alias cache internals.
func (d *DelegateRecord) Clone() *DelegateRecord {
	out := *d
	if d.Groups != nil {
		out.Groups = append([]string(nil), d.Groups...)
	}
	if d.Capabilities != nil {
		out.Capabilities = make(map[string]string, len(d.Capabilities))
		for k, v := range d.Capabilities {
			out.Capabilities[k] = v
		}
	}
	if d.PerpetualTasks != nil {
		out.PerpetualTasks = append([]PerpetualTaskID(nil), d.PerpetualTasks...)
	}
	return &out
}

// Heartbeat is what a delegate reports on every liveness tick.
type Heartbeat struct {
	Delegate       DelegateID
	SentAt         time.Time
	ActiveTasks    int
	PerpetualTasks []PerpetualTaskID
}
