// Package selection decides which delegates may run a task and in what order
// they should be offered it.
package selection

import (
	"fmt"
	"sort"

	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/dispatch/taskiface"
)

var log = logging.Logger("selection")

// DelegateSelector is consulted for every (task, delegate) pair. Ok rejects a
// delegate with a human readable reason; Cmp orders the accepted ones.
type DelegateSelector interface {
	Ok(task *taskiface.Task, d *taskiface.DelegateRecord) (bool, string)
	Cmp(a, b *taskiface.DelegateRecord) bool
}

// Matcher evaluates requirement predicates, tenant scope and delegate group,
// and writes every decision to the selection log when one is attached.
type Matcher struct {
	log *Log
}

var _ DelegateSelector = (*Matcher)(nil)

func NewMatcher(sl *Log) *Matcher {
	return &Matcher{log: sl}
}

func (m *Matcher) Ok(task *taskiface.Task, d *taskiface.DelegateRecord) (bool, string) {
	if task.Account != "" && task.Account != d.Account {
		return false, fmt.Sprintf("account %q does not match task account %q", d.Account, task.Account)
	}
	if task.DelegateGroup != "" && !d.InGroup(task.DelegateGroup) {
		return false, fmt.Sprintf("not in delegate group %q", task.DelegateGroup)
	}
	for _, r := range task.Requirements {
		have, ok := d.Capabilities[r.Name]
		if !ok {
			return false, fmt.Sprintf("missing capability %s", r)
		}
		if r.Value != "" && have != r.Value {
			return false, fmt.Sprintf("capability %s has value %q", r, have)
		}
	}
	return true, ""
}

// Cmp prefers the least loaded delegate, then the most recently seen by the
// manager, then the lowest id so the ordering is total. LastHeartbeat is
// stamped by each delegate's own clock and is not comparable across them.
func (m *Matcher) Cmp(a, b *taskiface.DelegateRecord) bool {
	if a.ActiveTasks != b.ActiveTasks {
		return a.ActiveTasks < b.ActiveTasks
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.ID < b.ID
}

// Matches evaluates one pair and records the decision.
func (m *Matcher) Matches(task *taskiface.Task, d *taskiface.DelegateRecord) bool {
	ok, reason := m.Ok(task, d)
	if m.log != nil {
		m.log.Record(task.ID, Entry{Delegate: d.ID, Matched: ok, Reason: reason})
	}
	if !ok {
		log.Debugw("delegate rejected", "task", task.ID, "delegate", d.ID, "reason", reason)
	}
	return ok
}

// EligibleDelegates returns the delegates in live that can run task, best
// candidate first.
func (m *Matcher) EligibleDelegates(task *taskiface.Task, live []*taskiface.DelegateRecord) []*taskiface.DelegateRecord {
	var out []*taskiface.DelegateRecord
	for _, d := range live {
		if m.Matches(task, d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return m.Cmp(out[i], out[j])
	})
	return out
}
