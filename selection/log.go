package selection

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dispatch/taskiface"
)

type Entry struct {
	Delegate taskiface.DelegateID
	Matched  bool
	Reason   string `json:",omitempty"`
	At       time.Time
}

// Log keeps the most recent selection decisions for a bounded number of
// tasks, with at most perTask entries each. Older tasks are evicted first.
type Log struct {
	clk     clock.Clock
	perTask int

	lk      sync.Mutex
	entries *lru.Cache[taskiface.TaskID, []Entry]
}

func NewLog(clk clock.Clock, tasks, perTask int) (*Log, error) {
	c, err := lru.New[taskiface.TaskID, []Entry](tasks)
	if err != nil {
		return nil, xerrors.Errorf("creating selection log cache: %w", err)
	}
	return &Log{
		clk:     clk,
		perTask: perTask,
		entries: c,
	}, nil
}

func (l *Log) Record(task taskiface.TaskID, e Entry) {
	if e.At.IsZero() {
		e.At = l.clk.Now()
	}

	l.lk.Lock()
	defer l.lk.Unlock()

	cur, _ := l.entries.Get(task)
	cur = append(cur, e)
	if l.perTask > 0 && len(cur) > l.perTask {
		cur = append([]Entry(nil), cur[len(cur)-l.perTask:]...)
	}
	l.entries.Add(task, cur)
}

func (l *Log) For(task taskiface.TaskID) []Entry {
	l.lk.Lock()
	defer l.lk.Unlock()

	cur, ok := l.entries.Peek(task)
	if !ok {
		return nil
	}
	return append([]Entry(nil), cur...)
}
