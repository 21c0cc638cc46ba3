package selection

import (
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dispatch/taskiface"
)

func delegate(id string, active int, seen time.Time, caps map[string]string) *taskiface.DelegateRecord {
	return &taskiface.DelegateRecord{
		ID:            taskiface.DelegateID(id),
		Capabilities:  caps,
		ActiveTasks:   active,
		LastHeartbeat: seen,
		LastSeen:      seen,
		Capacity:      4,
	}
}

func TestRequirementMatching(t *testing.T) {
	m := NewMatcher(nil)
	task := &taskiface.Task{ID: "t1", Requirements: []taskiface.Requirement{{Name: "gpu"}, {Name: "os", Value: "linux"}}}

	ok, _ := m.Ok(task, delegate("a", 0, time.Time{}, map[string]string{"gpu": "a100", "os": "linux"}))
	require.True(t, ok)

	ok, reason := m.Ok(task, delegate("b", 0, time.Time{}, map[string]string{"os": "linux"}))
	require.False(t, ok)
	require.Contains(t, reason, "gpu")

	ok, reason = m.Ok(task, delegate("c", 0, time.Time{}, map[string]string{"gpu": "", "os": "darwin"}))
	require.False(t, ok)
	require.Contains(t, reason, "darwin")
}

func TestTenantAndGroup(t *testing.T) {
	m := NewMatcher(nil)
	d := delegate("a", 0, time.Time{}, nil)
	d.Account = "acme"
	d.Groups = []string{"blue"}

	ok, _ := m.Ok(&taskiface.Task{}, d)
	require.True(t, ok, "unscoped task matches any tenant")

	ok, _ = m.Ok(&taskiface.Task{Account: "acme", DelegateGroup: "blue"}, d)
	require.True(t, ok)

	ok, _ = m.Ok(&taskiface.Task{Account: "other"}, d)
	require.False(t, ok)

	ok, _ = m.Ok(&taskiface.Task{DelegateGroup: "green"}, d)
	require.False(t, ok)
}

func TestEligibleOrdering(t *testing.T) {
	clk := clock.NewMock()
	sl, err := NewLog(clk, 16, 8)
	require.NoError(t, err)
	m := NewMatcher(sl)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gpu := map[string]string{"gpu": "a100"}
	live := []*taskiface.DelegateRecord{
		delegate("busy", 3, now, gpu),
		delegate("old", 1, now.Add(-time.Minute), gpu),
		delegate("fresh", 1, now, gpu),
		delegate("b-tie", 0, now, gpu),
		delegate("a-tie", 0, now, gpu),
		delegate("cpu", 0, now, map[string]string{}),
	}

	task := &taskiface.Task{ID: "t1", Requirements: []taskiface.Requirement{{Name: "gpu"}}}
	got := m.EligibleDelegates(task, live)

	var ids []taskiface.DelegateID
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	require.Equal(t, []taskiface.DelegateID{"a-tie", "b-tie", "fresh", "old", "busy"}, ids)

	entries := sl.For("t1")
	require.Len(t, entries, 6)
	rejected := 0
	for _, e := range entries {
		if !e.Matched {
			rejected++
			require.Equal(t, taskiface.DelegateID("cpu"), e.Delegate)
		}
	}
	require.Equal(t, 1, rejected)

	// a delegate whose clock runs ahead does not jump the queue
	skewed := delegate("skewed", 1, now.Add(-time.Minute), gpu)
	skewed.LastHeartbeat = now.Add(time.Hour)
	got = m.EligibleDelegates(task, []*taskiface.DelegateRecord{skewed, delegate("seen", 1, now, gpu)})
	require.Equal(t, taskiface.DelegateID("seen"), got[0].ID)
	require.Equal(t, taskiface.DelegateID("skewed"), got[1].ID)
}

func TestLogBounds(t *testing.T) {
	sl, err := NewLog(clock.NewMock(), 2, 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		sl.Record("t1", Entry{Delegate: taskiface.DelegateID(string(rune('a' + i)))})
	}
	entries := sl.For("t1")
	require.Len(t, entries, 3)
	require.Equal(t, taskiface.DelegateID("e"), entries[2].Delegate)

	sl.Record("t2", Entry{Delegate: "x"})
	sl.Record("t3", Entry{Delegate: "y"})
	require.Nil(t, sl.For("t1"), "oldest task evicted")
	require.Len(t, sl.For("t3"), 1)
}
