package manager

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/build"
	"github.com/filecoin-project/dispatch/node/config"
	"github.com/filecoin-project/dispatch/taskiface"
)

type harness struct {
	m   *Manager
	clk *clock.Mock
	cfg *config.Manager
}

func newHarness(t *testing.T) *harness {
	cfg := config.DefaultManager()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	m, err := New(cfg, Deps{Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return &harness{m: m, clk: clk, cfg: cfg}
}

func desc(id string, caps map[string]string) api.DelegateDescriptor {
	return api.DelegateDescriptor{ID: taskiface.DelegateID(id), Capabilities: caps, Capacity: 4}
}

func (h *harness) submit(t *testing.T, req api.TaskRequest) taskiface.TaskID {
	id, err := h.m.SubmitTask(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (h *harness) poll(t *testing.T, d api.DelegateDescriptor) []taskiface.TaskDescriptor {
	tds, err := h.m.PollForWork(context.Background(), api.PollRequest{
		SchemaVersion: build.PayloadSchemaVersion,
		Delegate:      d,
		Capacity:      d.Capacity,
	})
	require.NoError(t, err)
	return tds
}

func (h *harness) respond(t *testing.T, d api.DelegateDescriptor, td taskiface.TaskDescriptor, payload []byte) api.ResponseStatus {
	st, err := h.m.SubmitResponse(context.Background(), api.TaskResponse{
		SchemaVersion: build.PayloadSchemaVersion,
		Task:          td.ID,
		Version:       td.Version,
		Delegate:      d.ID,
		Payload:       payload,
	})
	require.NoError(t, err)
	return st
}

func (h *harness) status(t *testing.T, id taskiface.TaskID) *taskiface.Task {
	task, err := h.m.TaskInfo(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestEchoEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := desc("d1", nil)

	id := h.submit(t, api.TaskRequest{Type: "echo", Params: []byte("hello")})
	require.Equal(t, taskiface.StatusQueued, h.status(t, id).Status)

	tds := h.poll(t, d)
	require.Len(t, tds, 1)
	require.Equal(t, id, tds[0].ID)
	require.Equal(t, taskiface.InfraLocal, tds[0].Infrastructure)
	require.Equal(t, uint64(1), tds[0].Version)

	ok, err := h.m.TaskStarted(ctx, id, tds[0].Version)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan taskiface.TaskResult, 1)
	go func() {
		res, err := h.m.AwaitTask(ctx, id, 10*time.Second)
		if err == nil {
			done <- res
		}
		close(done)
	}()

	require.Equal(t, api.ResponseAccepted, h.respond(t, d, tds[0], []byte("hello")))

	res, ok := <-done
	require.True(t, ok)
	require.Equal(t, taskiface.StatusSucceeded, res.Status)
	require.Equal(t, []byte("hello"), res.Payload)
	require.Equal(t, id, res.Task)
	require.NoError(t, res.Err())

	// a second response for the same claim is stale
	require.Equal(t, api.ResponseRejected, h.respond(t, d, tds[0], []byte("again")))
	require.Equal(t, []byte("hello"), h.status(t, id).Result)
}

func TestCapabilityRouting(t *testing.T) {
	h := newHarness(t)
	cpu := desc("cpu", map[string]string{"os": "linux"})
	gpu := desc("gpu", map[string]string{"os": "linux", "gpu": "a100"})

	id := h.submit(t, api.TaskRequest{
		Type:         "echo",
		Requirements: []taskiface.Requirement{{Name: "gpu"}},
	})

	require.Empty(t, h.poll(t, cpu))
	tds := h.poll(t, gpu)
	require.Len(t, tds, 1)
	require.Equal(t, id, tds[0].ID)
	require.Equal(t, gpu.ID, h.status(t, id).AcquiredBy)

	entries, err := h.m.SelectionLog(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, cpu.ID, entries[0].Delegate)
	require.False(t, entries[0].Matched)
	require.NotEmpty(t, entries[0].Reason)
	require.Equal(t, gpu.ID, entries[1].Delegate)
	require.True(t, entries[1].Matched)
}

func TestDelegateLossRequeuesThenExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d1, d2 := desc("d1", nil), desc("d2", nil)

	id := h.submit(t, api.TaskRequest{Type: "sleep", Timeout: 5 * time.Minute})
	first := h.poll(t, d1)
	require.Len(t, first, 1)

	// d1 goes silent past staleness and the loss grace
	h.clk.Add(time.Duration(h.cfg.Liveness.StalenessWindow) + time.Duration(h.cfg.Scheduling.DelegateLossGrace))
	require.NoError(t, h.m.Maintain(ctx))

	task := h.status(t, id)
	require.Equal(t, taskiface.StatusQueued, task.Status)
	require.Greater(t, task.Version, first[0].Version)
	require.Empty(t, task.AcquiredBy)

	// d1 comes back with a result for its old claim
	require.Equal(t, api.ResponseRejected, h.respond(t, d1, first[0], []byte("late")))
	require.Equal(t, taskiface.StatusQueued, h.status(t, id).Status)

	second := h.poll(t, d2)
	require.Len(t, second, 1)
	require.Equal(t, task.Version+1, second[0].Version)

	// d2 holds it until the expiry passes
	h.clk.Add(5 * time.Minute)
	require.NoError(t, h.m.Maintain(ctx))
	require.Equal(t, taskiface.StatusExpired, h.status(t, id).Status)

	res, err := h.m.AwaitTask(ctx, id, time.Second)
	require.NoError(t, err)
	require.Equal(t, taskiface.StatusExpired, res.Status)
	require.ErrorIs(t, res.Err(), taskiface.ErrTaskExpired)

	require.Equal(t, api.ResponseRejected, h.respond(t, d2, second[0], []byte("too late")))
}

func TestNoEligibleDelegate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	gpuTask := h.submit(t, api.TaskRequest{Type: "echo", Requirements: []taskiface.Requirement{{Name: "gpu"}}})
	fpgaTask := h.submit(t, api.TaskRequest{Type: "echo", Requirements: []taskiface.Requirement{{Name: "fpga"}}})

	// before the wait bound nothing fails
	require.NoError(t, h.m.Maintain(ctx))
	require.Equal(t, taskiface.StatusQueued, h.status(t, fpgaTask).Status)

	h.clk.Add(time.Duration(h.cfg.Scheduling.NoEligibleDelegateWait))

	gpu := desc("gpu", map[string]string{"gpu": "a100"})
	_, err := h.m.Heartbeat(ctx, api.HeartbeatRequest{Delegate: gpu, SentAt: h.clk.Now()})
	require.NoError(t, err)

	require.NoError(t, h.m.Maintain(ctx))
	require.Equal(t, taskiface.StatusQueued, h.status(t, gpuTask).Status)

	task := h.status(t, fpgaTask)
	require.Equal(t, taskiface.StatusFailed, task.Status)
	require.Equal(t, taskiface.ReasonNoEligible, task.FailureReason)

	res, err := h.m.AwaitTask(ctx, fpgaTask, time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err(), taskiface.ErrNoEligibleDelegate)
}

func TestStaleResponseLeavesTaskAlone(t *testing.T) {
	h := newHarness(t)
	d, other := desc("d1", nil), desc("d2", nil)

	id := h.submit(t, api.TaskRequest{Type: "echo"})
	tds := h.poll(t, d)
	require.Len(t, tds, 1)
	before := h.status(t, id)

	old := tds[0]
	old.Version--
	require.Equal(t, api.ResponseRejected, h.respond(t, d, old, []byte("x")))
	require.Equal(t, api.ResponseRejected, h.respond(t, other, tds[0], []byte("x")))

	after := h.status(t, id)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.Version, after.Version)
	require.Nil(t, after.Result)
}

func TestExpiredResponseRejected(t *testing.T) {
	h := newHarness(t)
	d := desc("d1", nil)

	id := h.submit(t, api.TaskRequest{Type: "echo", Timeout: time.Minute})
	tds := h.poll(t, d)
	require.Len(t, tds, 1)

	h.clk.Add(time.Minute)
	require.Equal(t, api.ResponseRejected, h.respond(t, d, tds[0], []byte("x")))
	require.Equal(t, taskiface.StatusExpired, h.status(t, id).Status)
}

func TestPendingAwaitSeesExpiryOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := desc("d1", nil)

	id := h.submit(t, api.TaskRequest{Type: "sleep", Timeout: time.Minute})

	done := make(chan taskiface.TaskResult, 2)
	go func() {
		defer close(done)
		res, err := h.m.AwaitTask(ctx, id, 10*time.Second)
		if err == nil {
			done <- res
		}
	}()
	require.Eventually(t, func() bool { return h.m.corr.Pending(id) }, 5*time.Second, time.Millisecond)

	tds := h.poll(t, d)
	require.Len(t, tds, 1)
	ok, err := h.m.TaskStarted(ctx, id, tds[0].Version)
	require.NoError(t, err)
	require.True(t, ok)

	h.clk.Add(time.Minute)
	require.NoError(t, h.m.Maintain(ctx))

	res, ok := <-done
	require.True(t, ok)
	require.Equal(t, id, res.Task)
	require.Equal(t, taskiface.StatusExpired, res.Status)
	require.ErrorIs(t, res.Err(), taskiface.ErrTaskExpired)

	// the delegate finishes after the fact
	require.Equal(t, api.ResponseRejected, h.respond(t, d, tds[0], []byte("late")))
	require.False(t, h.m.corr.Pending(id))
	require.False(t, h.m.corr.Resolve(ctx, id, tds[0].Version, taskiface.TaskResult{Status: taskiface.StatusSucceeded}))

	_, more := <-done
	require.False(t, more)

	task := h.status(t, id)
	require.Equal(t, taskiface.StatusExpired, task.Status)
	require.Nil(t, task.Result)
}

func TestFailureResponse(t *testing.T) {
	h := newHarness(t)
	d := desc("d1", nil)

	id := h.submit(t, api.TaskRequest{Type: "fail"})
	tds := h.poll(t, d)
	require.Len(t, tds, 1)

	callErr := &taskiface.CallError{Code: taskiface.ErrBadParams, Message: "boom"}
	st, err := h.m.SubmitResponse(context.Background(), api.TaskResponse{
		Task:     id,
		Version:  tds[0].Version,
		Delegate: d.ID,
		Error:    callErr,
	})
	require.NoError(t, err)
	require.Equal(t, api.ResponseAccepted, st)

	res, err := h.m.AwaitTask(context.Background(), id, time.Second)
	require.NoError(t, err)
	require.Equal(t, taskiface.StatusFailed, res.Status)
	require.ErrorIs(t, res.Err(), taskiface.ErrExecutionFailure)
	require.Equal(t, callErr.Error(), res.FailureReason)
	require.Contains(t, res.FailureReason, fmt.Sprintf("error %d", taskiface.ErrBadParams))
	require.Equal(t, callErr.Error(), h.status(t, id).FailureReason)
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := desc("d1", nil)

	queued := h.submit(t, api.TaskRequest{Type: "echo", Account: "a"})
	ok, err := h.m.AbortTask(ctx, queued)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, taskiface.StatusAborted, h.status(t, queued).Status)

	ok, err = h.m.AbortTask(ctx, queued)
	require.NoError(t, err)
	require.False(t, ok)

	held := h.submit(t, api.TaskRequest{Type: "sleep"})
	tds := h.poll(t, d)
	require.Len(t, tds, 1)
	require.Equal(t, held, tds[0].ID)

	ok, err = h.m.AbortTask(ctx, held)
	require.NoError(t, err)
	require.True(t, ok)
	task := h.status(t, held)
	require.Equal(t, taskiface.StatusAcquired, task.Status)
	require.True(t, task.CancelRequested)

	ack, err := h.m.Heartbeat(ctx, api.HeartbeatRequest{Delegate: d, SentAt: h.clk.Now(), ActiveTasks: 1})
	require.NoError(t, err)
	require.True(t, ack.Applied)
	require.Equal(t, []api.CancelNotice{{Task: held, Version: tds[0].Version}}, ack.Cancel)

	st, err := h.m.SubmitResponse(ctx, api.TaskResponse{Task: held, Version: tds[0].Version, Delegate: d.ID, Cancelled: true})
	require.NoError(t, err)
	require.Equal(t, api.ResponseAccepted, st)

	res, err := h.m.AwaitTask(ctx, held, time.Second)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err(), taskiface.ErrTaskAborted)
}

func TestAwaitErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.AwaitTask(ctx, "nope", time.Millisecond)
	var nf *api.ErrTaskNotFound
	require.True(t, errors.As(err, &nf))

	id := h.submit(t, api.TaskRequest{Type: "echo"})
	_, err = h.m.AwaitTask(ctx, id, 10*time.Millisecond)
	var to *api.ErrAwaitTimeout
	require.True(t, errors.As(err, &to))

	// the timed out waiter leaves no handle behind
	require.False(t, h.m.corr.Pending(id))
}

func TestSchemaAndValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.SubmitTask(ctx, api.TaskRequest{Type: "echo", SchemaVersion: build.PayloadSchemaVersion + 1})
	var us *api.ErrUnsupportedSchema
	require.True(t, errors.As(err, &us))

	_, err = h.m.SubmitTask(ctx, api.TaskRequest{})
	require.Error(t, err)

	_, err = h.m.PollForWork(ctx, api.PollRequest{Capacity: 1})
	require.Error(t, err)
}

func TestHeartbeatOrderingAndDelegates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := desc("d1", map[string]string{"os": "linux"})

	now := h.clk.Now()
	ack, err := h.m.Heartbeat(ctx, api.HeartbeatRequest{Delegate: d, SentAt: now, ActiveTasks: 2})
	require.NoError(t, err)
	require.True(t, ack.Applied)

	ack, err = h.m.Heartbeat(ctx, api.HeartbeatRequest{Delegate: d, SentAt: now.Add(-time.Second), ActiveTasks: 7})
	require.NoError(t, err)
	require.False(t, ack.Applied)

	ds, err := h.m.Delegates(ctx)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.True(t, ds[0].Live)
	require.Equal(t, 2, ds[0].ActiveTasks)

	h.clk.Add(time.Duration(h.cfg.Liveness.StalenessWindow) + time.Second)
	ds, err = h.m.Delegates(ctx)
	require.NoError(t, err)
	require.False(t, ds[0].Live)
}

func TestPerpetualThroughHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := desc("d1", nil)

	_, err := h.m.Heartbeat(ctx, api.HeartbeatRequest{Delegate: d, SentAt: h.clk.Now()})
	require.NoError(t, err)

	_, err = h.m.CreatePerpetualTask(ctx, api.PerpetualTaskRequest{Type: "echo"})
	require.Error(t, err)

	pid, err := h.m.CreatePerpetualTask(ctx, api.PerpetualTaskRequest{Type: "echo", Interval: time.Minute, Context: []byte("ctx")})
	require.NoError(t, err)

	ack, err := h.m.Heartbeat(ctx, api.HeartbeatRequest{
		Delegate:       d,
		SentAt:         h.clk.Now().Add(time.Second),
		PerpetualTasks: []taskiface.PerpetualTaskID{"gone"},
	})
	require.NoError(t, err)
	require.Len(t, ack.Perpetual, 1)
	require.Equal(t, pid, ack.Perpetual[0].ID)
	require.Equal(t, []taskiface.PerpetualTaskID{"gone"}, ack.StopPerpetual)

	ran, err := h.m.PerpetualTaskRan(ctx, pid, d.ID, h.clk.Now())
	require.NoError(t, err)
	require.True(t, ran)

	pt, err := h.m.PerpetualTaskContext(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, []byte("ctx"), pt.Context)
	require.Equal(t, h.clk.Now().UnixNano(), pt.LastRun.UnixNano())

	require.NoError(t, h.m.DeletePerpetualTask(ctx, pid))
	err = h.m.DeletePerpetualTask(ctx, pid)
	var nf *api.ErrPerpetualNotFound
	require.True(t, errors.As(err, &nf))
}

func TestAbortCompletesWhenDelegateLost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d := desc("d1", nil)

	id := h.submit(t, api.TaskRequest{Type: "sleep"})
	require.Len(t, h.poll(t, d), 1)

	ok, err := h.m.AbortTask(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	h.clk.Add(time.Duration(h.cfg.Liveness.StalenessWindow) + time.Duration(h.cfg.Scheduling.DelegateLossGrace))
	require.NoError(t, h.m.Maintain(ctx))

	task := h.status(t, id)
	require.Equal(t, taskiface.StatusAborted, task.Status)
	require.Equal(t, taskiface.ReasonAborted, task.FailureReason)
}
