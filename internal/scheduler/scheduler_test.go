package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuenteallott/pod/internal/activity"
	"github.com/gpuenteallott/pod/internal/idgen"
	"github.com/gpuenteallott/pod/internal/queue"
	"github.com/gpuenteallott/pod/internal/registry"
	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/pkg/protocol"
	"github.com/gpuenteallott/pod/pkg/types"
)

type sentEnvelope struct {
	addr string
	env  protocol.Envelope
}

// fakeTransport records sent envelopes; reply and per-address failures
// are configurable.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []sentEnvelope
	fail  map[string]error
	reply json.RawMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fail:  make(map[string]error),
		reply: json.RawMessage(`{"action":1}`),
	}
}

func (f *fakeTransport) Send(_ context.Context, addr string, env protocol.Envelope) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[addr]; ok {
		return nil, err
	}
	f.sent = append(f.sent, sentEnvelope{addr: addr, env: env})
	return f.reply, nil
}

func (f *fakeTransport) sentActions() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.env.Action
	}
	return out
}

type fixture struct {
	store      *store.Memory
	queue      *queue.WaitingQueue
	registry   *registry.Registry
	transport  *fakeTransport
	activities *activity.Manager
	scheduler  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		queue:     queue.New(),
		registry:  registry.New(),
		transport: newFakeTransport(),
	}
	f.activities = activity.NewManager(f.store, f.queue, f.registry, f.transport, activity.Config{SampleSize: 2}, nil)
	f.scheduler = New(f.store, f.queue, f.registry, f.activities, f.transport, idgen.New(0), nil)
	return f
}

// addApproved inserts an approved activity.
func (f *fixture) addApproved(t *testing.T, name string) *types.Activity {
	t.Helper()
	a := &types.Activity{Name: name, Status: types.ActivityApproved}
	_, err := f.store.InsertActivity(context.Background(), a)
	require.NoError(t, err)
	return a
}

// addReadyWorker inserts a ready worker with the activity installed.
func (f *fixture) addReadyWorker(t *testing.T, ip string, activityIDs ...int64) *types.Worker {
	t.Helper()
	ctx := context.Background()
	w := &types.Worker{Status: types.WorkerReady, PublicIP: ip}
	_, err := f.store.InsertWorker(ctx, w)
	require.NoError(t, err)
	for _, id := range activityIDs {
		_, err := f.store.InsertInstallation(ctx, &types.Installation{
			ActivityID: id, WorkerID: w.ID, Status: types.InstallationInstalled,
		})
		require.NoError(t, err)
	}
	return w
}

func TestNewExecutionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scheduler.NewExecution(ctx, "", "")
	assert.Error(t, err)

	_, err = f.scheduler.NewExecution(ctx, "ghost", "")
	assert.ErrorContains(t, err, "doesn't exist")
}

func TestNewExecutionRejectedActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := &types.Activity{Name: "transcode", Status: types.ActivityRejected}
	_, err := f.store.InsertActivity(ctx, a)
	require.NoError(t, err)

	_, err = f.scheduler.NewExecution(ctx, "transcode", "")
	assert.ErrorContains(t, err, "not accepting executions")
}

func TestNewExecutionQueuesWithoutWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addApproved(t, "transcode")

	e, err := f.scheduler.NewExecution(ctx, "transcode", "frame.raw")
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionWaiting, e.Status)
	assert.Empty(t, e.WorkerIP)
	assert.Equal(t, 1, f.queue.Len())
	assert.NotNil(t, f.registry.Get(e.ID))
	assert.Empty(t, f.transport.sentActions())
}

func TestNewExecutionDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addApproved(t, "transcode")
	w := f.addReadyWorker(t, "10.0.0.1", a.ID)

	e, err := f.scheduler.NewExecution(ctx, "transcode", "frame.raw")
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionInProgress, e.Status)
	assert.Equal(t, "10.0.0.1", e.WorkerIP)
	assert.False(t, e.StartTime.IsZero())
	assert.Equal(t, 0, f.queue.Len())

	stored, err := f.store.Worker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerWorking, stored.Status)

	require.Len(t, f.transport.sent, 1)
	sent := f.transport.sent[0]
	assert.Equal(t, "10.0.0.1", sent.addr)
	assert.Equal(t, protocol.ActionPerformExecution, sent.env.Action)
	require.NotNil(t, sent.env.Execution)
	assert.Equal(t, e.ID, sent.env.Execution.ID)
	assert.Equal(t, "transcode", sent.env.Execution.Name)
	assert.Equal(t, "frame.raw", sent.env.Execution.Input)
}

// A dispatched execution carries an estimate even while the sample
// ring is still warming up; the seed zeros bias it low.
func TestNewExecutionDispatchPredictsWhileWarming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addApproved(t, "transcode")
	f.addReadyWorker(t, "10.0.0.1", a.ID)

	// One of two slots filled: mean is 10s/2.
	f.activities.NewTimeRegister(a.ID, 10*time.Second)
	require.False(t, f.activities.AreSamplesTaken(a.ID))

	e, err := f.scheduler.NewExecution(ctx, "transcode", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), e.PredictedTime)
}

// Concurrent admissions must never double-book the single idle worker.
func TestNewExecutionConcurrentReservation(t *testing.T) {
	f := newFixture(t)
	a := f.addApproved(t, "transcode")
	f.addReadyWorker(t, "10.0.0.1", a.ID)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.scheduler.NewExecution(context.Background(), "transcode", "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, f.transport.sentActions(), 1, "exactly one dispatch")
	assert.Equal(t, n-1, f.queue.Len())
	assert.Equal(t, n, f.registry.Len())
}

func TestNewExecutionDispatchFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addApproved(t, "transcode")
	w := f.addReadyWorker(t, "10.0.0.1", a.ID)
	f.transport.fail["10.0.0.1"] = errors.New("connection refused")

	_, err := f.scheduler.NewExecution(ctx, "transcode", "")
	require.Error(t, err)

	stored, serr := f.store.Worker(ctx, w.ID)
	require.NoError(t, serr)
	assert.Equal(t, types.WorkerError, stored.Status)

	// The execution stays registered so status queries resolve.
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 0, f.queue.Len())
}

func TestGetExecutionStatusNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.GetExecutionStatus(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

// A terminal result is handed out exactly once.
func TestGetExecutionStatusRetrievesTerminalOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Put(&types.Execution{ID: 1, Status: types.ExecutionFinished, Stdout: "done"})

	e, err := f.scheduler.GetExecutionStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "done", e.Stdout)

	_, err = f.scheduler.GetExecutionStatus(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetExecutionStatusWaitingIsACopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Put(&types.Execution{ID: 1, Status: types.ExecutionWaiting})

	e, err := f.scheduler.GetExecutionStatus(ctx, 1)
	require.NoError(t, err)
	e.Status = types.ExecutionError

	assert.Equal(t, types.ExecutionWaiting, f.registry.Get(1).Status)
}

func TestGetExecutionStatusMergesProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.reply = json.RawMessage(`{"stdout":"halfway","stderr":"warn"}`)
	f.registry.Put(&types.Execution{ID: 1, Status: types.ExecutionInProgress, WorkerIP: "10.0.0.1"})

	e, err := f.scheduler.GetExecutionStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "halfway", e.Stdout)
	assert.Equal(t, "warn", e.Stderr)
	assert.Equal(t, []int{protocol.ActionGetExecutionProgress}, f.transport.sentActions())

	// Registry entry is untouched.
	assert.Empty(t, f.registry.Get(1).Stdout)
}

func TestGetExecutionStatusProgressFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.fail["10.0.0.1"] = errors.New("timeout")
	f.registry.Put(&types.Execution{ID: 1, Status: types.ExecutionInProgress, WorkerIP: "10.0.0.1", Stdout: "old"})

	e, err := f.scheduler.GetExecutionStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "old", e.Stdout)
}

func TestHandleReportFinishedRecordsSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addApproved(t, "transcode")
	w := f.addReadyWorker(t, "10.0.0.1")

	start := time.Now().Add(-4 * time.Second)
	f.registry.Put(&types.Execution{
		ID: 1, ActivityID: a.ID, Status: types.ExecutionInProgress, StartTime: start,
	})

	resp := f.scheduler.HandleReport(ctx, &protocol.ReportPayload{
		WorkerID: w.ID, ExecutionID: 1, Status: string(types.ExecutionFinished), Stdout: "ok",
	})

	_, isAck := resp.(protocol.AckResponse)
	assert.True(t, isAck)

	e := f.registry.Get(1)
	require.NotNil(t, e)
	assert.Equal(t, types.ExecutionFinished, e.Status)
	assert.Equal(t, "ok", e.Stdout)
	assert.False(t, e.FinishTime.IsZero())

	// The observed duration entered the activity's sample ring.
	assert.Greater(t, f.activities.MeanTime(a.ID), time.Duration(0))

	// Nothing queued: the worker was freed.
	stored, err := f.store.Worker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerReady, stored.Status)
}

func TestHandleReportChainsQueuedWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addApproved(t, "transcode")
	w := f.addReadyWorker(t, "10.0.0.1", a.ID)

	next := &types.Execution{ID: 2, ActivityID: a.ID, ActivityName: "transcode", Status: types.ExecutionWaiting}
	f.registry.Put(next)
	f.queue.Put(next)

	f.registry.Put(&types.Execution{ID: 1, ActivityID: a.ID, Status: types.ExecutionInProgress, StartTime: time.Now()})

	resp := f.scheduler.HandleReport(ctx, &protocol.ReportPayload{
		WorkerID: w.ID, ExecutionID: 1, Status: string(types.ExecutionFinished),
	})

	dispatch, ok := resp.(protocol.DispatchResponse)
	require.True(t, ok, "expected a chained dispatch, got %T", resp)
	assert.Equal(t, protocol.ActionPerformExecution, dispatch.Action)
	assert.Equal(t, int64(2), dispatch.Execution.ID)

	assert.Equal(t, 0, f.queue.Len())

	chained := f.registry.Get(2)
	require.NotNil(t, chained)
	assert.Equal(t, types.ExecutionInProgress, chained.Status)
	assert.Equal(t, "10.0.0.1", chained.WorkerIP)
	assert.False(t, chained.StartTime.IsZero())

	// The pointer handed out at admission time is never written to.
	assert.Equal(t, types.ExecutionWaiting, next.Status)

	stored, err := f.store.Worker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerWorking, stored.Status)
}

// Records already shared with status readers must be replaced in the
// registry, never written in place.
func TestHandleReportReplacesRegistryRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.addReadyWorker(t, "10.0.0.1")

	shared := &types.Execution{ID: 1, Status: types.ExecutionInProgress, StartTime: time.Now()}
	f.registry.Put(shared)

	f.scheduler.HandleReport(ctx, &protocol.ReportPayload{
		WorkerID: w.ID, ExecutionID: 1, Status: string(types.ExecutionFinished), Stdout: "ok",
	})

	assert.Equal(t, types.ExecutionInProgress, shared.Status)
	assert.Empty(t, shared.Stdout)

	e := f.registry.Get(1)
	require.NotNil(t, e)
	assert.NotSame(t, shared, e)
	assert.Equal(t, types.ExecutionFinished, e.Status)
	assert.Equal(t, "ok", e.Stdout)
}

func TestHandleReportChainSkipsUninstalledActivities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addApproved(t, "transcode")
	w := f.addReadyWorker(t, "10.0.0.1") // nothing installed

	next := &types.Execution{ID: 2, ActivityID: a.ID, Status: types.ExecutionWaiting}
	f.registry.Put(next)
	f.queue.Put(next)

	resp := f.scheduler.HandleReport(ctx, &protocol.ReportPayload{
		WorkerID: w.ID, ExecutionID: 1, Status: string(types.ExecutionFinished),
	})

	_, isAck := resp.(protocol.AckResponse)
	assert.True(t, isAck)
	assert.Equal(t, 1, f.queue.Len())
}

func TestHandleReportNoChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addApproved(t, "transcode")
	w := f.addReadyWorker(t, "10.0.0.1", a.ID)
	w.Status = types.WorkerWorking
	require.NoError(t, f.store.UpdateWorker(ctx, w))

	next := &types.Execution{ID: 2, ActivityID: a.ID, Status: types.ExecutionWaiting}
	f.queue.Put(next)

	resp := f.scheduler.HandleReport(ctx, &protocol.ReportPayload{
		WorkerID: w.ID, ExecutionID: 1, Status: string(types.ExecutionFinished), NoChain: true,
	})

	_, isAck := resp.(protocol.AckResponse)
	assert.True(t, isAck)

	// The worker keeps its slot for the installation; the queue waits.
	stored, err := f.store.Worker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerWorking, stored.Status)
	assert.Equal(t, 1, f.queue.Len())
}

func TestHandleReportError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.addReadyWorker(t, "10.0.0.1")
	f.registry.Put(&types.Execution{ID: 1, Status: types.ExecutionInProgress})

	resp := f.scheduler.HandleReport(ctx, &protocol.ReportPayload{
		WorkerID: w.ID, ExecutionID: 1, Status: string(types.ExecutionError), Stderr: "boom",
	})

	_, isAck := resp.(protocol.AckResponse)
	assert.True(t, isAck)

	e := f.registry.Get(1)
	require.NotNil(t, e)
	assert.Equal(t, types.ExecutionError, e.Status)
	assert.Equal(t, "boom", e.Stderr)
}

func TestTerminateExecutionQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := &types.Execution{ID: 1, Status: types.ExecutionWaiting}
	f.registry.Put(e)
	f.queue.Put(e)

	resp, err := f.scheduler.TerminateExecution(ctx, 1)
	require.NoError(t, err)

	got, ok := resp.(*types.Execution)
	require.True(t, ok)
	assert.Equal(t, types.ExecutionWaiting, got.Status)
	assert.Equal(t, 0, f.queue.Len())
	assert.Nil(t, f.registry.Get(1))
}

func TestTerminateExecutionForwardsToWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.reply = json.RawMessage(`{"id":1,"status":"terminated"}`)
	f.registry.Put(&types.Execution{ID: 1, Status: types.ExecutionInProgress, WorkerIP: "10.0.0.1"})

	resp, err := f.scheduler.TerminateExecution(ctx, 1)
	require.NoError(t, err)

	raw, ok := resp.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1,"status":"terminated"}`, string(raw))

	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, protocol.ActionTerminateExecution, f.transport.sent[0].env.Action)
	assert.Nil(t, f.registry.Get(1))
}

// A failed forward must not lose the record: it goes back into the
// registry so the terminate can be retried.
func TestTerminateExecutionForwardFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.fail["10.0.0.1"] = errors.New("connection refused")
	f.registry.Put(&types.Execution{ID: 1, Status: types.ExecutionInProgress, WorkerIP: "10.0.0.1"})

	_, err := f.scheduler.TerminateExecution(ctx, 1)
	require.Error(t, err)

	e := f.registry.Get(1)
	require.NotNil(t, e)
	assert.Equal(t, types.ExecutionInProgress, e.Status)
}

func TestTerminateExecutionMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.TerminateExecution(context.Background(), 42)
	assert.ErrorContains(t, err, "not being processed")
}

func TestCalculateTimeToStartIdle(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, int64(0), f.scheduler.CalculateTimeToStart())
}

func TestCalculateTimeToFinish(t *testing.T) {
	f := newFixture(t)

	// Warm the ring: mean settles at 10s.
	f.activities.NewTimeRegister(1, 10*time.Second)
	f.activities.NewTimeRegister(1, 10*time.Second)

	// One execution just started: ~10s remain.
	f.registry.Put(&types.Execution{
		ID: 1, ActivityID: 1, Status: types.ExecutionInProgress, StartTime: time.Now(),
	})

	estimate := f.scheduler.CalculateTimeToFinish(1)
	assert.InDelta(t, 20000, estimate, 1000)
}

// A long-overdue execution must not drive the estimate negative.
func TestCalculateTimeToStartClampsOverdue(t *testing.T) {
	f := newFixture(t)

	f.activities.NewTimeRegister(1, time.Second)
	f.activities.NewTimeRegister(1, time.Second)

	f.registry.Put(&types.Execution{
		ID: 1, ActivityID: 1, Status: types.ExecutionInProgress,
		StartTime: time.Now().Add(-time.Hour),
	})

	assert.GreaterOrEqual(t, f.scheduler.CalculateTimeToStart(), int64(0))
}
