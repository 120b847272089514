// Package scheduler implements the execution admission path: it
// validates new execution requests, reserves a ready worker or queues
// the work, dispatches the perform RPC, and chains queued work to
// workers as their reports come in.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gpuenteallott/pod/internal/activity"
	"github.com/gpuenteallott/pod/internal/idgen"
	"github.com/gpuenteallott/pod/internal/queue"
	"github.com/gpuenteallott/pod/internal/registry"
	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/pkg/protocol"
	"github.com/gpuenteallott/pod/pkg/types"
)

// ErrNotFound is returned when an execution is absent from the
// registry: it never existed, was already retrieved, or expired.
var ErrNotFound = errors.New("execution doesn't exist, was already retrieved or has expired")

// Scheduler owns the admission path and the worker reservation lock.
type Scheduler struct {
	store      store.Store
	queue      *queue.WaitingQueue
	registry   *registry.Registry
	activities *activity.Manager
	transport  protocol.Transport
	ids        *idgen.Generator
	log        *zap.Logger

	// reserveMu makes selecting a ready worker and flipping it to
	// "working" atomic across concurrent admissions, so two requests
	// never double-book the same idle worker. Per-process by design:
	// contention tracks concurrent admissions, not fleet size.
	reserveMu sync.Mutex
}

// New creates a scheduler.
func New(st store.Store, wq *queue.WaitingQueue, reg *registry.Registry, am *activity.Manager, tr protocol.Transport, ids *idgen.Generator, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:      st,
		queue:      wq,
		registry:   reg,
		activities: am,
		transport:  tr,
		ids:        ids,
		log:        log,
	}
}

// NewExecution admits a run request for a named activity. If a ready
// worker with the activity installed exists it is reserved and the
// perform RPC dispatched immediately; otherwise the execution is
// queued until a worker frees up.
func (s *Scheduler) NewExecution(ctx context.Context, activityName, input string) (*types.Execution, error) {
	if activityName == "" {
		return nil, errors.New("execution name is required")
	}
	a, err := s.store.ActivityByName(ctx, activityName)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("activity %s doesn't exist", activityName)
	}
	if a.Status != types.ActivityApproved && a.Status != types.ActivityVerifying {
		return nil, fmt.Errorf("activity %s is not accepting executions while %s", activityName, a.Status)
	}

	e := &types.Execution{
		ID:           s.ids.Next(),
		ActivityID:   a.ID,
		ActivityName: a.Name,
		Input:        input,
		Status:       types.ExecutionWaiting,
	}

	w, err := s.reserveWorker(ctx, a.ID)
	if err != nil {
		return nil, err
	}

	if w == nil {
		// No worker free: predict only once the activity's samples are
		// warmed up, then register and queue.
		if s.activities.AreSamplesTaken(a.ID) {
			e.PredictedTime = s.CalculateTimeToFinish(a.ID)
		}
		s.registry.Put(e)
		s.queue.Put(e)
		s.log.Debug("execution queued", zap.Int64("executionId", e.ID), zap.String("activity", a.Name))
		return e, nil
	}

	e.Status = types.ExecutionInProgress
	e.StartTime = time.Now()
	e.WorkerIP = w.Address()

	env := protocol.Envelope{
		Action: protocol.ActionPerformExecution,
		Execution: &protocol.ExecutionPayload{
			ID:    e.ID,
			Name:  e.ActivityName,
			Input: e.Input,
		},
	}
	if _, err := s.transport.Send(ctx, w.Address(), env); err != nil {
		// The worker is written off; the execution stays registered so
		// status queries resolve. No retry on another worker.
		w.Status = types.WorkerError
		if uerr := s.store.UpdateWorker(ctx, w); uerr != nil {
			s.log.Error("mark worker error", zap.Int64("workerId", w.ID), zap.Error(uerr))
		}
		s.registry.Put(e)
		s.log.Error("dispatch failed",
			zap.Int64("executionId", e.ID), zap.Int64("workerId", w.ID), zap.Error(err))
		return nil, fmt.Errorf("dispatch to worker %d failed: %w", w.ID, err)
	}

	// The mean over a still-warming ring includes its seed zeros,
	// biasing the estimate low on purpose.
	e.PredictedTime = s.activities.MeanTime(a.ID).Milliseconds()
	s.registry.Put(e)
	s.log.Info("execution dispatched",
		zap.Int64("executionId", e.ID), zap.Int64("workerId", w.ID))
	return e, nil
}

// reserveWorker atomically picks one ready worker that has the
// activity installed and flips it to "working". Returns nil when none
// is available.
func (s *Scheduler) reserveWorker(ctx context.Context, activityID int64) (*types.Worker, error) {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	w, err := s.store.ReadyWorkerFor(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, nil
	}
	w.Status = types.WorkerWorking
	if err := s.store.UpdateWorker(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// GetExecutionStatus resolves a status query. Terminal results are
// pulled: the first retrieval permanently forgets them. In-progress
// executions are enriched with live stdout/stderr from the worker.
func (s *Scheduler) GetExecutionStatus(ctx context.Context, id int64) (*types.Execution, error) {
	e := s.registry.Get(id)
	if e == nil {
		return nil, ErrNotFound
	}

	switch e.Status {
	case types.ExecutionFinished, types.ExecutionError:
		return s.registry.Pull(id), nil
	case types.ExecutionInProgress:
		snapshot := e.Clone()
		s.mergeProgress(ctx, snapshot)
		return snapshot, nil
	default:
		return e.Clone(), nil
	}
}

// mergeProgress asks the owning worker for current stdout/stderr and
// merges it into the snapshot. Failures leave the snapshot as is.
func (s *Scheduler) mergeProgress(ctx context.Context, e *types.Execution) {
	if e.WorkerIP == "" {
		return
	}
	env := protocol.Envelope{
		Action:    protocol.ActionGetExecutionProgress,
		Execution: &protocol.ExecutionPayload{ID: e.ID},
	}
	raw, err := s.transport.Send(ctx, e.WorkerIP, env)
	if err != nil {
		s.log.Warn("progress query failed",
			zap.Int64("executionId", e.ID), zap.String("worker", e.WorkerIP), zap.Error(err))
		return
	}
	var progress struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}
	if err := json.Unmarshal(raw, &progress); err != nil {
		s.log.Warn("progress response malformed", zap.Int64("executionId", e.ID), zap.Error(err))
		return
	}
	e.Stdout = progress.Stdout
	e.Stderr = progress.Stderr
}

// HandleReport processes a worker's execution report and returns the
// response to embed: an ACK, or a chained dispatch handing the worker
// its next queued execution.
func (s *Scheduler) HandleReport(ctx context.Context, rep *protocol.ReportPayload) any {
	e := s.registry.Get(rep.ExecutionID)
	if e == nil {
		e = &types.Execution{ID: rep.ExecutionID}
	} else {
		// Registry entries are shared with concurrent status readers;
		// update a clone and republish it.
		e = e.Clone()
	}
	if rep.Status != "" {
		e.Status = types.ExecutionStatus(rep.Status)
	}
	e.Stdout = rep.Stdout
	e.Stderr = rep.Stderr

	if e.Status == types.ExecutionFinished {
		e.FinishTime = time.Now()
		if !e.StartTime.IsZero() {
			s.activities.NewTimeRegister(e.ActivityID, e.FinishTime.Sub(e.StartTime))
		}
	}
	s.registry.Put(e)

	if e.Status == types.ExecutionError {
		return protocol.Ack()
	}
	if rep.NoChain {
		// The worker is about to start an installation; leave it
		// "working" and hand it nothing.
		return protocol.Ack()
	}
	return s.Chain(ctx, rep.WorkerID)
}

// Chain looks for queued work the reporting worker can take. When
// something matches, the worker keeps "working" status and the
// dispatch rides back inside the report response; otherwise the worker
// is flipped to "ready" and gets an ACK.
func (s *Scheduler) Chain(ctx context.Context, workerID int64) any {
	w, err := s.store.Worker(ctx, workerID)
	if err != nil || w == nil {
		s.log.Warn("chain: worker unknown", zap.Int64("workerId", workerID), zap.Error(err))
		return protocol.Ack()
	}

	now := time.Now()
	w.LastTimeAlive = now
	w.LastTimeWorked = now

	candidates, err := s.store.InstalledActivityIDs(ctx, workerID)
	if err != nil {
		s.log.Error("chain: list installed activities", zap.Int64("workerId", workerID), zap.Error(err))
		candidates = nil
	}

	next := s.queue.Pull(candidates)
	if next == nil {
		w.Status = types.WorkerReady
		if err := s.store.UpdateWorker(ctx, w); err != nil {
			s.log.Error("chain: mark worker ready", zap.Int64("workerId", w.ID), zap.Error(err))
		}
		return protocol.Ack()
	}

	w.Status = types.WorkerWorking
	if err := s.store.UpdateWorker(ctx, w); err != nil {
		s.log.Error("chain: keep worker working", zap.Int64("workerId", w.ID), zap.Error(err))
	}

	// The queued pointer is also the registry entry; mutate a clone.
	run := next.Clone()
	run.Status = types.ExecutionInProgress
	run.StartTime = now
	run.WorkerIP = w.Address()
	s.registry.Put(run)

	s.log.Info("execution chained",
		zap.Int64("executionId", run.ID), zap.Int64("workerId", w.ID))
	return protocol.Dispatch(run)
}

// TerminateExecution pulls the execution and stops it: when a worker
// holds it, the terminate RPC is forwarded and the worker's response
// relayed verbatim; otherwise a locally in-progress record is flipped
// to "terminated".
func (s *Scheduler) TerminateExecution(ctx context.Context, id int64) (any, error) {
	e := s.registry.Pull(id)
	if e == nil {
		return nil, fmt.Errorf("execution %d is not being processed", id)
	}

	if e.WorkerIP != "" {
		env := protocol.Envelope{
			Action:    protocol.ActionTerminateExecution,
			Execution: &protocol.ExecutionPayload{ID: e.ID},
		}
		raw, err := s.transport.Send(ctx, e.WorkerIP, env)
		if err != nil {
			// Put the record back so it stays queryable and the
			// terminate can be retried.
			s.registry.Put(e)
			return nil, fmt.Errorf("terminate on worker %s: %w", e.WorkerIP, err)
		}
		return raw, nil
	}

	s.queue.Remove(e.ID)
	if e.Status == types.ExecutionInProgress {
		e.Status = types.ExecutionTerminated
	}
	return e, nil
}

// CalculateTimeToStart estimates the wait (ms) before a new execution
// would start, assuming every worker is busy: the clamped remaining
// time of all in-progress executions plus the mean time of everything
// queued, divided by the in-progress count. The running sum never
// decreases when a remaining time is negative.
func (s *Scheduler) CalculateTimeToStart() int64 {
	inProgress := s.registry.InProgress()
	if len(inProgress) == 0 {
		return 0
	}
	now := time.Now()

	var total int64
	for _, e := range inProgress {
		mean := s.activities.MeanTime(e.ActivityID)
		remaining := e.StartTime.Add(mean).Sub(now).Milliseconds()
		if candidate := total + remaining; candidate > total {
			total = candidate
		}
	}
	for _, e := range s.queue.Snapshot() {
		total += s.activities.MeanTime(e.ActivityID).Milliseconds()
	}
	return total / int64(len(inProgress))
}

// CalculateTimeToFinish adds the target activity's own mean time to
// the time-to-start estimate.
func (s *Scheduler) CalculateTimeToFinish(activityID int64) int64 {
	return s.CalculateTimeToStart() + s.activities.MeanTime(activityID).Milliseconds()
}
