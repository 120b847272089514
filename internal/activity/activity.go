// Package activity implements the activity lifecycle manager: the
// install/uninstall fan-out across the fleet, per-activity execution
// time estimation, and the gate deciding which activities accept new
// executions.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gpuenteallott/pod/internal/queue"
	"github.com/gpuenteallott/pod/internal/registry"
	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/pkg/protocol"
	"github.com/gpuenteallott/pod/pkg/types"
)

// Config holds the lifecycle manager settings.
type Config struct {
	// SampleSize is the length of the execution-time sample ring.
	SampleSize int

	// UninstallPollAttempts bounds the uninstall confirmation poll.
	UninstallPollAttempts int

	// UninstallPollInterval is the base interval of the linearly
	// increasing backoff between poll attempts.
	UninstallPollInterval time.Duration
}

// Manager orchestrates activity installs and uninstalls across every
// known worker and tracks per-activity mean execution times.
type Manager struct {
	store     store.Store
	queue     *queue.WaitingQueue
	registry  *registry.Registry
	transport protocol.Transport
	cfg       Config
	log       *zap.Logger

	samples *sampleSet
}

// NewManager creates an activity lifecycle manager.
func NewManager(st store.Store, wq *queue.WaitingQueue, reg *registry.Registry, tr protocol.Transport, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 5
	}
	if cfg.UninstallPollAttempts <= 0 {
		cfg.UninstallPollAttempts = 10
	}
	if cfg.UninstallPollInterval <= 0 {
		cfg.UninstallPollInterval = time.Second
	}
	return &Manager{
		store:     st,
		queue:     wq,
		registry:  reg,
		transport: tr,
		cfg:       cfg,
		log:       log,
		samples:   newSampleSet(cfg.SampleSize),
	}
}

// NewActivity validates and persists a new activity in "verifying"
// status, then notifies every known worker to install it off the
// request path.
func (m *Manager) NewActivity(ctx context.Context, name, scriptLocation string) (*types.Activity, error) {
	if name == "" {
		return nil, errors.New("activity name is required")
	}
	if scriptLocation == "" {
		return nil, errors.New("installation script location is required")
	}

	a := &types.Activity{
		Name:           name,
		ScriptLocation: scriptLocation,
		Status:         types.ActivityVerifying,
	}
	if _, err := m.store.InsertActivity(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("activity %s already exists", name)
		}
		return nil, err
	}

	go m.notifyInstall(context.Background(), a)

	return a, nil
}

// DeleteActivity flips an approved (or errored) activity to
// "uninstalling", purges its queued executions, and notifies every
// worker to uninstall it off the request path.
func (m *Manager) DeleteActivity(ctx context.Context, name string) (*types.Activity, error) {
	if name == "" {
		return nil, errors.New("activity name is required")
	}
	a, err := m.store.ActivityByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("activity %s doesn't exist", name)
	}
	if a.Status != types.ActivityApproved && a.Status != types.ActivityError {
		return nil, fmt.Errorf("activity %s cannot be deleted while %s", name, a.Status)
	}

	a.Status = types.ActivityUninstalling
	if err := m.store.UpdateActivity(ctx, a); err != nil {
		return nil, err
	}

	m.queue.DeleteAll(a.ID)

	go m.notifyUninstall(context.Background(), a)

	return a, nil
}

// ActivityStatus returns an activity together with its per-worker
// installation records.
func (m *Manager) ActivityStatus(ctx context.Context, name string) (*types.Activity, []*types.Installation, error) {
	a, err := m.store.ActivityByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, fmt.Errorf("activity %s doesn't exist", name)
	}
	installations, err := m.store.InstallationsByActivity(ctx, a.ID)
	if err != nil {
		return nil, nil, err
	}
	return a, installations, nil
}

// notifyInstall fans the install out to every known worker. Each
// worker is flipped to "working" so no execution is dispatched to it
// mid-install, gets an installation row, and receives the install RPC.
func (m *Manager) notifyInstall(ctx context.Context, a *types.Activity) {
	workers, err := m.store.Workers(ctx)
	if err != nil {
		m.log.Error("install fan-out: list workers", zap.String("activity", a.Name), zap.Error(err))
		return
	}
	for _, w := range workers {
		m.notifyWorker(ctx, a, w, protocol.ActionInstallActivity)
	}
}

// notifyUninstall fans the uninstall out, then polls until every
// installation row reads "uninstalled" before deleting the rows and
// the activity, children before parent. An exhausted poll leaves the
// activity in "uninstalling".
func (m *Manager) notifyUninstall(ctx context.Context, a *types.Activity) {
	workers, err := m.store.Workers(ctx)
	if err != nil {
		m.log.Error("uninstall fan-out: list workers", zap.String("activity", a.Name), zap.Error(err))
		return
	}
	for _, w := range workers {
		m.notifyWorker(ctx, a, w, protocol.ActionUninstallActivity)
	}

	for attempt := 1; attempt <= m.cfg.UninstallPollAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * m.cfg.UninstallPollInterval)

		installations, err := m.store.InstallationsByActivity(ctx, a.ID)
		if err != nil {
			m.log.Error("uninstall poll", zap.String("activity", a.Name), zap.Error(err))
			continue
		}
		if !allUninstalled(installations) {
			continue
		}
		if err := m.store.DeleteInstallationsByActivity(ctx, a.ID); err != nil {
			m.log.Error("delete installations", zap.String("activity", a.Name), zap.Error(err))
			return
		}
		if err := m.store.DeleteActivity(ctx, a.ID); err != nil {
			m.log.Error("delete activity", zap.String("activity", a.Name), zap.Error(err))
			return
		}
		m.samples.drop(a.ID)
		m.log.Info("activity removed", zap.String("activity", a.Name))
		return
	}

	m.log.Error("uninstall confirmation exhausted, activity left uninstalling",
		zap.String("activity", a.Name))
}

func allUninstalled(installations []*types.Installation) bool {
	for _, ins := range installations {
		if ins.Status != types.InstallationUninstalled {
			return false
		}
	}
	return true
}

// notifyWorker records the installation row for one worker and sends
// it the install or uninstall RPC.
func (m *Manager) notifyWorker(ctx context.Context, a *types.Activity, w *types.Worker, action int) {
	if w.Status != types.WorkerWorking {
		w.Status = types.WorkerWorking
		if err := m.store.UpdateWorker(ctx, w); err != nil {
			m.log.Error("mark worker working", zap.Int64("workerId", w.ID), zap.Error(err))
			return
		}
	}

	ins, err := m.store.Installation(ctx, a.ID, w.ID)
	if err != nil {
		m.log.Error("load installation", zap.Int64("workerId", w.ID), zap.Error(err))
		return
	}
	if ins == nil {
		ins = &types.Installation{
			ActivityID: a.ID,
			WorkerID:   w.ID,
			Status:     types.InstallationNotifying,
		}
		if _, err := m.store.InsertInstallation(ctx, ins); err != nil {
			m.log.Error("insert installation", zap.Int64("workerId", w.ID), zap.Error(err))
			return
		}
	} else {
		ins.Status = types.InstallationNotifying
		if err := m.store.UpdateInstallation(ctx, ins); err != nil {
			m.log.Error("advance installation", zap.Int64("workerId", w.ID), zap.Error(err))
			return
		}
	}

	env := protocol.Envelope{
		Action: action,
		Activity: &protocol.ActivityPayload{
			Name:           a.Name,
			ScriptLocation: a.ScriptLocation,
		},
	}
	if _, err := m.transport.Send(ctx, w.Address(), env); err != nil {
		m.log.Error("notify worker",
			zap.Int64("workerId", w.ID), zap.String("activity", a.Name), zap.Error(err))
		w.Status = types.WorkerError
		if uerr := m.store.UpdateWorker(ctx, w); uerr != nil {
			m.log.Error("mark worker error", zap.Int64("workerId", w.ID), zap.Error(uerr))
		}
		ins.Status = types.InstallationError
		ins.ErrorText = err.Error()
		if uerr := m.store.UpdateInstallation(ctx, ins); uerr != nil {
			m.log.Error("mark installation error", zap.Int64("workerId", w.ID), zap.Error(uerr))
		}
	}
}

// HandleReport processes a worker's activity report: it advances the
// installation row and, for a verifying activity, settles the verdict.
// A success approves the activity and (re)initializes its time-sample
// register; an error rejects it and marks its purged queued executions.
func (m *Manager) HandleReport(ctx context.Context, rep *protocol.ReportPayload) error {
	if rep.ActivityName == "" {
		return errors.New("activity name is required")
	}
	a, err := m.store.ActivityByName(ctx, rep.ActivityName)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("activity %s doesn't exist", rep.ActivityName)
	}

	ins, err := m.store.Installation(ctx, a.ID, rep.WorkerID)
	if err != nil {
		return err
	}
	if ins == nil {
		ins = &types.Installation{ActivityID: a.ID, WorkerID: rep.WorkerID}
	}
	if rep.Error != "" {
		ins.Status = types.InstallationError
		ins.ErrorText = rep.Error
	} else if rep.Status != "" {
		ins.Status = types.InstallationStatus(rep.Status)
	}
	if ins.ID == 0 {
		_, err = m.store.InsertInstallation(ctx, ins)
	} else {
		err = m.store.UpdateInstallation(ctx, ins)
	}
	if err != nil {
		return err
	}

	if a.Status == types.ActivityVerifying {
		if rep.Error != "" {
			a.Status = types.ActivityRejected
			if err := m.store.UpdateActivity(ctx, a); err != nil {
				return err
			}
			for _, e := range m.queue.DeleteAll(a.ID) {
				// Queued pointers are also the registry entries; replace, don't mutate.
				c := e.Clone()
				c.Status = types.ExecutionRejected
				m.registry.Put(c)
			}
			m.log.Warn("activity rejected",
				zap.String("activity", a.Name), zap.String("reason", rep.Error))
		} else {
			a.Status = types.ActivityApproved
			if err := m.store.UpdateActivity(ctx, a); err != nil {
				return err
			}
			m.samples.init(a.ID)
			m.log.Info("activity approved", zap.String("activity", a.Name))
		}
	}

	return nil
}

// NewTimeRegister records one observed execution duration for an
// activity.
func (m *Manager) NewTimeRegister(activityID int64, d time.Duration) {
	m.samples.push(activityID, d)
}

// MeanTime returns the mean over the activity's fixed-size sample
// ring. While the ring is warming up the mean includes its pre-seeded
// zeros, deliberately biasing early estimates low.
func (m *Manager) MeanTime(activityID int64) time.Duration {
	return m.samples.mean(activityID)
}

// AreSamplesTaken reports whether the activity's ring holds a full set
// of real samples.
func (m *Manager) AreSamplesTaken(activityID int64) bool {
	return m.samples.full(activityID)
}
