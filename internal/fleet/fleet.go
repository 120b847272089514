// Package fleet grows and shrinks the worker fleet: it deploys nodes
// through the provisioning collaborator and sweeps unhealthy or idle
// workers on a fixed period.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/pkg/types"
)

// StartupParams is the data handed to a freshly provisioned node so it
// can reach back to the manager.
type StartupParams struct {
	ManagerAddress string
	WorkerID       int64
	Params         map[string]string
}

// Provisioner is the cloud provisioning collaborator.
type Provisioner interface {
	// Launch starts a node and returns its instance id.
	Launch(ctx context.Context, params StartupParams) (string, error)

	// Terminate shuts down the given instances in one call.
	Terminate(ctx context.Context, instanceIDs []string) error
}

// Config holds the fleet controller settings.
type Config struct {
	// ManagerAddress is passed to new nodes as startup data.
	ManagerAddress string

	// ConnectionParams are fleet-wide settings passed to new nodes.
	ConnectionParams map[string]string

	// LivenessTimeout flips silent ready/working workers to error.
	LivenessTimeout time.Duration
}

// Controller deploys and terminates workers.
type Controller struct {
	store store.Store
	prov  Provisioner
	cfg   Config
	log   *zap.Logger
}

// NewController creates a fleet controller.
func NewController(st store.Store, prov Provisioner, cfg Config, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{store: st, prov: prov, cfg: cfg, log: log}
}

// DeployWorker inserts a worker row in "launching" status, starts a
// node and advances the row to "pending" with the returned instance
// id. A provisioning failure leaves the row in "launching" as a
// visible record; the sweep does not touch launching rows.
func (c *Controller) DeployWorker(ctx context.Context) (*types.Worker, error) {
	now := time.Now()
	w := &types.Worker{
		Status:         types.WorkerLaunching,
		LastTimeWorked: now,
		LastTimeAlive:  now,
	}
	if _, err := c.store.InsertWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("insert worker: %w", err)
	}

	instanceID, err := c.prov.Launch(ctx, StartupParams{
		ManagerAddress: c.cfg.ManagerAddress,
		WorkerID:       w.ID,
		Params:         c.cfg.ConnectionParams,
	})
	if err != nil {
		c.log.Error("worker provisioning failed",
			zap.Int64("workerId", w.ID), zap.Error(err))
		return nil, fmt.Errorf("launch worker %d: %w", w.ID, err)
	}

	w.InstanceID = instanceID
	w.Status = types.WorkerPending
	if err := c.store.UpdateWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("update worker %d: %w", w.ID, err)
	}

	c.log.Info("worker deployed",
		zap.Int64("workerId", w.ID), zap.String("instanceId", instanceID))
	return w, nil
}

// Deploy starts n workers, stopping at the first failure.
func (c *Controller) Deploy(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if _, err := c.DeployWorker(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shrink terminates up to n non-manager workers and removes their
// rows. Idle ready workers go first, then pending ones.
func (c *Controller) Shrink(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	workers, err := c.store.Workers(ctx)
	if err != nil {
		return err
	}

	var victims []*types.Worker
	for _, status := range []types.WorkerStatus{types.WorkerReady, types.WorkerPending} {
		for _, w := range workers {
			if len(victims) >= n {
				break
			}
			if w.Manager || w.Status != status {
				continue
			}
			victims = append(victims, w)
		}
	}
	return c.terminate(ctx, victims)
}

// Sweep runs the three termination passes: surplus idle ready workers,
// workers in error status, and a liveness check that flags silent
// workers for the next cycle. Each pass batches its instance ids into
// one provisioning call.
func (c *Controller) Sweep(ctx context.Context, minWorkers int, terminationTime time.Duration) error {
	workers, err := c.store.Workers(ctx)
	if err != nil {
		return err
	}
	now := time.Now()

	// Surplus ready workers idle beyond the termination time.
	if len(workers) > minWorkers {
		var idle []*types.Worker
		for _, w := range workers {
			if w.Manager || w.Status != types.WorkerReady {
				continue
			}
			if now.Sub(w.LastTimeWorked) > terminationTime {
				idle = append(idle, w)
			}
		}
		if err := c.terminate(ctx, idle); err != nil {
			return err
		}
	}

	// Workers stuck in error status, unconditionally.
	var failed []*types.Worker
	for _, w := range workers {
		if !w.Manager && w.Status == types.WorkerError {
			failed = append(failed, w)
		}
	}
	if err := c.terminate(ctx, failed); err != nil {
		return err
	}

	// Silent workers: flip to error so the next sweep terminates them.
	// The manager row never heartbeats and is never terminated.
	for _, w := range workers {
		if w.Manager {
			continue
		}
		if w.Status != types.WorkerReady && w.Status != types.WorkerWorking {
			continue
		}
		if now.Sub(w.LastTimeAlive) > c.cfg.LivenessTimeout {
			w.Status = types.WorkerError
			if err := c.store.UpdateWorker(ctx, w); err != nil {
				c.log.Error("flag silent worker", zap.Int64("workerId", w.ID), zap.Error(err))
				continue
			}
			c.log.Warn("worker missed liveness window", zap.Int64("workerId", w.ID))
		}
	}
	return nil
}

// terminate batches the instance ids of the given workers into one
// provisioning call and removes their rows.
func (c *Controller) terminate(ctx context.Context, workers []*types.Worker) error {
	if len(workers) == 0 {
		return nil
	}
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		if w.InstanceID != "" {
			ids = append(ids, w.InstanceID)
		}
	}
	if len(ids) > 0 {
		if err := c.prov.Terminate(ctx, ids); err != nil {
			return fmt.Errorf("terminate instances: %w", err)
		}
	}
	for _, w := range workers {
		if err := c.store.DeleteWorker(ctx, w.ID); err != nil {
			c.log.Error("delete worker row", zap.Int64("workerId", w.ID), zap.Error(err))
		}
	}
	c.log.Info("workers terminated", zap.Int("count", len(workers)))
	return nil
}

// LocalProvisioner satisfies Provisioner without any cloud backend:
// Launch hands back a synthetic instance id and Terminate is a no-op.
// Used for single-node deployments and tests.
type LocalProvisioner struct{}

func (LocalProvisioner) Launch(context.Context, StartupParams) (string, error) {
	return "local-" + uuid.NewString(), nil
}

func (LocalProvisioner) Terminate(context.Context, []string) error {
	return nil
}
