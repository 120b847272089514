// Package store provides the persistence collaborator consumed by the
// scheduling core: entity-shaped CRUD over activities, workers,
// installations and policies. The core never issues raw queries.
package store

import (
	"context"
	"errors"

	"github.com/gpuenteallott/pod/pkg/types"
)

// ErrDuplicate is returned by inserts that violate a uniqueness
// constraint (activity or policy name).
var ErrDuplicate = errors.New("already exists")

// Store is the persistence interface. Lookups return (nil, nil) when
// the entity does not exist.
type Store interface {
	// Activities.
	InsertActivity(ctx context.Context, a *types.Activity) (int64, error)
	UpdateActivity(ctx context.Context, a *types.Activity) error
	DeleteActivity(ctx context.Context, id int64) error
	Activity(ctx context.Context, id int64) (*types.Activity, error)
	ActivityByName(ctx context.Context, name string) (*types.Activity, error)

	// Workers.
	InsertWorker(ctx context.Context, w *types.Worker) (int64, error)
	UpdateWorker(ctx context.Context, w *types.Worker) error
	DeleteWorker(ctx context.Context, id int64) error
	Worker(ctx context.Context, id int64) (*types.Worker, error)
	Workers(ctx context.Context) ([]*types.Worker, error)
	WorkersByStatus(ctx context.Context, status types.WorkerStatus) ([]*types.Worker, error)
	CountWorkers(ctx context.Context) (int, error)

	// ReadyWorkerFor returns one worker in "ready" status that has the
	// activity installed, or nil when none is available.
	ReadyWorkerFor(ctx context.Context, activityID int64) (*types.Worker, error)

	// Installations.
	InsertInstallation(ctx context.Context, ins *types.Installation) (int64, error)
	UpdateInstallation(ctx context.Context, ins *types.Installation) error
	Installation(ctx context.Context, activityID, workerID int64) (*types.Installation, error)
	InstallationsByActivity(ctx context.Context, activityID int64) ([]*types.Installation, error)
	DeleteInstallationsByActivity(ctx context.Context, activityID int64) error

	// InstalledActivityIDs lists the ids of activities installed on a
	// worker, used to match queued work to a freed-up worker.
	InstalledActivityIDs(ctx context.Context, workerID int64) ([]int64, error)

	// Policies.
	InsertPolicy(ctx context.Context, p *types.Policy) (int64, error)
	UpdatePolicy(ctx context.Context, p *types.Policy) error
	DeletePolicyByName(ctx context.Context, name string) (bool, error)
	PolicyByName(ctx context.Context, name string) (*types.Policy, error)
	ActivePolicy(ctx context.Context) (*types.Policy, error)
	Policies(ctx context.Context) ([]*types.Policy, error)
	DeactivatePolicies(ctx context.Context) error
}
