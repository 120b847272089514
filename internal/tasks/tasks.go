// Package tasks runs the manager's periodic jobs: the registry
// eviction sweep and the fleet health/termination sweep. Each job runs
// on its own fixed period and never overlaps with itself.
package tasks

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/gpuenteallott/pod/internal/fleet"
	"github.com/gpuenteallott/pod/internal/policy"
	"github.com/gpuenteallott/pod/internal/registry"
	"github.com/gpuenteallott/pod/pkg/types"
)

// Config holds the periodic task settings.
type Config struct {
	EvictionPeriod time.Duration
	EvictionChunk  int64
	Expiration     time.Duration

	SweepPeriod            time.Duration
	DefaultTerminationTime time.Duration
}

// Runner owns the job scheduler.
type Runner struct {
	cfg       Config
	registry  *registry.Registry
	fleet     *fleet.Controller
	policies  *policy.Engine
	log       *zap.Logger
	scheduler gocron.Scheduler
}

// NewRunner creates the periodic task runner.
func NewRunner(cfg Config, reg *registry.Registry, fc *fleet.Controller, pe *policy.Engine, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:       cfg,
		registry:  reg,
		fleet:     fc,
		policies:  pe,
		log:       log,
		scheduler: s,
	}, nil
}

// Start registers both jobs and starts the scheduler.
func (r *Runner) Start() error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.cfg.EvictionPeriod),
		gocron.NewTask(r.evict),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	_, err = r.scheduler.NewJob(
		gocron.DurationJob(r.cfg.SweepPeriod),
		gocron.NewTask(r.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	r.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (r *Runner) Stop() error {
	return r.scheduler.Shutdown()
}

func (r *Runner) evict() {
	removed := r.registry.Evict(r.cfg.EvictionChunk, r.cfg.Expiration, time.Now())
	if removed > 0 {
		r.log.Info("registry eviction", zap.Int("removed", removed))
	}
}

// sweep derives the fleet bounds from the active policy, falling back
// to one worker and the default termination time without one.
func (r *Runner) sweep() {
	ctx := context.Background()

	minWorkers := int64(1)
	terminationTime := r.cfg.DefaultTerminationTime

	p, err := r.policies.Active(ctx)
	if err != nil {
		r.log.Error("fleet sweep: read active policy", zap.Error(err))
	} else if p != nil {
		minWorkers, _ = policy.WorkerBounds(p)
		if rules, err := policy.ParseRules(p.Rules); err == nil {
			if ms := policy.RuleInt(rules, types.RuleTerminationTime, 0); ms > 0 {
				terminationTime = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if err := r.fleet.Sweep(ctx, int(minWorkers), terminationTime); err != nil {
		r.log.Error("fleet sweep", zap.Error(err))
	}
}
