package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gpuenteallott/pod/api/rest"
	"github.com/gpuenteallott/pod/api/rest/client"
	"github.com/gpuenteallott/pod/internal/activity"
	"github.com/gpuenteallott/pod/internal/config"
	"github.com/gpuenteallott/pod/internal/fleet"
	"github.com/gpuenteallott/pod/internal/idgen"
	"github.com/gpuenteallott/pod/internal/policy"
	"github.com/gpuenteallott/pod/internal/queue"
	"github.com/gpuenteallott/pod/internal/registry"
	"github.com/gpuenteallott/pod/internal/scheduler"
	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/internal/tasks"
	"github.com/gpuenteallott/pod/pkg/logger"
)

var managerAddress string

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Start the manager node",
	Long: `Start the manager node. The manager accepts work requests, schedules
executions onto the worker fleet, fans activity installs out to every
worker, and grows or shrinks the fleet by the active policy.`,
	Example: `  # start with defaults (in-memory store, local provisioner)
  pod manager

  # custom listen address
  pod manager --address :9090

  # with a config file
  pod manager --config config.yaml`,
	RunE: runManager,
}

func init() {
	rootCmd.AddCommand(managerCmd)
	managerCmd.Flags().StringVar(&managerAddress, "address", "", "HTTP listen address")
}

func runManager(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("address") {
		cfg.Server.Address = managerAddress
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	logger.Init(&cfg.Log)
	defer logger.Sync()
	log := logger.L()

	var st store.Store
	if cfg.Database != nil {
		gs, err := store.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer gs.Close()
		st = gs
	} else {
		st = store.NewMemory()
	}

	reg := registry.New()
	wq := queue.New()
	ids := idgen.New(0)

	transport := client.New(cfg.Server.WorkerTimeout)

	activities := activity.NewManager(st, wq, reg, transport, activity.Config{
		SampleSize:            cfg.Activity.SampleSize,
		UninstallPollAttempts: cfg.Activity.UninstallPollAttempts,
		UninstallPollInterval: cfg.Activity.UninstallPollInterval,
	}, log)

	sched := scheduler.New(st, wq, reg, activities, transport, ids, log)

	fc := fleet.NewController(st, fleet.LocalProvisioner{}, fleet.Config{
		ManagerAddress:  cfg.Server.PublicIP,
		LivenessTimeout: cfg.Fleet.LivenessTimeout,
	}, log)

	policies := policy.NewEngine(st, fc, cfg.Policy.DefaultMaxWait, log)

	server := rest.NewServer(&rest.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}, st, activities, sched, policies, log)

	transport.SetLocal(server.Handle, cfg.Server.PublicIP)

	runner, err := tasks.NewRunner(tasks.Config{
		EvictionPeriod:         cfg.Registry.EvictionPeriod,
		EvictionChunk:          cfg.Registry.EvictionChunk,
		Expiration:             cfg.Registry.Expiration,
		SweepPeriod:            cfg.Fleet.SweepPeriod,
		DefaultTerminationTime: cfg.Fleet.DefaultTerminationTime,
	}, reg, fc, policies, log)
	if err != nil {
		return fmt.Errorf("create periodic tasks: %w", err)
	}
	if err := runner.Start(); err != nil {
		return fmt.Errorf("start periodic tasks: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen()
	}()

	select {
	case err := <-errCh:
		_ = runner.Stop()
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	if err := runner.Stop(); err != nil {
		log.Error("task runner shutdown", zap.Error(err))
	}
	return nil
}
