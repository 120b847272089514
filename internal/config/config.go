// Package config loads and validates the manager configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/pkg/logger"
)

// Config is the full manager configuration.
type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Database *store.DatabaseConfig `yaml:"database,omitempty"`
	Log      logger.Config         `yaml:"log"`
	Registry RegistryConfig        `yaml:"registry"`
	Fleet    FleetConfig           `yaml:"fleet"`
	Activity ActivityConfig        `yaml:"activity"`
	Policy   PolicyConfig          `yaml:"policy"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	// Address is the listen address (e.g. ":8080").
	Address string `yaml:"address"`

	// PublicIP is the address workers use to reach this manager.
	PublicIP string `yaml:"public_ip"`

	// WorkerTimeout bounds every RPC to a worker.
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
}

// RegistryConfig holds the execution registry eviction settings.
type RegistryConfig struct {
	// EvictionPeriod is how often the eviction sweep runs.
	EvictionPeriod time.Duration `yaml:"eviction_period"`

	// EvictionChunk is the id window removed per eviction step.
	EvictionChunk int64 `yaml:"eviction_chunk"`

	// Expiration is how long a result is kept after its start time.
	Expiration time.Duration `yaml:"expiration"`
}

// FleetConfig holds the fleet controller settings.
type FleetConfig struct {
	// SweepPeriod is how often the health/termination sweep runs.
	SweepPeriod time.Duration `yaml:"sweep_period"`

	// LivenessTimeout flips silent ready/working workers to error.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// DefaultTerminationTime is the idle time after which surplus
	// ready workers are terminated when no policy overrides it.
	DefaultTerminationTime time.Duration `yaml:"default_termination_time"`
}

// ActivityConfig holds the activity lifecycle settings.
type ActivityConfig struct {
	// SampleSize is the length of the per-activity execution-time ring.
	SampleSize int `yaml:"sample_size"`

	// UninstallPollAttempts bounds the uninstall confirmation poll.
	UninstallPollAttempts int `yaml:"uninstall_poll_attempts"`

	// UninstallPollInterval is the base interval of the linearly
	// increasing backoff between poll attempts.
	UninstallPollInterval time.Duration `yaml:"uninstall_poll_interval"`
}

// PolicyConfig holds the policy engine settings.
type PolicyConfig struct {
	// DefaultMaxWait (ms) is injected into policies that carry neither
	// fixedWorkers nor maxWait.
	DefaultMaxWait int64 `yaml:"default_max_wait"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       ":8080",
			PublicIP:      "localhost",
			WorkerTimeout: 30 * time.Second,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Registry: RegistryConfig{
			EvictionPeriod: time.Minute,
			EvictionChunk:  50,
			Expiration:     10 * time.Minute,
		},
		Fleet: FleetConfig{
			SweepPeriod:            time.Minute,
			LivenessTimeout:        2 * time.Minute,
			DefaultTerminationTime: 10 * time.Minute,
		},
		Activity: ActivityConfig{
			SampleSize:            5,
			UninstallPollAttempts: 10,
			UninstallPollInterval: time.Second,
		},
		Policy: PolicyConfig{
			DefaultMaxWait: 60000,
		},
	}
}

// Load reads a yaml config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.Registry.EvictionChunk <= 0 {
		return fmt.Errorf("registry eviction chunk must be positive")
	}
	if c.Registry.EvictionPeriod <= 0 {
		return fmt.Errorf("registry eviction period must be positive")
	}
	if c.Registry.Expiration <= 0 {
		return fmt.Errorf("registry expiration must be positive")
	}
	if c.Activity.SampleSize <= 0 {
		return fmt.Errorf("activity sample size must be positive")
	}
	if c.Activity.UninstallPollAttempts <= 0 {
		return fmt.Errorf("uninstall poll attempts must be positive")
	}
	if c.Fleet.SweepPeriod <= 0 {
		return fmt.Errorf("fleet sweep period must be positive")
	}
	return nil
}
