package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drover-io/drover/pkg/types"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full server configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Queue       QueueConfig       `yaml:"queue"`
	Workers     WorkersConfig     `yaml:"workers"`
	Distributor DistributorConfig `yaml:"distributor"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Retry       RetryConfig       `yaml:"retry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StorageConfig configures the SQLite store and the event journal
type StorageConfig struct {
	Path         string   `yaml:"path"`
	JournalPath  string   `yaml:"journal_path"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	BusyTimeout  Duration `yaml:"busy_timeout"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// QueueConfig configures the task queue
type QueueConfig struct {
	ReservationTTL    Duration `yaml:"reservation_ttl"`
	DefaultMaxRetries int      `yaml:"default_max_retries"`
}

// WorkersConfig configures worker registry behavior
type WorkersConfig struct {
	DefaultMaxLoad           int      `yaml:"default_max_load"`
	DefaultHeartbeatInterval Duration `yaml:"default_heartbeat_interval"`
	StaleMultiplier          int      `yaml:"stale_multiplier"`
	AutoCleanup              bool     `yaml:"auto_cleanup"`
}

// DistributorConfig configures task-to-worker matching
type DistributorConfig struct {
	Strategy              types.Strategy `yaml:"strategy"`
	MaxAssignmentAttempts int            `yaml:"max_assignment_attempts"`
	EnableAffinity        bool           `yaml:"enable_affinity"`
	EnableTimeoutSweep    bool           `yaml:"enable_timeout_sweep"`
	TimeoutCheckInterval  Duration       `yaml:"timeout_check_interval"`
}

// CoordinatorConfig configures the coordinator's lifecycle handling
type CoordinatorConfig struct {
	MaxConcurrentTasks     int      `yaml:"max_concurrent_tasks"`
	DefaultTaskTimeout     Duration `yaml:"default_task_timeout"`
	HeartbeatCheckInterval Duration `yaml:"heartbeat_check_interval"`
	ShutdownGracePeriod    Duration `yaml:"shutdown_grace_period"`
	MaxLoadThreshold       float64  `yaml:"max_load_threshold"`
}

// RetryConfig is the default retry policy applied to tasks that carry none
type RetryConfig struct {
	MaxRetries    int      `yaml:"max_retries"`
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
}

// MetricsConfig configures the Prometheus collector
type MetricsConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CollectInterval Duration `yaml:"collect_interval"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8420",
		},
		Storage: StorageConfig{
			Path:         "drover.db",
			JournalPath:  "drover-events.db",
			MaxOpenConns: 4,
			BusyTimeout:  Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
		Queue: QueueConfig{
			ReservationTTL:    Duration(30 * time.Second),
			DefaultMaxRetries: 3,
		},
		Workers: WorkersConfig{
			DefaultMaxLoad:           5,
			DefaultHeartbeatInterval: Duration(30 * time.Second),
			StaleMultiplier:          2,
			AutoCleanup:              true,
		},
		Distributor: DistributorConfig{
			Strategy:              types.StrategyLeastLoaded,
			MaxAssignmentAttempts: 5,
			EnableAffinity:        true,
			EnableTimeoutSweep:    true,
			TimeoutCheckInterval:  Duration(10 * time.Second),
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentTasks:     50,
			DefaultTaskTimeout:     Duration(300 * time.Second),
			HeartbeatCheckInterval: Duration(30 * time.Second),
			ShutdownGracePeriod:    Duration(60 * time.Second),
			MaxLoadThreshold:       0.9,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BaseDelay:     Duration(1 * time.Second),
			MaxDelay:      Duration(60 * time.Second),
			BackoffFactor: 2.0,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			CollectInterval: Duration(15 * time.Second),
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the system cannot run with
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue.default_max_retries must not be negative")
	}
	if c.Workers.DefaultMaxLoad <= 0 {
		return fmt.Errorf("workers.default_max_load must be positive")
	}
	if c.Workers.DefaultHeartbeatInterval <= 0 {
		return fmt.Errorf("workers.default_heartbeat_interval must be positive")
	}
	if c.Workers.StaleMultiplier < 1 {
		return fmt.Errorf("workers.stale_multiplier must be at least 1")
	}
	switch c.Distributor.Strategy {
	case types.StrategyLeastLoaded, types.StrategyRoundRobin, types.StrategyCapabilityMatch,
		types.StrategyRandom, types.StrategyWeighted:
	default:
		return fmt.Errorf("distributor.strategy %q is not a known strategy", c.Distributor.Strategy)
	}
	if c.Distributor.MaxAssignmentAttempts <= 0 {
		return fmt.Errorf("distributor.max_assignment_attempts must be positive")
	}
	if c.Coordinator.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("coordinator.max_concurrent_tasks must be positive")
	}
	if c.Coordinator.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("coordinator.default_task_timeout must be positive")
	}
	if c.Coordinator.MaxLoadThreshold <= 0 || c.Coordinator.MaxLoadThreshold > 1 {
		return fmt.Errorf("coordinator.max_load_threshold must be in (0, 1]")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.base_delay")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1")
	}
	return nil
}

// RetryPolicy converts the default retry section into a task retry policy
func (c *Config) RetryPolicy() *types.RetryPolicy {
	return &types.RetryPolicy{
		MaxRetries:    c.Retry.MaxRetries,
		BaseDelay:     c.Retry.BaseDelay.Std(),
		MaxDelay:      c.Retry.MaxDelay.Std(),
		BackoffFactor: c.Retry.BackoffFactor,
	}
}
