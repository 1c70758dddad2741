// Package config loads sorafarm configuration via viper with optional
// hot reload of scheduler tunables.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
}

// ServerConfig configures the HTTP operator surface.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// StorageConfig configures the database and download locations.
type StorageConfig struct {
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	DownloadDir string `mapstructure:"download_dir" yaml:"download_dir"`
}

// SchedulerConfig holds the orchestration tunables. The scheduler reads
// these through the Manager on every decision, so a hot reload takes
// effect without a restart.
type SchedulerConfig struct {
	Platform            string `mapstructure:"platform" yaml:"platform"`
	QueueSize           int    `mapstructure:"queue_size" yaml:"queue_size"`
	GenerateConcurrency int    `mapstructure:"generate_concurrency" yaml:"generate_concurrency"`
	PollBatchSize       int    `mapstructure:"poll_batch_size" yaml:"poll_batch_size"`
	DownloadConcurrency int    `mapstructure:"download_concurrency" yaml:"download_concurrency"`

	CooldownSeconds    int `mapstructure:"cooldown_seconds" yaml:"cooldown_seconds"`
	EnqueueTimeoutSecs int `mapstructure:"enqueue_timeout_seconds" yaml:"enqueue_timeout_seconds"`
	RequeueDelaySecs   int `mapstructure:"requeue_delay_seconds" yaml:"requeue_delay_seconds"`
	PollDelaySecs      int `mapstructure:"poll_delay_seconds" yaml:"poll_delay_seconds"`
	DeepCheckTimeout   int `mapstructure:"deep_check_timeout_seconds" yaml:"deep_check_timeout_seconds"`

	StalenessMinutes int `mapstructure:"staleness_minutes" yaml:"staleness_minutes"`
	SweepSeconds     int `mapstructure:"sweep_seconds" yaml:"sweep_seconds"`

	CreditThreshold    int   `mapstructure:"credit_threshold" yaml:"credit_threshold"`
	MaxAccountSwitches int   `mapstructure:"max_account_switches" yaml:"max_account_switches"`
	MaxTaskRetries     int   `mapstructure:"max_task_retries" yaml:"max_task_retries"`
	MinFileSizeBytes   int64 `mapstructure:"min_file_size_bytes" yaml:"min_file_size_bytes"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Storage: StorageConfig{
			DataDir:     "data",
			DownloadDir: "data/downloads",
		},
		Scheduler: SchedulerConfig{
			Platform:            "sora",
			QueueSize:           1000,
			GenerateConcurrency: 20,
			PollBatchSize:       20,
			DownloadConcurrency: 5,
			CooldownSeconds:     30,
			EnqueueTimeoutSecs:  5,
			RequeueDelaySecs:    10,
			PollDelaySecs:       15,
			DeepCheckTimeout:    30,
			StalenessMinutes:    15,
			SweepSeconds:        60,
			CreditThreshold:     1,
			MaxAccountSwitches:  10,
			MaxTaskRetries:      3,
			MinFileSizeBytes:    10_000,
		},
	}
}

// Cooldown returns the per-account submit spacing.
func (c SchedulerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// EnqueueTimeout bounds how long a producer blocks on a full queue.
func (c SchedulerConfig) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutSecs) * time.Second
}

// RequeueDelay spaces capacity and backpressure re-enqueues.
func (c SchedulerConfig) RequeueDelay() time.Duration {
	return time.Duration(c.RequeueDelaySecs) * time.Second
}

// PollDelay spaces successive polls of a still-running job.
func (c SchedulerConfig) PollDelay() time.Duration {
	return time.Duration(c.PollDelaySecs) * time.Second
}

// DeepCheckWindow bounds a single remote completion scan.
func (c SchedulerConfig) DeepCheckWindow() time.Duration {
	return time.Duration(c.DeepCheckTimeout) * time.Second
}

// StalenessWindow is how long a job may go without progress before the
// recovery monitor steps in.
func (c SchedulerConfig) StalenessWindow() time.Duration {
	return time.Duration(c.StalenessMinutes) * time.Minute
}

// SweepInterval spaces recovery sweeps.
func (c SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// NewStaticManager wraps a fixed config with no file or env binding.
// Useful for tests and embedding.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{config: cfg}
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("server", defaults.Server)
	viper.SetDefault("storage", defaults.Storage)
	viper.SetDefault("scheduler", defaults.Scheduler)

	// Environment variables with SORAFARM_ prefix
	viper.SetEnvPrefix("SORAFARM")
	viper.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.sorafarm")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Scheduler returns the current scheduler tunables.
func (cm *Manager) Scheduler() SchedulerConfig {
	return cm.Get().Scheduler
}

// OnChange registers a callback invoked after every successful reload.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// Watch starts watching the config file for changes. A reload that fails
// to parse keeps the previous config in place.
func (cm *Manager) Watch() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// Render returns the effective config as YAML.
func (cm *Manager) Render() (string, error) {
	b, err := yaml.Marshal(cm.Get())
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(b), nil
}
