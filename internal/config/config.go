// Package config loads runtime configuration from .loom/config.yaml with
// LOOM_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Pack        PackConfig        `mapstructure:"pack"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Daemon      DaemonConfig      `mapstructure:"daemon"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// RecoveryConfig controls worker stall detection and resume.
type RecoveryConfig struct {
	// StallTimeout is how long a worker may go without a heartbeat before
	// it is declared stalled.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// ResumeTimeout bounds each resume attempt.
	ResumeTimeout time.Duration `mapstructure:"resume_timeout"`
	// MaxRetries is the resume-attempt ceiling before escalation.
	MaxRetries int `mapstructure:"max_retries"`
	// CheckpointEnabled gates automatic checkpointing on stall.
	CheckpointEnabled bool `mapstructure:"checkpoint_enabled"`
	// HeartbeatInterval is advisory for workers; the supervisor only
	// enforces StallTimeout.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// PersistenceConfig controls the event log and cache.
type PersistenceConfig struct {
	// EventRetention is the purge cutoff age for event log entries.
	// Zero disables purging.
	EventRetention time.Duration `mapstructure:"event_retention"`
}

// PackConfig controls memory pack export.
type PackConfig struct {
	// Compress selects .tar.gz output over a plain directory.
	Compress bool `mapstructure:"compress"`
	// IncludeSummary includes the derived summary member on export.
	IncludeSummary bool `mapstructure:"include_summary"`
}

// SyncConfig controls the commit gate.
type SyncConfig struct {
	// CommitMessage is the default message when none is given.
	CommitMessage string `mapstructure:"commit_message"`
}

// DaemonConfig controls watch mode.
type DaemonConfig struct {
	// Debounce is the quiet window after a file change before a
	// reconcile fires.
	Debounce time.Duration `mapstructure:"debounce"`
	// TickInterval is the supervisor polling period.
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// LoggingConfig controls the rotating file log.
type LoggingConfig struct {
	// MaxSizeMB is the rotation threshold per log file.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays prunes rotated files older than this.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		Recovery: RecoveryConfig{
			StallTimeout:      2 * time.Minute,
			ResumeTimeout:     2 * time.Minute,
			MaxRetries:        3,
			CheckpointEnabled: true,
			HeartbeatInterval: 30 * time.Second,
		},
		Persistence: PersistenceConfig{
			EventRetention: 90 * 24 * time.Hour,
		},
		Pack: PackConfig{
			Compress:       true,
			IncludeSummary: true,
		},
		Sync: SyncConfig{
			CommitMessage: "loom: update canonical records",
		},
		Daemon: DaemonConfig{
			Debounce:     500 * time.Millisecond,
			TickInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("recovery.stall_timeout", d.Recovery.StallTimeout)
	v.SetDefault("recovery.resume_timeout", d.Recovery.ResumeTimeout)
	v.SetDefault("recovery.max_retries", d.Recovery.MaxRetries)
	v.SetDefault("recovery.checkpoint_enabled", d.Recovery.CheckpointEnabled)
	v.SetDefault("recovery.heartbeat_interval", d.Recovery.HeartbeatInterval)

	v.SetDefault("persistence.event_retention", d.Persistence.EventRetention)

	v.SetDefault("pack.compress", d.Pack.Compress)
	v.SetDefault("pack.include_summary", d.Pack.IncludeSummary)

	v.SetDefault("sync.commit_message", d.Sync.CommitMessage)

	v.SetDefault("daemon.debounce", d.Daemon.Debounce)
	v.SetDefault("daemon.tick_interval", d.Daemon.TickInterval)

	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

// Load reads config.yaml from recordDir, applies LOOM_* environment
// overrides, and validates. A missing file yields the defaults.
func Load(recordDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(recordDir)
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.Recovery.StallTimeout <= 0 {
		return fmt.Errorf("recovery.stall_timeout must be positive")
	}
	if c.Recovery.ResumeTimeout <= 0 {
		return fmt.Errorf("recovery.resume_timeout must be positive")
	}
	if c.Recovery.MaxRetries < 1 {
		return fmt.Errorf("recovery.max_retries must be at least 1")
	}
	if c.Persistence.EventRetention < 0 {
		return fmt.Errorf("persistence.event_retention must not be negative")
	}
	if c.Daemon.Debounce <= 0 {
		return fmt.Errorf("daemon.debounce must be positive")
	}
	return nil
}

// File returns the config file path under recordDir.
func File(recordDir string) string {
	return filepath.Join(recordDir, "config.yaml")
}
