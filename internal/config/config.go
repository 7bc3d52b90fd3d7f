// Package config loads posync configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/posync/internal/connectivity"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/retention"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
	"github.com/kimhsiao/posync/internal/sync/queue"
	"github.com/kimhsiao/posync/internal/sync/remote"
	"github.com/kimhsiao/posync/internal/sync/scheduler"
)

// Config is the full posync configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	Remote       RemoteConfig       `yaml:"remote"`
	Redis        RedisConfig        `yaml:"redis"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Retention    RetentionConfig    `yaml:"retention"`
	Agent        AgentConfig        `yaml:"agent"`
}

// RemoteConfig configures the REST server.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig configures the redundant cache tier. An empty Addr keeps the
// tier in memory.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// SyncConfig configures drain passes.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	Debounce      time.Duration `yaml:"debounce"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeURL      string        `yaml:"probe_url"`
}

// RetentionConfig configures quota enforcement.
type RetentionConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	Horizon       time.Duration `yaml:"horizon"`
	QuotaBytes    int64         `yaml:"quota_bytes"`
	HighWater     float64       `yaml:"high_water"`
}

// AgentConfig configures the background delivery agent's asset cache.
type AgentConfig struct {
	Origin   string   `yaml:"origin"`
	Version  string   `yaml:"version"`
	Manifest []string `yaml:"manifest"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		Listen:   "127.0.0.1:8090",
		LogLevel: "info",
		Remote: RemoteConfig{
			Timeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			Interval:    30 * time.Second,
			MaxRetries:  queue.DefaultMaxRetries,
			BackoffBase: queue.DefaultBackoff.Base,
			BackoffMax:  queue.DefaultBackoff.Max,
		},
		Connectivity: ConnectivityConfig{
			Debounce:      2 * time.Second,
			ProbeInterval: 10 * time.Second,
		},
		Retention: RetentionConfig{
			CheckInterval: 5 * time.Minute,
			Horizon:       720 * time.Hour,
			QuotaBytes:    256 << 20,
			HighWater:     0.8,
		},
		Agent: AgentConfig{
			Version:  "v1",
			Manifest: []string{"/", "/index.html", "/app.js", "/app.css", "/manifest.json"},
		},
	}
}

// Load reads the YAML file at path, if any, over the defaults and then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrNotConfigured, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "parse config file", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from POSYNC_* variables. DB_PATH is honoured as
// the data directory when POSYNC_DATA_DIR is unset.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DB_PATH"); ok && v != "" {
		c.DataDir = v
	}

	strs := map[string]*string{
		"POSYNC_DATA_DIR":     &c.DataDir,
		"POSYNC_LISTEN":       &c.Listen,
		"POSYNC_LOG_LEVEL":    &c.LogLevel,
		"POSYNC_REMOTE_URL":   &c.Remote.BaseURL,
		"POSYNC_REMOTE_TOKEN": &c.Remote.Token,
		"POSYNC_REDIS_ADDR":   &c.Redis.Addr,
		"POSYNC_PROBE_URL":    &c.Connectivity.ProbeURL,
		"POSYNC_AGENT_ORIGIN": &c.Agent.Origin,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"POSYNC_REMOTE_TIMEOUT":    &c.Remote.Timeout,
		"POSYNC_SYNC_INTERVAL":     &c.Sync.Interval,
		"POSYNC_DEBOUNCE":          &c.Connectivity.Debounce,
		"POSYNC_PROBE_INTERVAL":    &c.Connectivity.ProbeInterval,
		"POSYNC_RETENTION_CHECK":   &c.Retention.CheckInterval,
		"POSYNC_RETENTION_HORIZON": &c.Retention.Horizon,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, key, err)
		}
		*dst = d
	}

	if v, ok := lookup("POSYNC_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "POSYNC_MAX_RETRIES", err)
		}
		c.Sync.MaxRetries = n
	}
	if v, ok := lookup("POSYNC_QUOTA_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "POSYNC_QUOTA_BYTES", err)
		}
		c.Retention.QuotaBytes = n
	}
	return nil
}

// Validate checks the configuration for values the components cannot use.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.Sync.MaxRetries < 1 {
		problems = append(problems, "sync.max_retries must be at least 1")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		problems = append(problems, "sync.backoff_base must be positive and not above sync.backoff_max")
	}
	if c.Retention.HighWater <= 0 || c.Retention.HighWater > 1 {
		problems = append(problems, "retention.high_water must be in (0, 1]")
	}
	if c.Retention.QuotaBytes <= 0 {
		problems = append(problems, "retention.quota_bytes must be positive")
	}
	if c.Connectivity.Debounce < 0 {
		problems = append(problems, "connectivity.debounce must not be negative")
	}
	if len(problems) > 0 {
		return errors.New(errors.ErrInvalid, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}

// AssetDir is where the agent keeps cached asset generations.
func (c *Config) AssetDir() string {
	return filepath.Join(c.DataDir, "assets")
}

// ProbeTarget returns the URL probed for reachability.
func (c *Config) ProbeTarget() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	if c.Remote.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.Remote.BaseURL, "/") + "/auth/verify"
}

// EngineConfig returns the reconciliation engine settings.
func (c *Config) EngineConfig() syncpkg.Config {
	return syncpkg.Config{
		MaxRetries: c.Sync.MaxRetries,
		Backoff:    queue.Backoff{Base: c.Sync.BackoffBase, Max: c.Sync.BackoffMax},
	}
}

// RemoteClientConfig returns the REST client settings.
func (c *Config) RemoteClientConfig() remote.Config {
	return remote.Config{BaseURL: c.Remote.BaseURL, Timeout: c.Remote.Timeout}
}

// MonitorConfig returns the connectivity monitor settings.
func (c *Config) MonitorConfig() connectivity.Config {
	return connectivity.Config{
		Debounce:      c.Connectivity.Debounce,
		ProbeInterval: c.Connectivity.ProbeInterval,
	}
}

// RetentionManagerConfig returns the quota settings.
func (c *Config) RetentionManagerConfig() retention.Config {
	return retention.Config{
		QuotaBytes: c.Retention.QuotaBytes,
		HighWater:  c.Retention.HighWater,
		Horizon:    c.Retention.Horizon,
	}
}

// SchedulerConfig returns the scheduler settings.
func (c *Config) SchedulerConfig() *scheduler.SchedulerConfig {
	return &scheduler.SchedulerConfig{
		SyncInterval:      c.Sync.Interval,
		RetentionInterval: c.Retention.CheckInterval,
	}
}

// String renders the configuration with the token masked.
func (c *Config) String() string {
	masked := *c
	if masked.Remote.Token != "" {
		masked.Remote.Token = "***"
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}
