// Package config loads the runtime's layered configuration: a TOML
// process-settings file (bus tuning, supervisor cadence, audit
// retention, metrics/mesh toggles) plus a YAML agent roster for the
// initial fleet. Grounded on the teacher's internal/config package —
// same Load/Save/Reload/Watcher shape — adapted from EvoClaw's JSON
// server settings to the TOML+YAML split SPEC_FULL.md calls for, using
// the same two libraries (`BurntSushi/toml`, `gopkg.in/yaml.v3`) the
// teacher already depends on for its own config formats elsewhere
// (skill.toml manifests, skill.yaml definitions).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/clawinfra/evoclaw/internal/bus"
	"github.com/clawinfra/evoclaw/internal/supervisor"
)

// Config holds every process-level setting the runtime reads at startup
// or on hot-reload.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Bus        BusConfig        `toml:"bus"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Audit      AuditConfig      `toml:"audit"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mesh       MeshConfig       `toml:"mesh"`
}

type ServerConfig struct {
	Port       int    `toml:"port"`
	DataDir    string `toml:"data_dir"`
	LogLevel   string `toml:"log_level"`
	RosterPath string `toml:"roster_path"`

	// KVPath, if set, persists registry state to a kv.SQLite file at
	// this path instead of the ephemeral kv.Mem default
	// (spec §6: "MemKV ... for tests and the default ephemeral mode").
	KVPath string `toml:"kv_path"`
}

// BusConfig mirrors bus.Config with millisecond durations, since TOML
// has no native duration type.
type BusConfig struct {
	DefaultCapacity      int `toml:"default_capacity"`
	MaxAttempts          int `toml:"max_attempts"`
	RetryBaseMs          int `toml:"retry_base_ms"`
	RetryMaxBackoffMs    int `toml:"retry_max_backoff_ms"`
	DefaultEnqueueWaitMs int `toml:"default_enqueue_wait_ms"`
	MaxParallelFanout    int `toml:"max_parallel_fanout"`

	// Durable switches dead-letter persistence from in-process (lost on
	// restart) to a NATS JetStream-backed queue.NATS at NATSURL.
	Durable bool   `toml:"durable"`
	NATSURL string `toml:"nats_url"`
}

// ToBusConfig converts to the bus package's native Config.
func (b BusConfig) ToBusConfig() bus.Config {
	return bus.Config{
		DefaultCapacity:    b.DefaultCapacity,
		MaxAttempts:        b.MaxAttempts,
		RetryBase:          time.Duration(b.RetryBaseMs) * time.Millisecond,
		RetryMaxBackoff:    time.Duration(b.RetryMaxBackoffMs) * time.Millisecond,
		DefaultEnqueueWait: time.Duration(b.DefaultEnqueueWaitMs) * time.Millisecond,
		MaxParallelFanout:  b.MaxParallelFanout,
	}
}

// SupervisorConfig mirrors supervisor.Config, same millisecond rationale.
type SupervisorConfig struct {
	HealthIntervalMs     int     `toml:"health_interval_ms"`
	HeartbeatStalenessMs int     `toml:"heartbeat_staleness_ms"`
	InboxSoftLimit       int     `toml:"inbox_soft_limit"`
	ErrorRateCeiling     float64 `toml:"error_rate_ceiling"`
	ErrorWindow          int     `toml:"error_window"`
	RestartBaseMs        int     `toml:"restart_base_ms"`
	RestartMaxBackoffMs  int     `toml:"restart_max_backoff_ms"`
	MaxRestarts          int     `toml:"max_restarts"`
	DrainDeadlineMs      int     `toml:"drain_deadline_ms"`
	HealthyStreakToRun   int     `toml:"healthy_streak_to_run"`
}

// ToSupervisorConfig converts to the supervisor package's native Config.
func (s SupervisorConfig) ToSupervisorConfig() supervisor.Config {
	return supervisor.Config{
		HealthInterval:     time.Duration(s.HealthIntervalMs) * time.Millisecond,
		HeartbeatStaleness: time.Duration(s.HeartbeatStalenessMs) * time.Millisecond,
		InboxSoftLimit:     s.InboxSoftLimit,
		ErrorRateCeiling:   s.ErrorRateCeiling,
		ErrorWindow:        s.ErrorWindow,
		RestartBase:        time.Duration(s.RestartBaseMs) * time.Millisecond,
		RestartMaxBackoff:  time.Duration(s.RestartMaxBackoffMs) * time.Millisecond,
		MaxRestarts:        s.MaxRestarts,
		DrainDeadline:      time.Duration(s.DrainDeadlineMs) * time.Millisecond,
		HealthyStreakToRun: s.HealthyStreakToRun,
	}
}

type AuditConfig struct {
	Enabled   bool   `toml:"enabled"`
	Dir       string `toml:"dir"`
	RetainMax int    `toml:"retain_max"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// MeshConfig configures the optional MQTT bridge channel (SPEC_FULL.md's
// internal/mesh).
type MeshConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
}

// AgentDef is one entry in the YAML agent roster: the initial set of
// descriptors registered at startup (spec §3 AgentDescriptor, minus the
// fields the registry computes itself — State, LastHeartbeatAt,
// ConsecutiveFailures, QueueDepth).
type AgentDef struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Capabilities  []string          `yaml:"capabilities"`
	Relationships []string          `yaml:"relationships,omitempty"`
	Config        map[string]string `yaml:"config,omitempty"`
}

// DefaultConfig returns sane defaults for a single-node deployment. The
// bus values match bus.DefaultConfig; the supervisor values match
// supervisor.DefaultConfig except RestartBaseMs (500 here, 1s there)
// and HealthyStreakToRun (3 here, 2 there).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       8420,
			DataDir:    "./data",
			LogLevel:   "info",
			RosterPath: "./agents.yaml",
		},
		Bus: BusConfig{
			DefaultCapacity:      256,
			MaxAttempts:          5,
			RetryBaseMs:          200,
			RetryMaxBackoffMs:    30_000,
			DefaultEnqueueWaitMs: 2_000,
			MaxParallelFanout:    8,
		},
		Supervisor: SupervisorConfig{
			HealthIntervalMs:     2_000,
			HeartbeatStalenessMs: 10_000,
			InboxSoftLimit:       100,
			ErrorRateCeiling:     0.5,
			ErrorWindow:          20,
			RestartBaseMs:        500,
			RestartMaxBackoffMs:  60_000,
			MaxRestarts:          5,
			DrainDeadlineMs:      5_000,
			HealthyStreakToRun:   3,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Dir:       "./data/audit",
			RetainMax: 10_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Mesh: MeshConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			ClientID: "mas",
		},
	}
}

// Load reads the process config from a TOML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes the config to a TOML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return nil
}

// LoadRoster reads the initial agent roster from a YAML file. A missing
// file is not an error — the runtime starts with an empty fleet and
// agents register themselves later via the Control API.
func LoadRoster(path string) ([]AgentDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agent roster: %w", err)
	}

	var roster struct {
		Agents []AgentDef `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parse agent roster: %w", err)
	}
	return roster.Agents, nil
}
