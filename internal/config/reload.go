package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/BurntSushi/toml"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string
	Applied []string
	Skipped []string
	Errors  []error
}

// restartRequiredFields lists top-level config fields that cannot be
// hot-reloaded because the component they configure is constructed once
// at startup and holds its tuning by value (Bus, Supervisor) or opens a
// listening connection at that value (Server.Port, Mesh.Broker).
var restartRequiredFields = map[string]bool{
	"Server.Port":       true,
	"Server.DataDir":    true,
	"Server.RosterPath": true,
	"Bus":               true,
	"Supervisor":        true,
	"Mesh":              true,
}

// hotReloadableFields lists fields applied in place at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Audit",
	"Metrics",
}

var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads path, diffs against c, and applies hot-reloadable
// changes in place. Fields that require a restart are reported as
// skipped rather than silently ignored.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	newCfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, newCfg); err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()
	diffAndApply(c, newCfg, result)

	return result, nil
}

func diffAndApply(old, new *Config, result *ReloadResult) {
	if old.Server.Port != new.Server.Port {
		result.Changed = append(result.Changed, "Server.Port")
		result.Skipped = append(result.Skipped, "Server.Port (requires restart)")
	}
	if old.Server.DataDir != new.Server.DataDir {
		result.Changed = append(result.Changed, "Server.DataDir")
		result.Skipped = append(result.Skipped, "Server.DataDir (requires restart)")
	}
	if old.Server.RosterPath != new.Server.RosterPath {
		result.Changed = append(result.Changed, "Server.RosterPath")
		result.Skipped = append(result.Skipped, "Server.RosterPath (requires restart)")
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		old.Server.LogLevel = new.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}

	if !reflect.DeepEqual(old.Bus, new.Bus) {
		result.Changed = append(result.Changed, "Bus")
		result.Skipped = append(result.Skipped, "Bus (requires restart)")
	}
	if !reflect.DeepEqual(old.Supervisor, new.Supervisor) {
		result.Changed = append(result.Changed, "Supervisor")
		result.Skipped = append(result.Skipped, "Supervisor (requires restart)")
	}
	if !reflect.DeepEqual(old.Mesh, new.Mesh) {
		result.Changed = append(result.Changed, "Mesh")
		result.Skipped = append(result.Skipped, "Mesh (requires restart)")
	}

	if !reflect.DeepEqual(old.Audit, new.Audit) {
		result.Changed = append(result.Changed, "Audit")
		old.Audit = new.Audit
		result.Applied = append(result.Applied, "Audit")
	}
	if !reflect.DeepEqual(old.Metrics, new.Metrics) {
		result.Changed = append(result.Changed, "Metrics")
		old.Metrics = new.Metrics
		result.Applied = append(result.Applied, "Metrics")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}
	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}
	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
