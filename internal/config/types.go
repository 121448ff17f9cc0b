package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Server   ServerConfig    `json:"server"`
	Registry RegistryConfig  `json:"registry,omitempty"`
	Runner   RunnerConfig    `json:"runner,omitempty"`
	Bus      BusConfig       `json:"bus,omitempty"`
	Analysis AnalysisConfig  `json:"analysis"`
	Watchlist *WatchlistConfig `json:"watchlist,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// ServerConfig controls the HTTP API listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Addr        string `json:"addr,omitempty"` // default: "127.0.0.1:8300"
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// RegistryConfig controls in-memory task retention.
//
// GracePeriod is how long finished tasks stay readable before eviction.
type RegistryConfig struct {
	GracePeriod   string `json:"grace_period,omitempty"`   // default: "10m"
	SweepInterval string `json:"sweep_interval,omitempty"` // default: "1m"
}

// RunnerConfig controls the analysis worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 3
//   - timeout: "2m"
//   - dispatch_interval: "0s" (no pacing)
type RunnerConfig struct {
	Workers          int    `json:"workers,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
	DispatchInterval string `json:"dispatch_interval,omitempty"`
}

// BusConfig controls event fan-out to stream subscribers.
type BusConfig struct {
	SubscriberBuffer  int    `json:"subscriber_buffer,omitempty"`  // default: 64
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"` // default: "15s"
}

// AnalysisConfig points at the external analysis service.
type AnalysisConfig struct {
	Endpoint string `json:"endpoint"`
	Timeout  string `json:"timeout,omitempty"` // default: "90s"
}

// WatchlistConfig drives scheduled analysis of a fixed symbol list.
//
// Schedule accepts a cron expression ("0 18 * * *", "cron:...") or a
// daily HH:MM time ("18:00").
type WatchlistConfig struct {
	Enabled    bool     `json:"enabled"`
	Schedule   string   `json:"schedule"`
	Symbols    []string `json:"symbols"`
	ReportType string   `json:"report_type,omitempty"`
}

// StorageConfig controls the optional report-history layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tickerd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Validate performs structural checks that do not depend on runtime state.
// It is used both at load and before committing a hot-reloaded config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Analysis.Endpoint) == "" {
		return fmt.Errorf("analysis.endpoint is required")
	}
	if cfg.Runner.Workers < 0 {
		return fmt.Errorf("runner.workers must be >= 0")
	}
	if cfg.Bus.SubscriberBuffer < 0 {
		return fmt.Errorf("bus.subscriber_buffer must be >= 0")
	}
	for _, field := range []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"registry.grace_period", cfg.Registry.GracePeriod},
		{"registry.sweep_interval", cfg.Registry.SweepInterval},
		{"runner.timeout", cfg.Runner.Timeout},
		{"runner.dispatch_interval", cfg.Runner.DispatchInterval},
		{"bus.heartbeat_interval", cfg.Bus.HeartbeatInterval},
		{"analysis.timeout", cfg.Analysis.Timeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if wl := cfg.Watchlist; wl != nil && wl.Enabled {
		if strings.TrimSpace(wl.Schedule) == "" {
			return fmt.Errorf("watchlist.schedule is required when watchlist is enabled")
		}
		if len(wl.Symbols) == 0 {
			return fmt.Errorf("watchlist.symbols is required when watchlist is enabled")
		}
	}
	return nil
}
