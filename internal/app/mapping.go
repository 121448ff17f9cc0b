package app

import (
	"time"

	"tickerd/internal/analysis"
	"tickerd/internal/config"
	"tickerd/internal/eventbus"
	"tickerd/internal/server"
	"tickerd/internal/storage"
	"tickerd/internal/task/engine"
	"tickerd/internal/watchlist"
)

// Mapping from the serialized config (duration strings, omitted fields) to
// component configs lives here so components stay free of parsing concerns.

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	rt, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 120*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{Addr: cfg.Server.Addr, ReadTimeout: rt, IdleTimeout: it}, nil
}

func mapRegistryConfig(cfg *config.Config) (engine.RegistryConfig, error) {
	gp, err := config.ParseDurationOrDefault("registry.grace_period", cfg.Registry.GracePeriod, 10*time.Minute)
	if err != nil {
		return engine.RegistryConfig{}, err
	}
	si, err := config.ParseDurationOrDefault("registry.sweep_interval", cfg.Registry.SweepInterval, time.Minute)
	if err != nil {
		return engine.RegistryConfig{}, err
	}
	return engine.RegistryConfig{GracePeriod: gp, SweepInterval: si}, nil
}

func mapRunnerConfig(cfg *config.Config) (engine.RunnerConfig, error) {
	to, err := config.ParseDurationOrDefault("runner.timeout", cfg.Runner.Timeout, 2*time.Minute)
	if err != nil {
		return engine.RunnerConfig{}, err
	}
	di, err := config.ParseDurationField("runner.dispatch_interval", cfg.Runner.DispatchInterval)
	if err != nil {
		return engine.RunnerConfig{}, err
	}
	return engine.RunnerConfig{Workers: cfg.Runner.Workers, Timeout: to, DispatchInterval: di}, nil
}

func mapBusConfig(cfg *config.Config) (eventbus.Config, error) {
	hb, err := config.ParseDurationOrDefault("bus.heartbeat_interval", cfg.Bus.HeartbeatInterval, 15*time.Second)
	if err != nil {
		return eventbus.Config{}, err
	}
	return eventbus.Config{SubscriberBuffer: cfg.Bus.SubscriberBuffer, HeartbeatInterval: hb}, nil
}

func mapAnalysisConfig(cfg *config.Config) (analysis.ClientConfig, error) {
	to, err := config.ParseDurationOrDefault("analysis.timeout", cfg.Analysis.Timeout, 90*time.Second)
	if err != nil {
		return analysis.ClientConfig{}, err
	}
	return analysis.ClientConfig{Endpoint: cfg.Analysis.Endpoint, Timeout: to}, nil
}

func mapWatchlistConfig(cfg *config.Config) (watchlist.Config, error) {
	if cfg.Watchlist == nil {
		return watchlist.Config{}, nil
	}
	return watchlist.Config{
		Enabled:    cfg.Watchlist.Enabled,
		Schedule:   cfg.Watchlist.Schedule,
		Symbols:    cfg.Watchlist.Symbols,
		ReportType: cfg.Watchlist.ReportType,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil || cfg.Storage.Driver == "" || cfg.Storage.Driver == "none" {
		return storage.Config{}, false, nil
	}
	bt, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: bt}, true, nil
}
