// Package app wires the orchestrator together: config, logging, event bus,
// registry, runner, gateway, watchlist, storage, and the HTTP server.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tickerd/internal/analysis"
	"tickerd/internal/config"
	"tickerd/internal/eventbus"
	"tickerd/internal/gateway"
	"tickerd/internal/runtime/supervisor"
	"tickerd/internal/server"
	"tickerd/internal/storage"
	"tickerd/internal/task/engine"
	"tickerd/internal/watchlist"
	logx "tickerd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus    *eventbus.Bus
	store  storage.Store
	reg    *engine.Registry
	runner *engine.Runner
	gw     *gateway.Gateway
	wl     *watchlist.Service
	srv    *server.Server

	cfgCh chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(func(ctx context.Context, c *config.Config) error {
		_ = ctx
		return config.Validate(c)
	})

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	busCfg, err := mapBusConfig(cfg)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New(busCfg, logSvc.Logger().With(logx.String("comp", "bus")))

	regCfg, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := engine.NewRegistry(regCfg, logSvc.Logger().With(logx.String("comp", "registry")), bus)

	collabCfg, err := mapAnalysisConfig(cfg)
	if err != nil {
		return nil, err
	}
	collab, err := analysis.NewClient(collabCfg, logSvc.Logger().With(logx.String("comp", "analysis")))
	if err != nil {
		return nil, err
	}

	runCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner := engine.NewRunner(runCfg, logSvc.Logger().With(logx.String("comp", "runner")), reg, collab,
		newHistorySink(store, logSvc.Logger().With(logx.String("comp", "history"))))

	gw := gateway.New(logSvc.Logger().With(logx.String("comp", "gateway")), reg, runner)
	wl := watchlist.New(logSvc.Logger().With(logx.String("comp", "watchlist")), gw)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		runner:  runner,
		gw:      gw,
		wl:      wl,
	}

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.srv = server.New(srvCfg, logSvc.Logger().With(logx.String("comp", "http")), gw, reg, runner, bus, store, a.healthExtras)

	return a, nil
}

// Gateway exposes the submission entry point (used by tooling and tests).
func (a *App) Gateway() *gateway.Gateway { return a.gw }

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(false),
	)
	supCtx := a.sup.Context()

	a.runner.Start(supCtx)

	a.sup.GoRestart("bus.heartbeat", a.bus.Run)
	a.sup.GoRestart("registry.sweep", a.reg.Run)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.cfgCh = a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", a.applyLoop)

	if wc, err := mapWatchlistConfig(a.cfgm.Get()); err != nil {
		return err
	} else if err := a.wl.Apply(supCtx, wc); err != nil {
		return fmt.Errorf("watchlist: %w", err)
	}

	if err := a.srv.Start(supCtx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	a.notifySystemd(supCtx)

	a.log.Info("tickerd started", logx.String("addr", a.srv.Addr()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.srv.Stop(ctx)
	a.wl.Stop(ctx)
	a.runner.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	a.log.Info("tickerd stopped")
	return nil
}

// applyLoop consumes hot-reloaded configs. Logging and watchlist settings
// apply live; pool sizes, listen address, and storage need a restart and are
// only logged.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if wc, err := mapWatchlistConfig(cfg); err != nil {
				a.log.Warn("watchlist config rejected", logx.Err(err))
			} else if err := a.wl.Apply(ctx, wc); err != nil {
				a.log.Warn("watchlist apply failed", logx.Err(err))
			}
			a.log.Info("config applied (runner/server/storage changes need a restart)")
		}
	}
}

func (a *App) healthExtras() map[string]any {
	out := map[string]any{}
	if a.sup != nil {
		out["goroutines"] = a.sup.Counters()
	}
	return out
}

// notifySystemd signals readiness and keeps the watchdog fed when running
// under systemd. Outside systemd both calls are no-ops.
func (a *App) notifySystemd(ctx context.Context) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("sd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	_ = ctx
}
