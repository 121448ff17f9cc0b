// Package server exposes the orchestrator's HTTP surface: submission,
// task reads, the SSE event stream, report history, and health.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"tickerd/internal/eventbus"
	"tickerd/internal/gateway"
	"tickerd/internal/storage"
	"tickerd/internal/task/engine"
	logx "tickerd/pkg/logx"
)

type Config struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8300"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	return c
}

// HealthFunc supplies extra diagnostics merged into /healthz.
type HealthFunc func() map[string]any

type Server struct {
	cfg Config
	log logx.Logger

	gw     *gateway.Gateway
	reg    *engine.Registry
	runner *engine.Runner
	bus    *eventbus.Bus
	store  storage.Store // may be nil
	health HealthFunc    // may be nil

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, log logx.Logger, gw *gateway.Gateway, reg *engine.Registry, runner *engine.Runner, bus *eventbus.Bus, store storage.Store, health HealthFunc) *Server {
	return &Server{
		cfg:    cfg.withDefaults(),
		log:    log,
		gw:     gw,
		reg:    reg,
		runner: runner,
		bus:    bus,
		store:  store,
		health: health,
	}
}

// Addr returns the bound listen address ("" before Start).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Start(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.routes(),
		ReadTimeout: s.cfg.ReadTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
		// WriteTimeout stays 0: /api/events connections are long-lived.
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.String("addr", s.addr), logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", s.addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	addr := s.addr
	s.addr = ""
	s.mu.Unlock()

	if srv == nil {
		return
	}
	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("http server stopped", logx.String("addr", addr))
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/analyze", s.handleSubmit)
	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /api/events", s.handleStream)
	mux.HandleFunc("GET /api/reports", s.handleReports)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}
