// Package server exposes the operator HTTP surface: job and account CRUD,
// lifecycle actions, progress, and system control.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/config"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/scheduler"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/store"
)

// Server is the sorafarm HTTP server. It owns the scheduler lifecycle:
// the worker loops start with the server and drain on shutdown.
type Server struct {
	httpServer *http.Server
	store      store.Store
	sched      *scheduler.Scheduler
	configMgr  *config.Manager
	logger     *slog.Logger

	mu      sync.RWMutex
	running bool
}

// Config holds server wiring.
type Config struct {
	Store         store.Store
	Scheduler     *scheduler.Scheduler
	ConfigManager *config.Manager
	Logger        *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server requires a store")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("server requires a scheduler")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		store:     cfg.Store,
		sched:     cfg.Scheduler,
		configMgr: cfg.ConfigManager,
		logger:    cfg.Logger,
	}

	sc := cfg.ConfigManager.Get().Server
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(sc.Host, sc.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start runs the scheduler and HTTP server. It blocks until ctx is
// cancelled or an error occurs, then shuts both down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()
	defer s.setNotRunning()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- s.sched.Run(runCtx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-httpErr:
		if err != nil {
			cancel()
			<-schedErr
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case err := <-schedErr:
		if err != nil {
			return fmt.Errorf("scheduler error: %w", err)
		}
	}

	return s.shutdown(cancel, schedErr)
}

func (s *Server) shutdown(cancel context.CancelFunc, schedErr <-chan error) error {
	s.logger.Info("shutting down server")

	shutdownCtx, release := context.WithTimeout(context.Background(), 30*time.Second)
	defer release()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	cancel()
	select {
	case err := <-schedErr:
		if err != nil {
			s.logger.Error("scheduler stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		s.logger.Warn("scheduler did not stop before deadline")
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether the server is active.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
