package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"backend_gateway/internal/config"
	"backend_gateway/internal/limits"
	"backend_gateway/internal/obs"
)

const defaultGracefulTimeout = 10 * time.Second

type ShutdownConfig struct {
	// GracefulTimeout bounds both the request drain and the stopper phase.
	GracefulTimeout time.Duration
}

func ShutdownFromConfig(cfg config.ShutdownConfig) ShutdownConfig {
	return ApplyShutdownDefaults(ShutdownConfig{GracefulTimeout: cfg.GracefulTimeout})
}

func ApplyShutdownDefaults(cfg ShutdownConfig) ShutdownConfig {
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	return cfg
}

type Server struct {
	Addr string

	httpServer   *http.Server
	ln           net.Listener
	shutdown     ShutdownConfig
	stoppers     []Stopper
	closeIdle    []func()
	logger       *slog.Logger
	served       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Stopper is a component torn down after in-flight requests drain.
type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

type Options struct {
	Limits    limits.Limits
	Shutdown  ShutdownConfig
	Stoppers  []Stopper
	CloseIdle []func()
	Logger    *slog.Logger
}

func Start(handler http.Handler, addr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if addr == "" {
		return nil, errors.New("no listen address configured")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}
	logger := options.Logger
	if logger == nil {
		logger = obs.DiscardLogger()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	httpSrv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		ReadTimeout:       limitConfig.ReadTimeout,
		WriteTimeout:      limitConfig.WriteTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	s := &Server{
		Addr:       ln.Addr().String(),
		httpServer: httpSrv,
		ln:         ln,
		shutdown:   ApplyShutdownDefaults(options.Shutdown),
		stoppers:   options.Stoppers,
		closeIdle:  options.CloseIdle,
		logger:     logger,
		served:     make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	defer close(s.served)
	if err := s.httpServer.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("server error", "addr", s.Addr, "error", err)
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

// Shutdown stops accepting, drains in-flight requests, then runs stoppers in
// order. It is safe to call more than once.
func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer gracefulCancel()

	var firstErr error
	if err := s.httpServer.Shutdown(gracefulCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		firstErr = err
		s.logger.Warn("graceful drain incomplete, closing connections", "error", err)
		_ = s.httpServer.Close()
	}
	<-s.served

	for _, closeIdle := range s.closeIdle {
		if closeIdle != nil {
			closeIdle()
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer stopCancel()
	for _, stopper := range s.stoppers {
		if stopper == nil {
			continue
		}
		if err := stopper.Stop(stopCtx); err != nil {
			s.logger.Warn("stopper failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
