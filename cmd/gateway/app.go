package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"backend_gateway/internal/cache"
	"backend_gateway/internal/config"
	"backend_gateway/internal/gateway"
	"backend_gateway/internal/health"
	"backend_gateway/internal/limits"
	"backend_gateway/internal/obs"
	"backend_gateway/internal/server"
	"backend_gateway/internal/supervisor"
	"backend_gateway/internal/upstream"
)

const grpcTrackInterval = time.Second

// app holds every long-lived component of a running gateway.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	limits     limits.Limits
	metrics    *obs.Metrics
	store      *cache.MemoryStore
	supervisor *supervisor.Supervisor
	client     *upstream.Client
	grpc       *health.GRPCServer
	handler    http.Handler

	cancel context.CancelFunc
	loops  sync.WaitGroup
}

func newApp(cfg *config.Config, logger *slog.Logger, accessLog io.Writer) (*app, error) {
	lim, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return nil, err
	}
	mode, err := cache.ParseFingerprintMode(cfg.Cache.Fingerprint)
	if err != nil {
		return nil, err
	}
	port, err := config.UpstreamPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("upstream.addr: %w", err)
	}

	metrics := obs.NewMetrics()
	store := cache.NewMemoryStore(cache.Options{TTL: cfg.Cache.TTL, MaxEntries: cfg.Cache.MaxEntries})
	transport := upstream.DefaultTransportOptions()
	transport.DialTimeout = cfg.Upstream.DialTimeout
	client, err := upstream.NewClient(upstream.Config{
		Addr:        cfg.Upstream.Addr,
		Path:        cfg.Upstream.Path,
		Timeout:     cfg.Upstream.Timeout,
		ResultField: cfg.Upstream.ResultField,
		Transport:   transport,
	}, metrics)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(supervisor.Config{
		Executable:      cfg.Backend.Executable,
		Args:            cfg.Backend.Args,
		WorkDir:         cfg.Backend.WorkDir,
		Env:             cfg.Backend.Env,
		Port:            port,
		HealthURL:       cfg.HealthURL(),
		SettleDelay:     cfg.Backend.SettleDelay,
		ReadyTimeout:    cfg.Backend.ReadyTimeout,
		ShutdownGrace:   cfg.Backend.ShutdownGrace,
		LockFile:        cfg.Backend.LockFile,
		WatchExecutable: cfg.Backend.WatchExecutable,
		WatchDebounce:   cfg.Backend.WatchDebounce,
		OnExit:          client.CloseIdle,
	}, logger, metrics)

	var access *obs.AccessLogger
	if cfg.Log.AccessLog {
		access = obs.NewAccessLogger(accessLog)
	}
	handler := &gateway.Handler{
		Cache:           store,
		Backend:         sup,
		Upstream:        client,
		Metrics:         metrics,
		Logger:          logger.With("component", "gateway"),
		AccessLog:       access,
		FingerprintMode: mode,
		MaxBodyBytes:    lim.MaxBodyBytes,
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		limits:     lim,
		metrics:    metrics,
		store:      store,
		supervisor: sup,
		client:     client,
	}

	// Only GET and HEAD reach the operational routes; every other method,
	// OPTIONS included, falls through to the gateway handler.
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", gateway.WithCORS(metrics.Handler()))
	mux.Handle("GET /healthz", gateway.WithCORS(a.healthzHandler()))
	mux.Handle("/", handler)
	a.handler = mux
	return a, nil
}

// start launches the background loops: cache sweeper, executable watcher and
// the gRPC health service.
func (a *app) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.cfg.GRPCHealthAddr != "" {
		grpcServer, err := health.StartGRPC(a.cfg.GRPCHealthAddr)
		if err != nil {
			cancel()
			return fmt.Errorf("grpc health: %w", err)
		}
		a.grpc = grpcServer
		a.logger.Info("grpc health listening", "addr", grpcServer.Addr)
		a.goLoop(func() { grpcServer.Track(ctx, grpcTrackInterval, a.supervisor.Running) })
	}

	a.goLoop(func() {
		a.store.RunSweeper(ctx, a.cfg.Cache.SweepInterval, func(removed, remaining int) {
			a.metrics.SetCacheEntries(remaining)
			if removed > 0 {
				a.logger.Debug("cache sweep", "removed", removed, "remaining", remaining)
			}
		})
	})

	if a.cfg.Backend.WatchExecutable {
		a.goLoop(func() {
			if err := a.supervisor.Watch(ctx); err != nil {
				a.logger.Warn("executable watcher stopped", "error", err)
			}
		})
	}
	return nil
}

func (a *app) goLoop(fn func()) {
	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		fn()
	}()
}

// stoppers run after the HTTP listener has drained.
func (a *app) stoppers() []server.Stopper {
	return []server.Stopper{
		server.StopFunc(func(ctx context.Context) error {
			if a.cancel != nil {
				a.cancel()
			}
			a.loops.Wait()
			return nil
		}),
		server.StopFunc(func(ctx context.Context) error {
			return a.grpc.Stop(ctx)
		}),
		server.StopFunc(a.supervisor.Shutdown),
	}
}

type healthzResponse struct {
	Status       string            `json:"status"`
	Backend      supervisor.Status `json:"backend"`
	CacheEntries int               `json:"cache_entries"`
}

// healthzHandler reports gateway liveness and the backend snapshot. It never
// launches the backend.
func (a *app) healthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthzResponse{
			Status:       "ok",
			Backend:      a.supervisor.Status(),
			CacheEntries: a.store.Len(),
		})
	})
}
