package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"backend_gateway/internal/config"
	"backend_gateway/internal/obs"
	"backend_gateway/internal/server"
)

var errNoListener = errors.New("listen address is empty")

func runServe(ctx context.Context, v *viper.Viper, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	warnings, err := config.Validate(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.ListenAddr == "" {
		return errNoListener
	}

	logger := obs.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	for _, warning := range warnings {
		logger.Warn("config warning", "warning", warning)
	}

	a, err := newApp(cfg, logger, os.Stdout)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		return err
	}

	srv, err := server.Start(a.handler, cfg.ListenAddr, server.Options{
		Limits:    a.limits,
		Shutdown:  server.ShutdownFromConfig(cfg.Shutdown),
		Stoppers:  a.stoppers(),
		CloseIdle: []func(){a.client.CloseIdle},
		Logger:    logger,
	})
	if err != nil {
		for _, stopper := range a.stoppers() {
			_ = stopper.Stop(context.Background())
		}
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("gateway listening",
		"addr", srv.Addr,
		"upstream", a.client.Target(),
		"backend", cfg.Backend.Executable,
		"work_dir", cfg.Backend.WorkDir,
		"cache_ttl", cfg.Cache.TTL,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if err := srv.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
