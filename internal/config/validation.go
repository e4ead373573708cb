package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if err := validateBackend(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateUpstream(cfg); err != nil {
		return warnings, err
	}
	if err := validateCache(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateLimits(cfg); err != nil {
		return warnings, err
	}
	return warnings, nil
}

func validateBackend(cfg *Config, warnings *[]string) error {
	backend := cfg.Backend
	if strings.TrimSpace(backend.Executable) == "" {
		return errors.New("backend.executable is required")
	}
	if backend.SettleDelay < 0 {
		return errors.New("backend.settle_delay must be non-negative")
	}
	if backend.ReadyTimeout <= 0 {
		return errors.New("backend.ready_timeout must be > 0")
	}
	if backend.ShutdownGrace <= 0 {
		return errors.New("backend.shutdown_grace must be > 0")
	}
	if backend.HealthPath != "" && !strings.HasPrefix(backend.HealthPath, "/") {
		return fmt.Errorf("backend.health_path %q must start with /", backend.HealthPath)
	}
	if backend.HealthPath == "" && backend.SettleDelay == 0 {
		*warnings = append(*warnings, "backend has neither health_path nor settle_delay; requests may race backend startup")
	}
	if backend.WatchExecutable && backend.WatchDebounce <= 0 {
		return errors.New("backend.watch_debounce must be > 0 when watch_executable is set")
	}
	if _, ok := backend.Env["PORT"]; ok {
		*warnings = append(*warnings, "backend.env PORT is overridden by upstream.addr")
	}
	return nil
}

func validateUpstream(cfg *Config) error {
	upstream := cfg.Upstream
	host, port, err := net.SplitHostPort(upstream.Addr)
	if err != nil {
		return fmt.Errorf("upstream.addr %q: %w", upstream.Addr, err)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("upstream.addr %q must be a loopback address", upstream.Addr)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("upstream.addr %q has invalid port", upstream.Addr)
	}
	if !strings.HasPrefix(upstream.Path, "/") {
		return fmt.Errorf("upstream.path %q must start with /", upstream.Path)
	}
	if upstream.Timeout <= 0 {
		return errors.New("upstream.timeout must be > 0")
	}
	if upstream.DialTimeout < 0 {
		return errors.New("upstream.dial_timeout must be non-negative")
	}
	return nil
}

func validateCache(cfg *Config, warnings *[]string) error {
	cache := cfg.Cache
	if cache.TTL <= 0 {
		return errors.New("cache.ttl must be > 0")
	}
	if cache.TTL > time.Hour {
		*warnings = append(*warnings, "cache.ttl exceeds 1h")
	}
	if cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must be non-negative")
	}
	if cache.MaxEntries == 0 {
		*warnings = append(*warnings, "cache.max_entries is 0; cache growth is unbounded")
	}
	if cache.SweepInterval < 0 {
		return errors.New("cache.sweep_interval must be non-negative")
	}
	switch strings.ToLower(cache.Fingerprint) {
	case "", "raw", "canonical":
	default:
		return fmt.Errorf("cache.fingerprint %q must be raw or canonical", cache.Fingerprint)
	}
	return nil
}

func validateLimits(cfg *Config) error {
	limits := cfg.Limits
	if limits.MaxBodyBytes <= 0 {
		return errors.New("limits.max_body_bytes must be > 0")
	}
	if limits.MaxHeaderBytes < 0 {
		return errors.New("limits.max_header_bytes must be non-negative")
	}
	if limits.ReadHeaderTimeout <= 0 {
		return errors.New("limits.read_header_timeout must be > 0")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// UpstreamPort extracts the port the backend must bind, exported to the child as PORT.
func UpstreamPort(cfg *Config) (int, error) {
	if cfg == nil {
		return 0, errors.New("config is nil")
	}
	_, port, err := net.SplitHostPort(cfg.Upstream.Addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
