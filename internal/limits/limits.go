package limits

import (
	"fmt"
	"time"

	"backend_gateway/internal/config"
)

const (
	defaultMaxHeaderBytes    = 64 * 1024
	defaultMaxBodyBytes      = 1 << 20
	defaultReadHeaderTimeout = 2 * time.Second
	defaultIdleTimeout       = 30 * time.Second
)

type Limits struct {
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func Default() Limits {
	return Limits{
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		MaxBodyBytes:      defaultMaxBodyBytes,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

func FromConfig(cfg config.LimitsConfig) (Limits, error) {
	limits := Default()
	if cfg.MaxHeaderBytes > 0 {
		limits.MaxHeaderBytes = cfg.MaxHeaderBytes
	}
	if cfg.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = cfg.MaxBodyBytes
	} else if cfg.MaxBodyBytes < 0 {
		return Limits{}, fmt.Errorf("max_body_bytes must be positive")
	}
	if cfg.ReadHeaderTimeout > 0 {
		limits.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	} else if cfg.ReadHeaderTimeout < 0 {
		return Limits{}, fmt.Errorf("read_header_timeout must be positive")
	}
	limits.ReadTimeout = nonNegative(cfg.ReadTimeout)
	limits.WriteTimeout = nonNegative(cfg.WriteTimeout)
	if cfg.IdleTimeout > 0 {
		limits.IdleTimeout = cfg.IdleTimeout
	}
	return limits, nil
}

func nonNegative(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d
}
