package upstream

import (
	"net"
	"net/http"
	"time"
)

const (
	defaultDialTimeout         = time.Second
	defaultIdleConnTimeout     = 90 * time.Second
	defaultMaxIdleConnsPerHost = 64
)

type TransportOptions struct {
	DialTimeout         time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConnsPerHost int
}

func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		DialTimeout:         defaultDialTimeout,
		IdleConnTimeout:     defaultIdleConnTimeout,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
	}
}

// NewTransport builds a transport for a single loopback backend. No proxy is
// consulted and response-header timeouts are left to the per-call deadline.
func NewTransport(opts TransportOptions) *http.Transport {
	opts = normalizeTransportOptions(opts)

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	return &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		IdleConnTimeout:     opts.IdleConnTimeout,
		MaxIdleConns:        opts.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
	}
}

func normalizeTransportOptions(opts TransportOptions) TransportOptions {
	defaults := DefaultTransportOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaults.DialTimeout
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = defaults.IdleConnTimeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	return opts
}
