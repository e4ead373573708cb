package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"backend_gateway/internal/obs"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultPath        = "/api/double"
	DefaultResultField = "result"

	maxResponseBytes = 4 << 20
	maxErrorBodySize = 4 << 10
)

type Config struct {
	Addr    string
	Path    string
	Timeout time.Duration
	// ResultField must be present in a successful response; empty skips the check.
	ResultField string
	Transport   TransportOptions
}

// Client performs exactly one POST per Forward call. Retry policy belongs to
// the caller.
type Client struct {
	target      string
	timeout     time.Duration
	resultField string
	httpClient  *http.Client
	transport   *http.Transport
	metrics     *obs.Metrics
}

func NewClient(cfg Config, metrics *obs.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("upstream addr is required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	target := &url.URL{Scheme: "http", Host: cfg.Addr, Path: cfg.Path}
	transport := NewTransport(cfg.Transport)
	return &Client{
		target:      target.String(),
		timeout:     cfg.Timeout,
		resultField: cfg.ResultField,
		httpClient:  &http.Client{Transport: transport},
		transport:   transport,
		metrics:     metrics,
	}, nil
}

func (c *Client) Target() string {
	return c.target
}

// Forward sends payload to the backend and returns the decoded JSON object.
// Failures are always *Error. The timeout bounds the whole exchange including
// reading the body; expiry aborts the in-flight request.
func (c *Client) Forward(ctx context.Context, payload []byte) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.target, bytes.NewReader(payload))
	if err != nil {
		return nil, c.fail(&Error{Kind: KindConnection, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	obs.InjectTraceHeaders(req, ctx)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveUpstreamRoundTrip(time.Since(start))
		return nil, c.fail(&Error{Kind: c.classify(callCtx, err), Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	c.metrics.ObserveUpstreamRoundTrip(time.Since(start))
	if err != nil {
		return nil, c.fail(&Error{Kind: c.classify(callCtx, err), StatusCode: resp.StatusCode, Err: err})
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.fail(&Error{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBodySize),
		})
	}
	if len(body) > maxResponseBytes {
		return nil, c.fail(&Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBytes)})
	}

	payloadOut, err := c.decode(body)
	if err != nil {
		return nil, c.fail(&Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBodySize), Err: err})
	}
	return payloadOut, nil
}

// CloseIdle drops pooled connections. It runs after every backend exit and
// again at shutdown.
func (c *Client) CloseIdle() {
	if c == nil || c.transport == nil {
		return
	}
	c.transport.CloseIdleConnections()
}

func (c *Client) classify(callCtx context.Context, err error) Kind {
	switch {
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(callCtx.Err(), context.Canceled):
		return KindCanceled
	}
	return classifyTransportError(err)
}

func (c *Client) decode(body []byte) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("response is not a JSON object")
	}
	if c.resultField != "" {
		if _, ok := fields[c.resultField]; !ok {
			return nil, fmt.Errorf("response missing %q field", c.resultField)
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, err
	}
	return json.RawMessage(compact.Bytes()), nil
}

// fail counts backend-side failures. Caller aborts say nothing about the
// backend and are not counted.
func (c *Client) fail(err *Error) error {
	if err.Kind != KindCanceled {
		c.metrics.RecordUpstreamError(err.Kind.String())
	}
	return err
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
