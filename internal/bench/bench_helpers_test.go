package bench

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"backend_gateway/internal/cache"
	"backend_gateway/internal/gateway"
	"backend_gateway/internal/obs"
	"backend_gateway/internal/supervisor"
	"backend_gateway/internal/testutil"
	"backend_gateway/internal/upstream"
)

type runningBackend struct{}

func (runningBackend) EnsureRunning(context.Context) (supervisor.Status, error) {
	return supervisor.Status{State: supervisor.StateRunning, PID: 1}, nil
}

// startBenchmarkGateway serves a gateway in front of an in-process backend.
func startBenchmarkGateway(b *testing.B, store cache.Store) (*httptest.Server, *http.Client, func()) {
	b.Helper()
	backend := httptest.NewServer(testutil.BackendHandler(nil))
	client, err := upstream.NewClient(upstream.Config{
		Addr:        strings.TrimPrefix(backend.URL, "http://"),
		Path:        "/api/double",
		Timeout:     5 * time.Second,
		ResultField: "result",
	}, nil)
	if err != nil {
		b.Fatalf("upstream client: %v", err)
	}
	handler := &gateway.Handler{
		Cache:    store,
		Backend:  runningBackend{},
		Upstream: client,
		Metrics:  obs.NewMetrics(),
		Logger:   obs.DiscardLogger(),
	}
	server := httptest.NewServer(handler)
	httpClient := &http.Client{Timeout: 5 * time.Second}

	cleanup := func() {
		server.Close()
		client.CloseIdle()
		backend.Close()
	}
	return server, httpClient, cleanup
}

func buildRequest(url string, body string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
