package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend_gateway/internal/config"
	"backend_gateway/internal/limits"
)

func TestShutdownDrainsInflightBeforeStoppers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		_, _ = io.WriteString(w, "done")
	})

	var mu sync.Mutex
	var order []string
	record := func(name string) StopFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	srv, err := Start(handler, "127.0.0.1:0", Options{
		Limits:   limits.Default(),
		Shutdown: ShutdownConfig{GracefulTimeout: 2 * time.Second},
		Stoppers: []Stopper{record("grpc"), record("supervisor")},
	})
	require.NoError(t, err)

	type result struct {
		body string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + srv.Addr + "/")
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		done <- result{body: string(body), err: err}
	}()
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown() }()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order, "stoppers wait for the drain")
	mu.Unlock()

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "done", res.body)
	require.NoError(t, <-shutdownDone)

	mu.Lock()
	assert.Equal(t, []string{"grpc", "supervisor"}, order)
	mu.Unlock()

	_, err = http.Get("http://" + srv.Addr + "/")
	assert.Error(t, err)
	assert.NoError(t, srv.Shutdown(), "second shutdown is a no-op")
}

func TestShutdownReportsStopperError(t *testing.T) {
	srv, err := Start(http.NotFoundHandler(), "127.0.0.1:0", Options{
		Stoppers: []Stopper{StopFunc(func(context.Context) error { return errors.New("stuck") })},
	})
	require.NoError(t, err)
	assert.EqualError(t, srv.Shutdown(), "stuck")
}

func TestStartValidation(t *testing.T) {
	_, err := Start(nil, "127.0.0.1:0", Options{})
	assert.Error(t, err)
	_, err = Start(http.NotFoundHandler(), "", Options{})
	assert.Error(t, err)
}

func TestShutdownFromConfig(t *testing.T) {
	assert.Equal(t, defaultGracefulTimeout, ShutdownFromConfig(config.ShutdownConfig{}).GracefulTimeout)
	assert.Equal(t, 3*time.Second, ShutdownFromConfig(config.ShutdownConfig{GracefulTimeout: 3 * time.Second}).GracefulTimeout)
}

func TestNilServer(t *testing.T) {
	var srv *Server
	assert.NoError(t, srv.Close())
}
