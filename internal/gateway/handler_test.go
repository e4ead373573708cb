package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend_gateway/internal/cache"
	"backend_gateway/internal/obs"
	"backend_gateway/internal/supervisor"
	"backend_gateway/internal/testutil"
	"backend_gateway/internal/upstream"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeBackend struct {
	calls atomic.Int32
	err   error
}

func (b *fakeBackend) EnsureRunning(context.Context) (supervisor.Status, error) {
	b.calls.Add(1)
	if b.err != nil {
		return supervisor.Status{State: supervisor.StateNotStarted}, b.err
	}
	return supervisor.Status{State: supervisor.StateRunning, PID: 4242}, nil
}

type forwarderFunc func(ctx context.Context, payload []byte) (json.RawMessage, error)

func (f forwarderFunc) Forward(ctx context.Context, payload []byte) (json.RawMessage, error) {
	return f(ctx, payload)
}

type harness struct {
	handler   *Handler
	clock     *fakeClock
	store     *cache.MemoryStore
	backend   *fakeBackend
	doubles   *atomic.Int32
	accessLog *bytes.Buffer
}

// newHarness wires the handler to a real upstream client talking to an
// in-process backend that doubles values.
func newHarness(t *testing.T) *harness {
	t.Helper()
	doubles := &atomic.Int32{}
	addr, closeUpstream := testutil.StartUpstream(t, testutil.BackendHandler(func() { doubles.Add(1) }))
	t.Cleanup(closeUpstream)

	client, err := upstream.NewClient(upstream.Config{Addr: addr, Path: "/api/double", Timeout: time.Second, ResultField: "result"}, nil)
	require.NoError(t, err)
	t.Cleanup(client.CloseIdle)

	h := newHandlerWith(t, client)
	h.doubles = doubles
	return h
}

func newHandlerWith(t *testing.T, forwarder Forwarder) *harness {
	t.Helper()
	clock := newFakeClock()
	store := cache.NewMemoryStore(cache.Options{TTL: 5 * time.Minute, Now: clock.Now})
	backend := &fakeBackend{}
	accessLog := &bytes.Buffer{}
	return &harness{
		handler: &Handler{
			Cache:     store,
			Backend:   backend,
			Upstream:  forwarder,
			Metrics:   obs.NewMetrics(),
			Logger:    obs.DiscardLogger(),
			AccessLog: obs.NewAccessLogger(accessLog),
		},
		clock:     clock,
		store:     store,
		backend:   backend,
		doubles:   &atomic.Int32{},
		accessLog: accessLog,
	}
}

func (h *harness) do(method string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/api/double", reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	require.NotEmpty(t, body.Error)
	return body
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization, X-Requested-With", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
}

func TestFirstRequestInvokesBackendAndCaches(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, `{"value": 21}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"result":42}`, rec.Body.String())
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assertCORS(t, rec)
	assert.Equal(t, int32(1), h.doubles.Load())
	assert.Equal(t, int32(1), h.backend.calls.Load())

	fingerprint, err := cache.Fingerprint([]byte(`{"value": 21}`), cache.FingerprintRaw)
	require.NoError(t, err)
	entry, ok := h.store.Get(fingerprint)
	require.True(t, ok)
	assert.JSONEq(t, `{"result":42}`, string(entry.Payload))
}

func TestRepeatWithinTTLServedFromCache(t *testing.T) {
	h := newHarness(t)

	first := h.do(http.MethodPost, `{"value":21}`)
	require.Equal(t, http.StatusOK, first.Code)

	h.clock.Advance(4*time.Minute + 59*time.Second)
	second := h.do(http.MethodPost, `{"value":21}`)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), h.doubles.Load())
	assert.Equal(t, int32(1), h.backend.calls.Load(), "a hit never touches the supervisor")
}

func TestRepeatAfterTTLInvokesBackendAgain(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, `{"value":21}`).Code)
	h.clock.Advance(5*time.Minute + time.Second)

	rec := h.do(http.MethodPost, `{"value":21}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"result":42}`, rec.Body.String())
	assert.Equal(t, int32(2), h.doubles.Load())
}

func TestEntryAtExactlyTTLIsMiss(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, `{"value":1}`).Code)
	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, "MISS", h.do(http.MethodPost, `{"value":1}`).Header().Get("X-Cache"))
	assert.Equal(t, int32(2), h.doubles.Load())
}

func TestPreflightShortCircuits(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodOptions, `{"value":21}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assertCORS(t, rec)
	assert.Equal(t, int32(0), h.backend.calls.Load())
	assert.Equal(t, int32(0), h.doubles.Load())
	assert.Equal(t, 0, h.store.Len())
}

func TestFieldOrderDistinguishesEntriesInRawMode(t *testing.T) {
	h := newHandlerWith(t, forwarderFunc(func(context.Context, []byte) (json.RawMessage, error) {
		return json.RawMessage(`{"result":0}`), nil
	}))

	h.do(http.MethodPost, `{"value":1,"scale":2}`)
	h.do(http.MethodPost, `{"scale":2,"value":1}`)
	assert.Equal(t, 2, h.store.Len())
	assert.Equal(t, int32(2), h.backend.calls.Load())

	rec := h.do(http.MethodPost, "{ \"value\" : 1, \"scale\" : 2 }")
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"), "whitespace does not change the fingerprint")
}

func TestFieldOrderSharesEntryInCanonicalMode(t *testing.T) {
	h := newHandlerWith(t, forwarderFunc(func(context.Context, []byte) (json.RawMessage, error) {
		return json.RawMessage(`{"result":0}`), nil
	}))
	h.handler.FingerprintMode = cache.FingerprintCanonical

	h.do(http.MethodPost, `{"value":1,"scale":2}`)
	rec := h.do(http.MethodPost, `{"scale":2,"value":1}`)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, 1, h.store.Len())
}

func TestEmptyBodyForwardsEmptyObject(t *testing.T) {
	var seen []byte
	h := newHandlerWith(t, forwarderFunc(func(_ context.Context, payload []byte) (json.RawMessage, error) {
		seen = append([]byte(nil), payload...)
		return json.RawMessage(`{"result":0}`), nil
	}))

	rec := h.do(http.MethodGet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{}", string(seen))
}

func TestConnectionRefusedYields503(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client, err := upstream.NewClient(upstream.Config{Addr: addr, Timeout: time.Second}, nil)
	require.NoError(t, err)
	h := newHandlerWith(t, client)

	rec := h.do(http.MethodPost, `{"value":21}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CategoryConnection, body.Category)
	assert.NotEmpty(t, body.Details)
	assertCORS(t, rec)
	assert.Equal(t, 0, h.store.Len())
}

func TestUnresponsiveUpstreamYields504(t *testing.T) {
	release := make(chan struct{})
	addr, closeUpstream := testutil.StartUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer closeUpstream()
	defer close(release)

	timeout := 200 * time.Millisecond
	client, err := upstream.NewClient(upstream.Config{Addr: addr, Timeout: timeout}, nil)
	require.NoError(t, err)
	h := newHandlerWith(t, client)

	start := time.Now()
	rec := h.do(http.MethodPost, `{"value":21}`)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, CategoryTimeout, decodeError(t, rec).Category)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
}

func TestUpstreamErrorStatusYields500WithBody(t *testing.T) {
	addr, closeUpstream := testutil.StartUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "Json deserialize error: missing field `value`")
	}))
	defer closeUpstream()

	client, err := upstream.NewClient(upstream.Config{Addr: addr, Timeout: time.Second}, nil)
	require.NoError(t, err)
	h := newHandlerWith(t, client)

	rec := h.do(http.MethodPost, `{"other":1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CategoryUpstreamStatus, body.Category)
	assert.Contains(t, body.Details, "missing field `value`")
}

func TestMalformedUpstreamYields500(t *testing.T) {
	addr, closeUpstream := testutil.StartUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	}))
	defer closeUpstream()

	client, err := upstream.NewClient(upstream.Config{Addr: addr, Timeout: time.Second, ResultField: "result"}, nil)
	require.NoError(t, err)
	h := newHandlerWith(t, client)

	rec := h.do(http.MethodPost, `{"value":21}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CategoryMalformed, body.Category)
	assert.Equal(t, "Invalid JSON response from backend", body.Error)
	assert.NotEmpty(t, body.Details)
}

func TestLaunchFailureYields503WithoutForwarding(t *testing.T) {
	var forwarded atomic.Int32
	h := newHandlerWith(t, forwarderFunc(func(context.Context, []byte) (json.RawMessage, error) {
		forwarded.Add(1)
		return nil, errors.New("unreachable")
	}))
	h.backend.err = &supervisor.LaunchError{Executable: "/srv/target/release/backend", Reason: "spawn", Err: errors.New("no such file or directory")}

	rec := h.do(http.MethodPost, `{"value":21}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CategoryBackendUnavailable, body.Category)
	assert.Equal(t, "Failed to start backend process", body.Error)
	assert.Empty(t, body.Details, "launch failures expose no internal paths")
	assert.Equal(t, int32(0), forwarded.Load())
	assertCORS(t, rec)
}

func TestInvalidJSONRejectedBeforeBackend(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, `{"value":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CategoryInvalidPayload, decodeError(t, rec).Category)
	assert.Equal(t, int32(0), h.backend.calls.Load())
}

func TestOversizedBodyRejected(t *testing.T) {
	h := newHarness(t)
	h.handler.MaxBodyBytes = 16

	rec := h.do(http.MethodPost, `{"value":12345678901234567890}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, CategoryPayloadTooLarge, decodeError(t, rec).Category)
	assert.Equal(t, int32(0), h.backend.calls.Load())
}

func TestPanicIsContained(t *testing.T) {
	h := newHandlerWith(t, forwarderFunc(func(context.Context, []byte) (json.RawMessage, error) {
		panic("boom")
	}))

	rec := h.do(http.MethodPost, `{"value":21}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CategoryInternal, body.Category)
	assert.Equal(t, "Internal server error", body.Error)
	assert.NotContains(t, rec.Body.String(), "goroutine")
	assert.NotContains(t, rec.Body.String(), "boom")
	assertCORS(t, rec)
}

func TestRequestIDEchoedAndLogged(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/double", strings.NewReader(`{"value":2}`))
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	var entry obs.AccessLogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(h.accessLog.Bytes()), &entry))
	assert.Equal(t, "req-123", entry.RequestID)
	assert.Equal(t, http.StatusOK, entry.Status)
	assert.Equal(t, "miss", entry.CacheStatus)
	assert.Equal(t, "none", entry.ErrorCategory)
	assert.Equal(t, 4242, entry.BackendPID)
	assert.NotEmpty(t, entry.Fingerprint)
}

func TestGeneratedRequestIDOnErrors(t *testing.T) {
	h := newHandlerWith(t, forwarderFunc(func(context.Context, []byte) (json.RawMessage, error) {
		return nil, &upstream.Error{Kind: upstream.KindTimeout}
	}))

	rec := h.do(http.MethodPost, `{"value":21}`)
	body := decodeError(t, rec)
	assert.NotEmpty(t, body.RequestID)
	assert.Equal(t, body.RequestID, rec.Header().Get(RequestIDHeader))
}

func TestMissingDependencies(t *testing.T) {
	rec := httptest.NewRecorder()
	(&Handler{}).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assertCORS(t, rec)
}
