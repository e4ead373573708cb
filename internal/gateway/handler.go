package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"backend_gateway/internal/cache"
	"backend_gateway/internal/obs"
	"backend_gateway/internal/supervisor"
)

const (
	DefaultMaxBodyBytes int64 = 1 << 20

	cacheHeader = "X-Cache"
	cacheHit    = "hit"
	cacheMiss   = "miss"
	cacheBypass = "bypass"
)

var emptyObject = []byte("{}")

// Ensurer brings the backend to Running before a forward.
type Ensurer interface {
	EnsureRunning(ctx context.Context) (supervisor.Status, error)
}

// Forwarder sends one request body to the backend.
type Forwarder interface {
	Forward(ctx context.Context, payload []byte) (json.RawMessage, error)
}

// Handler answers every inbound request: preflight, cache lookup, backend
// launch, forward, store.
type Handler struct {
	Cache           cache.Store
	Backend         Ensurer
	Upstream        Forwarder
	Metrics         *obs.Metrics
	Logger          *slog.Logger
	AccessLog       *obs.AccessLogger
	FingerprintMode cache.FingerprintMode
	MaxBodyBytes    int64
}

type requestState struct {
	requestID   string
	body        []byte
	bytesIn     int64
	fingerprint string
	backendPID  int
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := NewResponseRecorder(w)
	applyCORS(recorder.Header())

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = NewRequestID()
	}
	recorder.Header().Set(RequestIDHeader, requestID)
	ctx := WithRequestID(obs.StartTrace(r.Context(), r), requestID)
	r = r.WithContext(ctx)
	state := &requestState{requestID: requestID}

	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger().Error("handler panic",
				"request_id", requestID,
				"panic", fmt.Sprint(recovered),
				"body", string(state.body),
				"stack", string(debug.Stack()),
			)
			if !recorder.WroteHeader() {
				WriteError(recorder, requestID, Failure{Status: http.StatusInternalServerError, Category: CategoryInternal, Message: msgInternal})
			} else {
				recorder.SetErrorCategory(CategoryInternal)
			}
		}
		h.finish(recorder, r, state, time.Since(start))
	}()

	h.serve(recorder, r, state)
}

func (h *Handler) serve(w *ResponseRecorder, r *http.Request, state *requestState) {
	if r.Method == http.MethodOptions {
		w.SetCacheStatus(cacheBypass)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if h.Cache == nil || h.Backend == nil || h.Upstream == nil {
		h.fail(w, r, state, Failure{Status: http.StatusServiceUnavailable, Category: CategoryInternal, Message: "gateway not ready", Err: errors.New("handler dependencies missing")})
		return
	}

	body, err := h.readBody(w, r)
	state.body = body
	state.bytesIn = int64(len(body))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, state, Failure{Status: http.StatusRequestEntityTooLarge, Category: CategoryPayloadTooLarge, Message: msgPayloadTooLarge, Details: fmt.Sprintf("limit is %d bytes", tooLarge.Limit), Err: err})
			return
		}
		h.fail(w, r, state, Failure{Status: http.StatusBadRequest, Category: CategoryInvalidPayload, Message: msgInvalidPayload, Details: err.Error(), Err: err})
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = emptyObject
	}

	fingerprint, err := cache.Fingerprint(body, h.FingerprintMode)
	if err != nil {
		h.fail(w, r, state, Failure{Status: http.StatusBadRequest, Category: CategoryInvalidPayload, Message: msgInvalidPayload, Details: err.Error(), Err: err})
		return
	}
	state.fingerprint = fingerprint

	if entry, ok := h.Cache.Get(fingerprint); ok {
		h.Metrics.RecordCacheRequest(cacheHit)
		writePayload(w, state.requestID, entry.Payload, cacheHit)
		return
	}
	h.Metrics.RecordCacheRequest(cacheMiss)

	status, err := h.Backend.EnsureRunning(r.Context())
	state.backendPID = status.PID
	if err != nil {
		h.fail(w, r, state, Classify(err))
		return
	}

	payload, err := h.Upstream.Forward(r.Context(), body)
	if err != nil {
		h.fail(w, r, state, Classify(err))
		return
	}

	h.Cache.Put(fingerprint, payload)
	h.Metrics.SetCacheEntries(h.Cache.Len())
	writePayload(w, state.requestID, payload, cacheMiss)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func writePayload(w *ResponseRecorder, requestID string, payload json.RawMessage, cacheStatus string) {
	w.SetCacheStatus(cacheStatus)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(cacheHeader, strings.ToUpper(cacheStatus))
	w.Header().Set(RequestIDHeader, requestID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) fail(w *ResponseRecorder, r *http.Request, state *requestState, failure Failure) {
	h.Metrics.RecordGatewayError(failure.Category)
	h.logger().Error("request failed",
		"request_id", state.requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", failure.Status,
		"category", failure.Category,
		"error", failure.Err,
		"fingerprint", state.fingerprint,
		"backend_pid", state.backendPID,
		"body", string(state.body),
	)
	WriteError(w, state.requestID, failure)
}

func (h *Handler) finish(w *ResponseRecorder, r *http.Request, state *requestState, duration time.Duration) {
	h.Metrics.ObserveRequest(r.Method, w.Status(), duration)
	h.AccessLog.Log(obs.RequestContext{
		RequestID:     state.requestID,
		Method:        r.Method,
		Path:          r.URL.Path,
		Fingerprint:   state.fingerprint,
		Status:        w.Status(),
		Duration:      duration,
		BytesIn:       state.bytesIn,
		BytesOut:      w.BytesWritten(),
		ErrorCategory: w.ErrorCategory(),
		CacheStatus:   w.CacheStatus(),
		BackendPID:    state.backendPID,
		UserAgent:     r.UserAgent(),
		RemoteAddr:    r.RemoteAddr,
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return obs.DiscardLogger()
	}
	return h.Logger
}
