package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type AccessLogEntry struct {
	Timestamp     string `json:"ts"`
	RequestID     string `json:"request_id"`
	Method        string `json:"method"`
	Path          string `json:"path"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	Status        int    `json:"status"`
	DurationMS    int64  `json:"duration_ms"`
	BytesIn       int64  `json:"bytes_in"`
	BytesOut      int64  `json:"bytes_out"`
	ErrorCategory string `json:"error_category"`
	CacheStatus   string `json:"cache_status"`
	BackendPID    int    `json:"backend_pid,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	RemoteAddr    string `json:"remote_addr,omitempty"`
}

// AccessLogger writes one JSON object per line. A nil AccessLogger drops entries.
type AccessLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewAccessLogger(w io.Writer) *AccessLogger {
	if w == nil {
		w = os.Stdout
	}
	return &AccessLogger{w: w}
}

func (l *AccessLogger) Log(ctx RequestContext) {
	if l == nil {
		return
	}
	entry := AccessLogEntry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		RequestID:     defaultString(ctx.RequestID, "none"),
		Method:        ctx.Method,
		Path:          ctx.Path,
		Fingerprint:   ctx.Fingerprint,
		Status:        ctx.Status,
		DurationMS:    ctx.Duration.Milliseconds(),
		BytesIn:       ctx.BytesIn,
		BytesOut:      ctx.BytesOut,
		ErrorCategory: defaultString(ctx.ErrorCategory, "none"),
		CacheStatus:   defaultString(ctx.CacheStatus, "bypass"),
		BackendPID:    ctx.BackendPID,
		UserAgent:     ctx.UserAgent,
		RemoteAddr:    ctx.RemoteAddr,
	}

	data, err := json.Marshal(entry)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		_, _ = fmt.Fprintf(l.w, "log_marshal_error request_id=%s error=%v\n", entry.RequestID, err)
		return
	}
	_, _ = l.w.Write(append(data, '\n'))
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
