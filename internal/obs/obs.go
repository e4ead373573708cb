package obs

import "time"

type RequestContext struct {
	RequestID     string
	Method        string
	Path          string
	Fingerprint   string
	Status        int
	Duration      time.Duration
	BytesIn       int64
	BytesOut      int64
	ErrorCategory string
	CacheStatus   string
	BackendPID    int
	UserAgent     string
	RemoteAddr    string
}
