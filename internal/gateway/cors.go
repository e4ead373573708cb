package gateway

import "net/http"

const (
	corsAllowOrigin  = "*"
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With"
	corsMaxAge       = "86400"
)

// applyCORS sets the fixed CORS headers. It runs before anything else writes,
// so error responses carry them too.
func applyCORS(header http.Header) {
	header.Set("Access-Control-Allow-Origin", corsAllowOrigin)
	header.Set("Access-Control-Allow-Methods", corsAllowMethods)
	header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	header.Set("Access-Control-Max-Age", corsMaxAge)
}

// WithCORS adds the CORS headers to responses from handlers that live beside
// the gateway on the same listener.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		applyCORS(w.Header())
		next.ServeHTTP(w, r)
	})
}
