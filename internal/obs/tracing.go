package obs

import (
	"context"
	"net/http"
)

type TraceContext struct {
	TraceParent string
	TraceState  string
}

type traceKey struct{}

// StartTrace captures W3C trace headers from the inbound request so they can be
// relayed to the backend.
func StartTrace(ctx context.Context, req *http.Request) context.Context {
	trace := &TraceContext{
		TraceParent: req.Header.Get("traceparent"),
		TraceState:  req.Header.Get("tracestate"),
	}
	return context.WithValue(ctx, traceKey{}, trace)
}

func TraceFromContext(ctx context.Context) (*TraceContext, bool) {
	trace, ok := ctx.Value(traceKey{}).(*TraceContext)
	return trace, ok
}

func InjectTraceHeaders(req *http.Request, ctx context.Context) {
	trace, ok := TraceFromContext(ctx)
	if !ok {
		return
	}
	if trace.TraceParent != "" {
		req.Header.Set("traceparent", trace.TraceParent)
	}
	if trace.TraceState != "" {
		req.Header.Set("tracestate", trace.TraceState)
	}
}
