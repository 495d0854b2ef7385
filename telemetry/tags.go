// Package telemetry provides metric instruments and context tagging for
// virtual file operations.
package telemetry

import (
	"context"
)

type contextKey string

const (
	// handlerKey is the context key for propagating the resolving handler
	// prefix to background goroutines.
	handlerKey contextKey = "handler"
	// requestIDKey is the context key for a per-stream request id.
	requestIDKey contextKey = "request_id"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
)

// WithHandler returns a context carrying the handler prefix.
// Use this to propagate the prefix into goroutines that outlive the caller.
func WithHandler(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, handlerKey, prefix)
}

// HandlerFromContext retrieves the handler prefix from a context, or
// "unknown" when none was set.
func HandlerFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(handlerKey).(string); ok && p != "" {
		return p
	}
	return "unknown"
}

// WithRequestID returns a context carrying a request id used to correlate
// log lines of one stream.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the request id, or "" when none was set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
