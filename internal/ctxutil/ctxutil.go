// Package ctxutil provides shared context key accessors.
//
// server, mcp and orchestrator all read the request and run identifiers that
// are attached upstream of them; keeping the keys here avoids import cycles.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyRunID     contextKey = "run_id"
)

// WithRequestID returns a new context carrying the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id, or "" if none is set.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithRunID returns a new context carrying the id of the run being executed.
func WithRunID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyRunID, id)
}

// RunIDFromContext extracts the run id, or uuid.Nil if none is set.
func RunIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyRunID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
