package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type scopeKey struct{}
type workItemKey struct{}
type attemptKey struct{}
type consumerKey struct{}

// WithTraceID attaches a trace_id to the context. The trace_id is copied
// unchanged onto every message derived from the same causal chain.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithScopeID attaches a scope_id (tenant/session isolation key) to the context.
func WithScopeID(ctx context.Context, scopeID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scopeID)
}

// ScopeID extracts scope_id from context. Returns "" if absent.
func ScopeID(ctx context.Context) string {
	if v, ok := ctx.Value(scopeKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWorkItemID attaches a work-item id to the context.
func WithWorkItemID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workItemKey{}, id)
}

// WorkItemID extracts the work-item id from context. Returns "" if absent.
func WorkItemID(ctx context.Context) string {
	if v, ok := ctx.Value(workItemKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAttempt attaches the current attempt number to the context.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// Attempt extracts the attempt number (0 if absent).
func Attempt(ctx context.Context) int {
	if v, ok := ctx.Value(attemptKey{}).(int); ok {
		return v
	}
	return 0
}

// WithConsumer attaches the consumer name to the context. Consumer names key
// the idempotency ledger.
func WithConsumer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, consumerKey{}, name)
}

// Consumer extracts the consumer name from context. Returns "" if absent.
func Consumer(ctx context.Context) string {
	if v, ok := ctx.Value(consumerKey{}).(string); ok {
		return v
	}
	return ""
}
