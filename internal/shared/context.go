package shared

import (
	"context"

	"github.com/google/uuid"
)

// Caller describes the authenticated actor for one request.
type Caller struct {
	ID   uuid.UUID
	Role string
}

// SourceContext carries transport-supplied request context. The policy
// core treats it as opaque pass-through data for audit events.
type SourceContext struct {
	IP        string
	UserAgent string
	RequestID string
}

type callerContextKey struct{}

type sourceContextKey struct{}

// ContextWithCaller stores the caller in context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the caller from context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok
}

// ContextWithSource stores the source context.
func ContextWithSource(ctx context.Context, src SourceContext) context.Context {
	return context.WithValue(ctx, sourceContextKey{}, src)
}

// SourceFromContext extracts the source context.
func SourceFromContext(ctx context.Context) SourceContext {
	src, _ := ctx.Value(sourceContextKey{}).(SourceContext)
	return src
}
