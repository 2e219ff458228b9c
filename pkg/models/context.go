package models

import "context"

// RunIdentity is the identity triple threaded through engine and tool calls.
type RunIdentity struct {
	RunID   string
	OwnerID string
	TraceID string
}

type identityKey struct{}

// WithIdentity attaches a run identity to ctx.
func WithIdentity(ctx context.Context, id RunIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the attached run identity, zero when absent.
func IdentityFromContext(ctx context.Context) RunIdentity {
	id, _ := ctx.Value(identityKey{}).(RunIdentity)
	return id
}
