package engine

import (
	"context"

	"github.com/google/uuid"
)

type ownerKey struct{}

// withOwner returns a context carrying the render-thread token.
func withOwner(parent context.Context, token uuid.UUID) context.Context {
	return context.WithValue(parent, ownerKey{}, token)
}

func ownerFrom(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	token, ok := ctx.Value(ownerKey{}).(uuid.UUID)
	return token, ok
}

func callerName(ctx context.Context) string {
	if token, ok := ownerFrom(ctx); ok {
		return token.String()
	}
	return "<no owner token>"
}
