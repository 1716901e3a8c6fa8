// Package requestctx provides request-scoped values (caller identity,
// correlation id) set by middleware and read throughout the pipeline.
package requestctx

import "context"

type contextKey struct{}

var (
	userIDKey        = &contextKey{}
	correlationIDKey = &contextKey{}
)

// SetUserID stores the authenticated caller's user id in the context.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the caller's user id from context, or "" if not set.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// SetCorrelationID stores the per-request correlation id in the context.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id from context, or "" if not set.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}
