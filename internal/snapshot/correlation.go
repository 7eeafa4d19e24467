package snapshot

import "context"

// correlationKey is the private context key for the request correlation id.
type correlationKey struct{}

// WithCorrelationID returns a context carrying the given correlation id.
// The id travels with the call chain explicitly instead of through shared
// mutable state, so concurrent requests cannot clobber each other's ids.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by the context, or ""
// when none was set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
