package admission

import (
	"context"
	"time"

	"github.com/gatecache/gatecache/internal/snapshot"
)

// RealtimeClient admits realtime (WebSocket) connections for projects.
// It is the realtime specialization of the generic client; the embedding
// gateway calls ValidateConnection before accepting a connection,
// IncrementConnectionCount once per accepted connection, and
// DecrementConnectionCount once per close (normal or abnormal).
type RealtimeClient struct {
	*Client[ConnectionVerdict]
}

// NewRealtimeClient creates the realtime admission client.
func NewRealtimeClient(fetcher *snapshot.Fetcher, cacheTTL time.Duration, opts Options) (*RealtimeClient, error) {
	c, err := NewClient[ConnectionVerdict](RealtimePolicy{}, fetcher, cacheTTL, opts)
	if err != nil {
		return nil, err
	}
	return &RealtimeClient{Client: c}, nil
}

// ValidateConnection evaluates connection admission for the project.
func (c *RealtimeClient) ValidateConnection(ctx context.Context, projectID string) ConnectionVerdict {
	return c.Validate(ctx, projectID)
}

// CanAcceptConnection reports whether a new connection would be admitted.
func (c *RealtimeClient) CanAcceptConnection(ctx context.Context, projectID string) bool {
	return c.Allowed(ctx, projectID)
}

// ConnectionLimit returns the project's configured connection ceiling, or
// nil when unlimited or unknown.
func (c *RealtimeClient) ConnectionLimit(ctx context.Context, projectID string) *int64 {
	return c.Limit(ctx, projectID)
}

// IncrementConnectionCount records an accepted connection and returns the
// new local count.
func (c *RealtimeClient) IncrementConnectionCount(projectID string) int64 {
	return c.Increment(projectID)
}

// DecrementConnectionCount records a closed connection and returns the
// new local count, clamped at zero.
func (c *RealtimeClient) DecrementConnectionCount(projectID string) int64 {
	return c.Decrement(projectID)
}

// ConnectionCount returns the project's current local connection count.
func (c *RealtimeClient) ConnectionCount(projectID string) int64 {
	return c.UsageCount(projectID)
}

// AllowMessage consumes one unit from the project's realtime message
// rate budget (limits.realtime_messages_per_second).
func (c *RealtimeClient) AllowMessage(ctx context.Context, projectID string) RateVerdict {
	return c.AllowRate(ctx, projectID)
}
