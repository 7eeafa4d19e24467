package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gatecache/gatecache/internal/observability"
	"github.com/gatecache/gatecache/internal/ratelimit"
	"github.com/gatecache/gatecache/internal/snapshot"
	"golang.org/x/sync/singleflight"
)

// Decision describes one admission decision for event emission.
type Decision struct {
	ProjectID     string
	Service       string
	Allowed       bool
	Reason        Reason
	CorrelationID string
}

// Options carries the optional collaborators of a Client. The zero value
// is usable: a nil logger falls back to slog.Default, nil metrics and
// hooks are skipped.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Limiter backs the per-project rate checks (AllowRate). When nil,
	// rate checks always allow.
	Limiter *ratelimit.Limiter

	// OnDecision, when set, is invoked after every Validate and AllowRate
	// call. Must not block; the events emitter satisfies this.
	OnDecision func(Decision)
}

// Client is the snapshot client facade for one downstream service. It is
// generic over the service's validation policy, so realtime and storage
// share one cache/fetch/tracking implementation and differ only in their
// verdict computation and quota fields.
//
// Every decision method degrades to deny rather than returning an error
// when the control plane fails; the only error paths are construction-time
// misconfiguration.
type Client[V Verdict] struct {
	policy  Policy[V]
	fetcher *snapshot.Fetcher
	cache   *snapshot.Cache
	usage   *Tracker
	limiter *ratelimit.Limiter

	ttlNanos atomic.Int64 // cache TTL; atomic so Reconfigure is race-free
	sf       singleflight.Group

	logger     *slog.Logger
	metrics    *observability.Metrics
	onDecision func(Decision)

	hits   atomic.Int64
	misses atomic.Int64
}

// NewClient creates a facade for the given policy. The cacheTTL bounds
// how long a fetched snapshot is trusted; it must be positive.
func NewClient[V Verdict](policy Policy[V], fetcher *snapshot.Fetcher, cacheTTL time.Duration, opts Options) (*Client[V], error) {
	if fetcher == nil {
		return nil, fmt.Errorf("admission client: fetcher is required")
	}
	if cacheTTL <= 0 {
		return nil, fmt.Errorf("admission client: cache TTL must be positive, got %s", cacheTTL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admission", "service", policy.Service())

	c := &Client[V]{
		policy:     policy,
		fetcher:    fetcher,
		cache:      snapshot.NewCache(snapshot.WithCacheLogger(logger)),
		usage:      NewTracker(),
		limiter:    opts.Limiter,
		logger:     logger,
		metrics:    opts.Metrics,
		onDecision: opts.OnDecision,
	}
	c.ttlNanos.Store(int64(cacheTTL))

	if m := opts.Metrics; m != nil {
		c.cache.OnSweep = m.AddSweepRemoved
		fetcher.OnResult = m.ObserveFetch
	}

	return c, nil
}

// Service returns the downstream service this client governs.
func (c *Client[V]) Service() string { return c.policy.Service() }

func (c *Client[V]) ttl() time.Duration { return time.Duration(c.ttlNanos.Load()) }

// Reconfigure updates the cache TTL, e.g. on config hot-reload. Entries
// already cached keep their original expiry; the new TTL applies from the
// next successful fetch.
func (c *Client[V]) Reconfigure(cacheTTL time.Duration) {
	if cacheTTL > 0 {
		c.ttlNanos.Store(int64(cacheTTL))
	}
}

// GetSnapshot returns the project's snapshot from cache when fresh,
// fetching and re-populating the cache otherwise. Concurrent callers for
// the same project at cache expiry share a single fetch rather than
// fanning out to the control plane.
//
// On fetch failure any existing entry for the project is removed — a
// stale snapshot is never served past its TTL once a refresh has been
// attempted and failed — and the classified fetch error is returned.
func (c *Client[V]) GetSnapshot(ctx context.Context, projectID string) (*snapshot.Snapshot, error) {
	if e := c.cache.Get(projectID); e.Valid(time.Now()) {
		c.hits.Add(1)
		if c.metrics != nil {
			c.metrics.IncCacheHit()
		}
		return e.Snapshot, nil
	}

	// The winning caller's context governs the shared fetch; its own
	// timeout still bounds the wall-clock for everyone waiting.
	v, err, _ := c.sf.Do(projectID, func() (any, error) {
		// A flight that completed while this caller queued may already
		// have refreshed the entry.
		if e := c.cache.Get(projectID); e.Valid(time.Now()) {
			c.hits.Add(1)
			if c.metrics != nil {
				c.metrics.IncCacheHit()
			}
			return e.Snapshot, nil
		}
		c.misses.Add(1)
		if c.metrics != nil {
			c.metrics.IncCacheMiss()
		}
		return c.refresh(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot.Snapshot), nil
}

// refresh performs one fetch and replaces the cache entry wholesale.
func (c *Client[V]) refresh(ctx context.Context, projectID string) (*snapshot.Snapshot, error) {
	prev := c.cache.Get(projectID)

	snap, err := c.fetcher.Fetch(ctx, projectID)
	if err != nil {
		c.cache.Delete(projectID)
		return nil, err
	}

	if prev != nil && prev.Version != snap.Version {
		c.logger.Info("snapshot version changed",
			"project_id", projectID,
			"old_version", prev.Version,
			"new_version", snap.Version)
	}

	c.cache.Set(projectID, &snapshot.Entry{
		Snapshot:  snap,
		Version:   snap.Version,
		ExpiresAt: time.Now().Add(c.ttl()),
	})
	return snap, nil
}

// Validate evaluates admission for the project from cached (or freshly
// fetched) state and the local usage count. A control-plane failure
// surfaces as a denial with SNAPSHOT_UNAVAILABLE, never as an error.
func (c *Client[V]) Validate(ctx context.Context, projectID string) V {
	snap, _ := c.GetSnapshot(ctx, projectID) // nil snapshot fails closed in the policy
	verdict := c.policy.Validate(snap, c.usage.Get(projectID))
	c.observe(ctx, projectID, verdict.Ok(), verdict.Why())
	return verdict
}

// Allowed reports whether the project would currently be admitted. This
// backs canAcceptConnection-style call sites that only need a boolean.
func (c *Client[V]) Allowed(ctx context.Context, projectID string) bool {
	return c.Validate(ctx, projectID).Ok()
}

// AllowRate consumes one unit from the project's rate-limit bucket, after
// the same trust/status/enablement checks as admission. The rate and
// burst come from the project's snapshot limits; an unconfigured rate
// always allows.
func (c *Client[V]) AllowRate(ctx context.Context, projectID string) RateVerdict {
	snap, _ := c.GetSnapshot(ctx, projectID)

	var verdict RateVerdict
	switch {
	case snap == nil:
		verdict = RateVerdict{Reason: ReasonSnapshotUnavailable}
	case !snap.Active():
		verdict = RateVerdict{Reason: statusReason(snap.Project.Status)}
	case !snap.ServiceEnabled(c.policy.Service()):
		verdict = RateVerdict{Reason: ReasonServiceDisabled}
	default:
		rate, burst := c.policy.Rate(snap)
		if c.limiter == nil || rate <= 0 {
			verdict = RateVerdict{Allowed: true}
			break
		}
		ok, retryAfter := c.limiter.Allow(c.rateKey(projectID), rate, burst)
		if ok {
			verdict = RateVerdict{Allowed: true}
		} else {
			verdict = RateVerdict{Reason: ReasonRateLimited, RetryAfter: retryAfter}
		}
	}

	c.observe(ctx, projectID, verdict.Allowed, verdict.Reason)
	return verdict
}

// rateKey scopes the token bucket to this client's service, so the
// realtime and storage budgets stay independent even when both clients
// share one limiter.
func (c *Client[V]) rateKey(projectID string) string {
	return c.policy.Service() + "/" + projectID
}

func (c *Client[V]) observe(ctx context.Context, projectID string, allowed bool, reason Reason) {
	if c.metrics != nil {
		c.metrics.IncDecision(c.policy.Service(), string(reason))
	}
	if c.onDecision != nil {
		c.onDecision(Decision{
			ProjectID:     projectID,
			Service:       c.policy.Service(),
			Allowed:       allowed,
			Reason:        reason,
			CorrelationID: snapshot.CorrelationID(ctx),
		})
	}
}

// IsProjectActive reports whether the project is ACTIVE. False when the
// snapshot is unobtainable.
func (c *Client[V]) IsProjectActive(ctx context.Context, projectID string) bool {
	snap, err := c.GetSnapshot(ctx, projectID)
	return err == nil && snap.Active()
}

// IsServiceEnabled reports whether this client's service is enabled for
// the project. False when the snapshot is unobtainable.
func (c *Client[V]) IsServiceEnabled(ctx context.Context, projectID string) bool {
	snap, err := c.GetSnapshot(ctx, projectID)
	return err == nil && snap.ServiceEnabled(c.policy.Service())
}

// Limit returns the project's configured usage ceiling for this service,
// or nil when unlimited or the snapshot is unobtainable.
func (c *Client[V]) Limit(ctx context.Context, projectID string) *int64 {
	snap, err := c.GetSnapshot(ctx, projectID)
	if err != nil {
		return nil
	}
	return c.policy.Limit(snap)
}

// Increment raises the project's local usage count (a connection accepted,
// an operation begun) and returns the new count.
func (c *Client[V]) Increment(projectID string) int64 {
	n := c.usage.Increment(projectID)
	if c.metrics != nil {
		c.metrics.SetActive(c.policy.Service(), c.usage.Total())
	}
	return n
}

// Decrement lowers the project's local usage count and returns the new
// count, clamped at zero.
func (c *Client[V]) Decrement(projectID string) int64 {
	n := c.usage.Decrement(projectID)
	if c.metrics != nil {
		c.metrics.SetActive(c.policy.Service(), c.usage.Total())
	}
	return n
}

// UsageCount returns the project's current local usage count.
func (c *Client[V]) UsageCount(projectID string) int64 {
	return c.usage.Get(projectID)
}

// ResetUsage sets the project's usage count back to zero.
func (c *Client[V]) ResetUsage(projectID string) {
	c.usage.Reset(projectID)
	if c.metrics != nil {
		c.metrics.SetActive(c.policy.Service(), c.usage.Total())
	}
}

// ClearUsage removes every project's usage count.
func (c *Client[V]) ClearUsage() {
	c.usage.ClearAll()
	if c.metrics != nil {
		c.metrics.SetActive(c.policy.Service(), 0)
	}
}

// InvalidateCache drops the project's cached snapshot, forcing the next
// decision to refetch. For out-of-band notifications that a project's
// state changed before the TTL would expire.
func (c *Client[V]) InvalidateCache(projectID string) {
	c.cache.Delete(projectID)
	if c.limiter != nil {
		c.limiter.Forget(c.rateKey(projectID))
	}
}

// ClearCache drops every cached snapshot.
func (c *Client[V]) ClearCache() {
	c.cache.Clear()
}

// CacheStats describes the cache state and hit/miss totals of this client.
// Misses count actual control-plane fetch attempts: a caller coalesced
// onto another caller's in-flight fetch records neither a hit nor a miss.
type CacheStats struct {
	Entries int   `json:"entries"`
	Fresh   int   `json:"fresh"`
	Stale   int   `json:"stale"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats returns current cache statistics.
func (c *Client[V]) Stats() CacheStats {
	fresh, stale := c.cache.Counts(time.Now())
	return CacheStats{
		Entries: fresh + stale,
		Fresh:   fresh,
		Stale:   stale,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// StartSweeper runs the periodic expired-entry sweep until the context is
// canceled. Not required for correctness — a stale entry is never treated
// as valid — but required to bound memory for projects no longer queried.
func (c *Client[V]) StartSweeper(ctx context.Context, interval time.Duration) {
	c.cache.StartSweeper(ctx, interval)
}
