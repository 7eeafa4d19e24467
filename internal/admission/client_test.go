package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatecache/gatecache/internal/ratelimit"
	"github.com/gatecache/gatecache/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// controlPlane is a fake snapshot endpoint with a swappable response and
// a fetch counter.
type controlPlane struct {
	mu       sync.Mutex
	status   int
	snapshot *snapshot.Snapshot
	fetches  atomic.Int64
	server   *httptest.Server
}

func newControlPlane(t *testing.T, snap *snapshot.Snapshot) *controlPlane {
	t.Helper()
	cp := &controlPlane{status: http.StatusOK, snapshot: snap}
	cp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.fetches.Add(1)
		cp.mu.Lock()
		status, snap := cp.status, cp.snapshot
		cp.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]*snapshot.Snapshot{"snapshot": snap})
	}))
	t.Cleanup(cp.server.Close)
	return cp
}

func (cp *controlPlane) respond(status int, snap *snapshot.Snapshot) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.status = status
	cp.snapshot = snap
}

func newRealtimeClientForTest(t *testing.T, cp *controlPlane, ttl time.Duration, opts Options) *RealtimeClient {
	t.Helper()
	f, err := snapshot.NewFetcher(cp.server.URL, time.Second)
	require.NoError(t, err)

	c, err := NewRealtimeClient(f, ttl, opts)
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	t.Run("requires a fetcher", func(t *testing.T) {
		_, err := NewRealtimeClient(nil, time.Second, Options{})
		assert.Error(t, err)
	})

	t.Run("requires a positive TTL", func(t *testing.T) {
		f, err := snapshot.NewFetcher("http://control-plane:8080", time.Second)
		require.NoError(t, err)

		_, err = NewRealtimeClient(f, 0, Options{})
		assert.Error(t, err)
		_, err = NewRealtimeClient(f, -time.Second, Options{})
		assert.Error(t, err)
	})
}

func TestClientFailsClosed(t *testing.T) {
	t.Run("unreachable control plane denies with SNAPSHOT_UNAVAILABLE", func(t *testing.T) {
		cp := newControlPlane(t, nil)
		cp.server.Close() // nothing listening

		c := newRealtimeClientForTest(t, cp, time.Minute, Options{})

		v := c.ValidateConnection(context.Background(), "p1")
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonSnapshotUnavailable, v.Reason)
		assert.False(t, c.CanAcceptConnection(context.Background(), "p1"))
	})

	t.Run("404 denies rather than erroring", func(t *testing.T) {
		cp := newControlPlane(t, nil)
		cp.respond(http.StatusNotFound, nil)

		c := newRealtimeClientForTest(t, cp, time.Minute, Options{})
		v := c.ValidateConnection(context.Background(), "ghost")
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonSnapshotUnavailable, v.Reason)
	})
}

func TestClientCachesWithinTTL(t *testing.T) {
	cp := newControlPlane(t, activeSnapshot())
	c := newRealtimeClientForTest(t, cp, time.Minute, Options{})

	_, err := c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	_, err = c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), cp.fetches.Load(), "second call within TTL must be a cache hit")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.Fresh)
}

func TestClientExpiryRefetches(t *testing.T) {
	cp := newControlPlane(t, activeSnapshot())
	c := newRealtimeClientForTest(t, cp, 30*time.Millisecond, Options{})

	_, err := c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.fetches.Load())
}

func TestClientFetchFailureEvictsEntry(t *testing.T) {
	// A stale snapshot must never outlive a failed refresh: once the TTL
	// has passed and the control plane answers 503, the old entry is gone
	// and admission denies.
	cp := newControlPlane(t, activeSnapshot())
	c := newRealtimeClientForTest(t, cp, 30*time.Millisecond, Options{})

	require.True(t, c.CanAcceptConnection(context.Background(), "p1"))
	assert.Equal(t, 1, c.Stats().Entries)

	cp.respond(http.StatusServiceUnavailable, nil)
	time.Sleep(50 * time.Millisecond)

	_, err := c.GetSnapshot(context.Background(), "p1")
	assert.ErrorIs(t, err, snapshot.ErrControlPlaneUnavailable)
	assert.Equal(t, 0, c.Stats().Entries, "failed refresh must remove the stale entry")
	assert.False(t, c.CanAcceptConnection(context.Background(), "p1"))
}

func TestClientVersionChangeReplacesWholesale(t *testing.T) {
	first := activeSnapshot()
	first.Quotas.RealtimeConnections = int64p(100)

	cp := newControlPlane(t, first)
	c := newRealtimeClientForTest(t, cp, time.Minute, Options{})

	snap, err := c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.Version)

	// New revision drops the quota field entirely; nothing from v1 may
	// survive into what the client serves next.
	second := activeSnapshot()
	second.Version = "v2"
	cp.respond(http.StatusOK, second)
	c.InvalidateCache("p1")

	snap, err = c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "v2", snap.Version)
	assert.Nil(t, snap.Quotas.RealtimeConnections)
}

func TestClientSingleFlight(t *testing.T) {
	// Many concurrent callers for the same uncached project must share
	// one fetch instead of stampeding the control plane.
	cp := newControlPlane(t, activeSnapshot())
	c := newRealtimeClientForTest(t, cp, time.Minute, Options{})

	const callers = 20
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetSnapshot(context.Background(), "p1")
		}()
	}
	wg.Wait()

	fetches := cp.fetches.Load()
	assert.LessOrEqual(t, fetches, int64(2), "concurrent misses must coalesce")
	assert.Equal(t, fetches, c.Stats().Misses, "misses must track fetch attempts, not waiters")
}

func TestConnectionAdmissionScenario(t *testing.T) {
	// quotas.realtime_connections = 2: two accept/increment rounds allow,
	// the third denies.
	snap := activeSnapshot()
	snap.Quotas.RealtimeConnections = int64p(2)

	cp := newControlPlane(t, snap)
	c := newRealtimeClientForTest(t, cp, time.Minute, Options{})
	ctx := context.Background()

	require.True(t, c.CanAcceptConnection(ctx, "p1"))
	assert.Equal(t, int64(1), c.IncrementConnectionCount("p1"))

	require.True(t, c.CanAcceptConnection(ctx, "p1"))
	assert.Equal(t, int64(2), c.IncrementConnectionCount("p1"))

	v := c.ValidateConnection(ctx, "p1")
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonConnectionLimitExceeded, v.Reason)
	assert.Equal(t, int64(2), v.Current)

	// Releasing one connection restores headroom.
	assert.Equal(t, int64(1), c.DecrementConnectionCount("p1"))
	assert.True(t, c.CanAcceptConnection(ctx, "p1"))
}

func TestClientIntrospection(t *testing.T) {
	snap := activeSnapshot()
	snap.Quotas.RealtimeConnections = int64p(7)
	snap.Services[snapshot.ServiceStorage] = snapshot.ServiceState{Enabled: false}

	cp := newControlPlane(t, snap)
	c := newRealtimeClientForTest(t, cp, time.Minute, Options{})
	ctx := context.Background()

	assert.True(t, c.IsProjectActive(ctx, "p1"))
	assert.True(t, c.IsServiceEnabled(ctx, "p1"))

	limit := c.ConnectionLimit(ctx, "p1")
	require.NotNil(t, limit)
	assert.Equal(t, int64(7), *limit)

	c.IncrementConnectionCount("p1")
	assert.Equal(t, int64(1), c.ConnectionCount("p1"))
	c.ResetUsage("p1")
	assert.Equal(t, int64(0), c.ConnectionCount("p1"))
}

func TestClientAllowRate(t *testing.T) {
	t.Run("no configured rate always allows", func(t *testing.T) {
		cp := newControlPlane(t, activeSnapshot())
		limiter := ratelimit.NewLimiter(time.Minute)
		defer limiter.Close()

		c := newRealtimeClientForTest(t, cp, time.Minute, Options{Limiter: limiter})
		for range 100 {
			assert.True(t, c.AllowMessage(context.Background(), "p1").Allowed)
		}
	})

	t.Run("configured rate denies past the burst", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Limits.RealtimeMessagesPerSecond = 1
		snap.Limits.RealtimeMessagesBurst = 3

		cp := newControlPlane(t, snap)
		limiter := ratelimit.NewLimiter(time.Minute)
		defer limiter.Close()

		c := newRealtimeClientForTest(t, cp, time.Minute, Options{Limiter: limiter})
		ctx := context.Background()

		allowed := 0
		var denied RateVerdict
		for range 10 {
			v := c.AllowMessage(ctx, "p1")
			if v.Allowed {
				allowed++
			} else {
				denied = v
			}
		}
		assert.Equal(t, 3, allowed)
		assert.Equal(t, ReasonRateLimited, denied.Reason)
		assert.Greater(t, denied.RetryAfter, time.Duration(0))
	})

	t.Run("shared limiter keeps service budgets independent", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Limits.RealtimeMessagesPerSecond = 1
		snap.Limits.RealtimeMessagesBurst = 3
		snap.Limits.StorageOpsPerSecond = 1
		snap.Limits.StorageOpsBurst = 3

		cp := newControlPlane(t, snap)
		limiter := ratelimit.NewLimiter(time.Minute)
		defer limiter.Close()
		opts := Options{Limiter: limiter}

		rt := newRealtimeClientForTest(t, cp, time.Minute, opts)
		f, err := snapshot.NewFetcher(cp.server.URL, time.Second)
		require.NoError(t, err)
		st, err := NewStorageClient(f, time.Minute, opts)
		require.NoError(t, err)
		ctx := context.Background()

		// Drain the storage budget completely.
		for range 3 {
			require.True(t, st.AllowOperationRate(ctx, "p1").Allowed)
		}
		require.False(t, st.AllowOperationRate(ctx, "p1").Allowed)

		// The realtime budget for the same project must be untouched.
		for range 3 {
			assert.True(t, rt.AllowMessage(ctx, "p1").Allowed)
		}
		assert.Equal(t, ReasonRateLimited, rt.AllowMessage(ctx, "p1").Reason)
	})

	t.Run("status and enablement checks precede the bucket", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Project.Status = snapshot.StatusSuspended
		snap.Limits.RealtimeMessagesPerSecond = 1000

		cp := newControlPlane(t, snap)
		limiter := ratelimit.NewLimiter(time.Minute)
		defer limiter.Close()

		c := newRealtimeClientForTest(t, cp, time.Minute, Options{Limiter: limiter})
		v := c.AllowMessage(context.Background(), "p1")
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonProjectSuspended, v.Reason)
	})
}

func TestClientOnDecision(t *testing.T) {
	cp := newControlPlane(t, activeSnapshot())

	var mu sync.Mutex
	var decisions []Decision
	opts := Options{OnDecision: func(d Decision) {
		mu.Lock()
		decisions = append(decisions, d)
		mu.Unlock()
	}}

	c := newRealtimeClientForTest(t, cp, time.Minute, opts)

	ctx := snapshot.WithCorrelationID(context.Background(), "corr-9")
	c.ValidateConnection(ctx, "p1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, decisions, 1)
	assert.Equal(t, "p1", decisions[0].ProjectID)
	assert.Equal(t, snapshot.ServiceRealtime, decisions[0].Service)
	assert.True(t, decisions[0].Allowed)
	assert.Equal(t, "corr-9", decisions[0].CorrelationID)
}

func TestClientReconfigure(t *testing.T) {
	cp := newControlPlane(t, activeSnapshot())
	c := newRealtimeClientForTest(t, cp, time.Minute, Options{})

	// Entries fetched after the reconfigure pick up the shorter TTL.
	c.Reconfigure(20 * time.Millisecond)
	_, err := c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.fetches.Load())

	// A non-positive TTL is ignored.
	c.Reconfigure(0)
	_, err = c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
}

func TestClientClearCache(t *testing.T) {
	cp := newControlPlane(t, activeSnapshot())
	c := newRealtimeClientForTest(t, cp, time.Minute, Options{})

	_, err := c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	_, err = c.GetSnapshot(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Stats().Entries)

	c.ClearCache()
	assert.Equal(t, 0, c.Stats().Entries)

	_, err = c.GetSnapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.fetches.Load())
}

func TestStorageClient(t *testing.T) {
	t.Run("admits under the concurrency quota and denies at it", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Quotas.StorageOperations = int64p(2)

		cp := newControlPlane(t, snap)
		f, err := snapshot.NewFetcher(cp.server.URL, time.Second)
		require.NoError(t, err)
		c, err := NewStorageClient(f, time.Minute, Options{})
		require.NoError(t, err)
		ctx := context.Background()

		require.True(t, c.ValidateOperation(ctx, "p1").Allowed)
		c.BeginOperation("p1")
		c.BeginOperation("p1")
		assert.Equal(t, int64(2), c.InFlightOperations("p1"))

		v := c.ValidateOperation(ctx, "p1")
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonConnectionLimitExceeded, v.Reason)

		c.EndOperation("p1")
		assert.True(t, c.ValidateOperation(ctx, "p1").Allowed)
	})

	t.Run("disabled storage service denies", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Services[snapshot.ServiceStorage] = snapshot.ServiceState{Enabled: false}

		cp := newControlPlane(t, snap)
		f, err := snapshot.NewFetcher(cp.server.URL, time.Second)
		require.NoError(t, err)
		c, err := NewStorageClient(f, time.Minute, Options{})
		require.NoError(t, err)

		v := c.ValidateOperation(context.Background(), "p1")
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonServiceDisabled, v.Reason)
	})
}
