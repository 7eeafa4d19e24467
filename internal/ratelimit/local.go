// Package ratelimit implements per-project token-bucket rate limiting in
// local memory. The rate and burst for each check come from the project's
// cached control-plane snapshot (limits.*), so a config change propagates
// as soon as a fresh snapshot lands.
//
// Like the connection counters, these buckets are a per-process
// approximation: each instance of the embedding service enforces the rate
// independently, not cluster-wide.
package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the memory budget for the bucket cache (16 MiB).
const defaultMaxCost = 16 << 20

// bucketCost is the approximate memory footprint of a single bucket
// entry, used as the ristretto cost so eviction tracks real memory.
var bucketCost = int64(unsafe.Sizeof(bucket{}))

// Limiter holds per-project token buckets. Ristretto handles concurrency,
// TTL expiry of idle buckets, and admission/eviction (TinyLFU) within the
// memory budget; each bucket carries its own mutex so hot paths contend
// only on their own key.
type Limiter struct {
	cache *ristretto.Cache[string, *bucket]
	ttl   time.Duration
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	rate     float64 // tokens per second, refreshed on every check
	burst    int64
	lastTime time.Time
}

// NewLimiter creates a limiter whose idle buckets expire after ttl.
func NewLimiter(ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	estimatedItems := defaultMaxCost / bucketCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *bucket]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &Limiter{cache: cache, ttl: ttl}
}

// Allow consumes one token from the project's bucket at the given rate
// and burst. A rate <= 0 means unconfigured and always allows. When the
// bucket is empty, the second return value estimates how long until the
// next token is available.
//
// Rate and burst are re-applied on every call because they come from the
// project's snapshot and may change between revisions; a shrinking burst
// clips accumulated tokens immediately.
func (l *Limiter) Allow(projectID string, rate float64, burst int64) (bool, time.Duration) {
	if rate <= 0 {
		return true, 0
	}
	if burst < 1 {
		burst = 1
	}
	now := time.Now()

	b, found := l.cache.Get(projectID)
	if !found {
		b = &bucket{
			tokens:   float64(burst) - 1,
			rate:     rate,
			burst:    burst,
			lastTime: now,
		}
		l.cache.SetWithTTL(projectID, b, bucketCost, l.ttl)
		// Wait makes the bucket visible to subsequent Gets. Only the first
		// check for a project pays this; cache hits skip it entirely.
		l.cache.Wait()
		return true, 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rate = rate
	b.burst = burst

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += b.rate * elapsed
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.lastTime = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}

	wait := time.Duration((1.0 - b.tokens) / b.rate * float64(time.Second))
	return false, wait
}

// Forget drops the bucket for a project, if any.
func (l *Limiter) Forget(projectID string) {
	l.cache.Del(projectID)
}

// Close releases the bucket cache. Safe to call multiple times.
func (l *Limiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
