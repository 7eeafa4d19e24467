package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one cached snapshot with its freshness window. Entries are
// replaced wholesale on every successful fetch; there are no partial
// updates.
type Entry struct {
	Snapshot  *Snapshot
	Version   string
	ExpiresAt time.Time
}

// Valid reports whether the entry is still fresh at the given instant.
// Freshness is deliberately the caller's responsibility — Get never
// applies the TTL itself — so "present but stale" and "absent" stay
// distinguishable to the composing logic.
func (e *Entry) Valid(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

// Cache is an in-memory, per-project store of snapshot entries. A stale
// entry is never treated as valid by callers, so the periodic sweep is
// purely a memory bound, not a correctness mechanism.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *slog.Logger

	// OnSweep, when set, is invoked after each sweep with the number of
	// entries removed.
	OnSweep func(removed int)
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the cache's logger.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates an empty snapshot cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the entry for a project, fresh or stale, or nil when absent.
func (c *Cache) Get(projectID string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[projectID]
}

// Set replaces the entry for a project.
func (c *Cache) Set(projectID string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[projectID] = e
}

// Delete removes the entry for a project, if any.
func (c *Cache) Delete(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, projectID)
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Len returns the number of entries, fresh and stale.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Counts returns the number of fresh and stale entries at the given
// instant.
func (c *Cache) Counts(now time.Time) (fresh, stale int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.Valid(now) {
			fresh++
		} else {
			stale++
		}
	}
	return fresh, stale
}

// SweepExpired removes every entry whose freshness window has passed and
// returns the number removed.
func (c *Cache) SweepExpired(now time.Time) int {
	c.mu.Lock()
	removed := 0
	for id, e := range c.entries {
		if !e.Valid(now) {
			delete(c.entries, id)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("snapshot cache swept", "removed", removed)
	}
	if c.OnSweep != nil {
		c.OnSweep(removed)
	}
	return removed
}

// StartSweeper runs SweepExpired on a fixed interval until the context is
// canceled. The interval is independent of request traffic; it exists to
// bound memory used by entries for projects no longer being queried.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpired(time.Now())
		}
	}
}
