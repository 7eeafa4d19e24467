// Package admission evaluates whether a downstream service may accept a
// connection or operation for a project, purely from locally cached
// control-plane state. It composes the snapshot fetcher and cache with
// per-service validation policies and per-project usage tracking, failing
// closed whenever state is stale or unobtainable.
package admission

import (
	"hash/fnv"
	"sync"
)

const trackerShardCount = 64

// Tracker counts currently-open connections (or in-flight operations) per
// project, local to this process. It is sharded to reduce mutex
// contention under high concurrency.
//
// The counts are an approximation by design: horizontally-scaled
// deployments each hold an independent partial view of a project's true
// total. Call sites own the lifecycle — one Increment per accept, one
// Decrement per close, including abnormal closes.
type Tracker struct {
	shards [trackerShardCount]trackerShard
}

type trackerShard struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].counts = make(map[string]int64)
	}
	return t
}

func (t *Tracker) shard(projectID string) *trackerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return &t.shards[h.Sum32()%trackerShardCount]
}

// Increment raises the count for a project and returns the new value.
func (t *Tracker) Increment(projectID string) int64 {
	s := t.shard(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[projectID]++
	return s.counts[projectID]
}

// Decrement lowers the count for a project and returns the new value.
// Decrementing at zero is a no-op: a double-decrement (an error handler
// and a close handler both firing) must not corrupt future admission
// decisions, so the count clamps rather than going negative.
func (t *Tracker) Decrement(projectID string) int64 {
	s := t.shard(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.counts[projectID]
	if n <= 1 {
		delete(s.counts, projectID)
		return 0
	}
	s.counts[projectID] = n - 1
	return n - 1
}

// Get returns the current count for a project.
func (t *Tracker) Get(projectID string) int64 {
	s := t.shard(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[projectID]
}

// Reset sets a project's count back to zero.
func (t *Tracker) Reset(projectID string) {
	s := t.shard(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, projectID)
}

// ClearAll removes every project's count.
func (t *Tracker) ClearAll() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		s.counts = make(map[string]int64)
		s.mu.Unlock()
	}
}

// Total returns the sum of all counts across projects.
func (t *Tracker) Total() int64 {
	var total int64
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, n := range s.counts {
			total += n
		}
		s.mu.Unlock()
	}
	return total
}
