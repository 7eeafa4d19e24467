package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotServiceEnabled(t *testing.T) {
	t.Run("enabled service reports true", func(t *testing.T) {
		snap := &Snapshot{Services: map[string]ServiceState{
			ServiceRealtime: {Enabled: true},
		}}
		assert.True(t, snap.ServiceEnabled(ServiceRealtime))
	})

	t.Run("explicitly disabled service reports false", func(t *testing.T) {
		snap := &Snapshot{Services: map[string]ServiceState{
			ServiceRealtime: {Enabled: false},
		}}
		assert.False(t, snap.ServiceEnabled(ServiceRealtime))
	})

	t.Run("service absent from the map is disabled", func(t *testing.T) {
		snap := &Snapshot{Services: map[string]ServiceState{
			ServiceRealtime: {Enabled: true},
		}}
		assert.False(t, snap.ServiceEnabled(ServiceStorage))
	})

	t.Run("nil snapshot reports false", func(t *testing.T) {
		var snap *Snapshot
		assert.False(t, snap.ServiceEnabled(ServiceRealtime))
	})
}

func TestSnapshotActive(t *testing.T) {
	t.Run("ACTIVE status reports true", func(t *testing.T) {
		snap := &Snapshot{Project: Project{Status: StatusActive}}
		assert.True(t, snap.Active())
	})

	t.Run("non-active statuses report false", func(t *testing.T) {
		for _, status := range []ProjectStatus{StatusSuspended, StatusArchived, StatusDeleted, "UNKNOWN"} {
			snap := &Snapshot{Project: Project{Status: status}}
			assert.False(t, snap.Active(), "status %s", status)
		}
	})

	t.Run("nil snapshot reports false", func(t *testing.T) {
		var snap *Snapshot
		assert.False(t, snap.Active())
	})
}

func TestCorrelationID(t *testing.T) {
	t.Run("round-trips through the context", func(t *testing.T) {
		ctx := WithCorrelationID(context.Background(), "req-123")
		assert.Equal(t, "req-123", CorrelationID(ctx))
	})

	t.Run("empty when never set", func(t *testing.T) {
		assert.Equal(t, "", CorrelationID(context.Background()))
	})

	t.Run("inner value shadows outer", func(t *testing.T) {
		ctx := WithCorrelationID(context.Background(), "outer")
		ctx = WithCorrelationID(ctx, "inner")
		assert.Equal(t, "inner", CorrelationID(ctx))
	})
}
