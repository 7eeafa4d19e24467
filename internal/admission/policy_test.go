package admission

import (
	"testing"

	"github.com/gatecache/gatecache/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(n int64) *int64 { return &n }

// activeSnapshot builds an ACTIVE snapshot with both services enabled.
func activeSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Version: "v1",
		Project: snapshot.Project{Status: snapshot.StatusActive},
		Services: map[string]snapshot.ServiceState{
			snapshot.ServiceRealtime: {Enabled: true},
			snapshot.ServiceStorage:  {Enabled: true},
		},
	}
}

func TestValidateConnection(t *testing.T) {
	t.Run("nil snapshot fails closed", func(t *testing.T) {
		v := ValidateConnection(nil, 0, nil)
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonSnapshotUnavailable, v.Reason)
	})

	t.Run("status check dominates quota check", func(t *testing.T) {
		// A suspended project with plenty of quota headroom still denies
		// with the status reason, never the quota reason.
		snap := activeSnapshot()
		snap.Project.Status = snapshot.StatusSuspended
		snap.Quotas.RealtimeConnections = int64p(1000)

		v := ValidateConnection(snap, 0, snap.Quotas.RealtimeConnections)
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonProjectSuspended, v.Reason)
	})

	t.Run("each non-active status maps to its own reason", func(t *testing.T) {
		cases := map[snapshot.ProjectStatus]Reason{
			snapshot.StatusSuspended: ReasonProjectSuspended,
			snapshot.StatusArchived:  ReasonProjectArchived,
			snapshot.StatusDeleted:   ReasonProjectDeleted,
			"PENDING":                ReasonProjectNotActive,
		}
		for status, want := range cases {
			snap := activeSnapshot()
			snap.Project.Status = status
			v := ValidateConnection(snap, 0, nil)
			assert.Equal(t, want, v.Reason, "status %s", status)
		}
	})

	t.Run("disabled service denies even under quota", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Services[snapshot.ServiceRealtime] = snapshot.ServiceState{Enabled: false}

		v := ValidateConnection(snap, 0, int64p(100))
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonServiceDisabled, v.Reason)
	})

	t.Run("allows at count N-1 and denies at count N", func(t *testing.T) {
		limit := int64p(10)

		v := ValidateConnection(activeSnapshot(), 9, limit)
		assert.True(t, v.Allowed)

		v = ValidateConnection(activeSnapshot(), 10, limit)
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonConnectionLimitExceeded, v.Reason)
		require.NotNil(t, v.Limit)
		assert.Equal(t, int64(10), *v.Limit)
		assert.Equal(t, int64(10), v.Current)
	})

	t.Run("nil limit means unlimited", func(t *testing.T) {
		v := ValidateConnection(activeSnapshot(), 1<<40, nil)
		assert.True(t, v.Allowed)
		assert.Nil(t, v.Limit)
	})

	t.Run("zero limit denies the first connection", func(t *testing.T) {
		// Zero is a configured ceiling, distinct from the nil "no ceiling".
		v := ValidateConnection(activeSnapshot(), 0, int64p(0))
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonConnectionLimitExceeded, v.Reason)
	})
}

func TestValidateStorageOperation(t *testing.T) {
	t.Run("nil snapshot fails closed", func(t *testing.T) {
		v := ValidateStorageOperation(nil, 0, nil)
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonSnapshotUnavailable, v.Reason)
	})

	t.Run("status check dominates quota check", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Project.Status = snapshot.StatusDeleted

		v := ValidateStorageOperation(snap, 0, int64p(100))
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonProjectDeleted, v.Reason)
	})

	t.Run("disabled storage service denies", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Services[snapshot.ServiceStorage] = snapshot.ServiceState{Enabled: false}

		v := ValidateStorageOperation(snap, 0, nil)
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonServiceDisabled, v.Reason)
	})

	t.Run("reports remaining headroom under the quota", func(t *testing.T) {
		v := ValidateStorageOperation(activeSnapshot(), 3, int64p(10))
		assert.True(t, v.Allowed)
		require.NotNil(t, v.Remaining)
		assert.Equal(t, int64(7), *v.Remaining)
	})

	t.Run("denies at the quota with zero remaining", func(t *testing.T) {
		v := ValidateStorageOperation(activeSnapshot(), 10, int64p(10))
		assert.False(t, v.Allowed)
		assert.Equal(t, ReasonConnectionLimitExceeded, v.Reason)
		require.NotNil(t, v.Remaining)
		assert.Equal(t, int64(0), *v.Remaining)
	})

	t.Run("nil quota means unlimited", func(t *testing.T) {
		v := ValidateStorageOperation(activeSnapshot(), 1<<40, nil)
		assert.True(t, v.Allowed)
		assert.Nil(t, v.Quota)
	})
}

func TestPolicies(t *testing.T) {
	t.Run("realtime policy reads the realtime fields", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Quotas.RealtimeConnections = int64p(5)
		snap.Limits.RealtimeMessagesPerSecond = 20
		snap.Limits.RealtimeMessagesBurst = 40

		p := RealtimePolicy{}
		assert.Equal(t, snapshot.ServiceRealtime, p.Service())
		require.NotNil(t, p.Limit(snap))
		assert.Equal(t, int64(5), *p.Limit(snap))

		rate, burst := p.Rate(snap)
		assert.Equal(t, 20.0, rate)
		assert.Equal(t, int64(40), burst)
	})

	t.Run("storage policy reads the storage fields", func(t *testing.T) {
		snap := activeSnapshot()
		snap.Quotas.StorageOperations = int64p(8)
		snap.Limits.StorageOpsPerSecond = 100
		snap.Limits.StorageOpsBurst = 200

		p := StoragePolicy{}
		assert.Equal(t, snapshot.ServiceStorage, p.Service())
		require.NotNil(t, p.Limit(snap))
		assert.Equal(t, int64(8), *p.Limit(snap))

		rate, burst := p.Rate(snap)
		assert.Equal(t, 100.0, rate)
		assert.Equal(t, int64(200), burst)
	})

	t.Run("policies are nil-safe", func(t *testing.T) {
		assert.Nil(t, RealtimePolicy{}.Limit(nil))
		assert.Nil(t, StoragePolicy{}.Limit(nil))

		rate, burst := RealtimePolicy{}.Rate(nil)
		assert.Zero(t, rate)
		assert.Zero(t, burst)
	})
}
