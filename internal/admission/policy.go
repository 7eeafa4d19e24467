package admission

import (
	"time"

	"github.com/gatecache/gatecache/internal/snapshot"
)

// Reason is the closed taxonomy of denial reasons. A denied verdict
// always carries one; an allowed verdict never does.
type Reason string

const (
	ReasonSnapshotUnavailable     Reason = "SNAPSHOT_UNAVAILABLE"
	ReasonProjectSuspended        Reason = "PROJECT_SUSPENDED"
	ReasonProjectArchived         Reason = "PROJECT_ARCHIVED"
	ReasonProjectDeleted          Reason = "PROJECT_DELETED"
	ReasonProjectNotActive        Reason = "PROJECT_NOT_ACTIVE"
	ReasonServiceDisabled         Reason = "SERVICE_DISABLED"
	ReasonConnectionLimitExceeded Reason = "CONNECTION_LIMIT_EXCEEDED"
	ReasonRateLimited             Reason = "RATE_LIMITED"
)

// statusReason maps a non-active project status to its denial reason.
func statusReason(status snapshot.ProjectStatus) Reason {
	switch status {
	case snapshot.StatusSuspended:
		return ReasonProjectSuspended
	case snapshot.StatusArchived:
		return ReasonProjectArchived
	case snapshot.StatusDeleted:
		return ReasonProjectDeleted
	default:
		return ReasonProjectNotActive
	}
}

// Verdict is the common surface of all admission decisions, used by the
// generic client for logging, metrics, and event emission.
type Verdict interface {
	Ok() bool
	Why() Reason
}

// ConnectionVerdict is the decision for realtime connection admission.
type ConnectionVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Limit   *int64 `json:"limit,omitempty"`   // configured ceiling, nil = unlimited
	Current int64  `json:"current"`           // local connection count at decision time
}

func (v ConnectionVerdict) Ok() bool    { return v.Allowed }
func (v ConnectionVerdict) Why() Reason { return v.Reason }

// StorageVerdict is the decision for storage operation admission.
type StorageVerdict struct {
	Allowed   bool   `json:"allowed"`
	Reason    Reason `json:"reason,omitempty"`
	Quota     *int64 `json:"quota,omitempty"`     // configured ceiling, nil = unlimited
	Remaining *int64 `json:"remaining,omitempty"` // headroom under the ceiling
}

func (v StorageVerdict) Ok() bool    { return v.Allowed }
func (v StorageVerdict) Why() Reason { return v.Reason }

// RateVerdict is the decision for a rate-limited unit of work (a realtime
// message, a storage operation). RetryAfter is an estimate of when the
// next unit would be admitted.
type RateVerdict struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // seconds granularity on the wire
}

func (v RateVerdict) Ok() bool    { return v.Allowed }
func (v RateVerdict) Why() Reason { return v.Reason }

// ValidateConnection decides realtime connection admission from a
// (possibly absent) snapshot, the local connection count, and the
// configured limit. Pure: no I/O, no mutable state.
//
// Checks short-circuit in order from most fundamental to most specific —
// can the data be trusted at all, then project status, then service
// enablement, then numeric headroom — so a caller never sees a
// quota-related denial for a project that is actually suspended.
func ValidateConnection(snap *snapshot.Snapshot, localCount int64, limit *int64) ConnectionVerdict {
	if snap == nil {
		return ConnectionVerdict{Reason: ReasonSnapshotUnavailable, Current: localCount}
	}
	if !snap.Active() {
		return ConnectionVerdict{Reason: statusReason(snap.Project.Status), Current: localCount}
	}
	if !snap.ServiceEnabled(snapshot.ServiceRealtime) {
		return ConnectionVerdict{Reason: ReasonServiceDisabled, Current: localCount}
	}
	if limit != nil && localCount >= *limit {
		return ConnectionVerdict{Reason: ReasonConnectionLimitExceeded, Limit: limit, Current: localCount}
	}
	return ConnectionVerdict{Allowed: true, Limit: limit, Current: localCount}
}

// ValidateStorageOperation decides storage operation admission. Same
// check ordering as ValidateConnection by design, over the storage quota
// fields: the two validators share one mental model.
func ValidateStorageOperation(snap *snapshot.Snapshot, inFlight int64, quota *int64) StorageVerdict {
	if snap == nil {
		return StorageVerdict{Reason: ReasonSnapshotUnavailable}
	}
	if !snap.Active() {
		return StorageVerdict{Reason: statusReason(snap.Project.Status)}
	}
	if !snap.ServiceEnabled(snapshot.ServiceStorage) {
		return StorageVerdict{Reason: ReasonServiceDisabled}
	}
	if quota != nil {
		remaining := *quota - inFlight
		if remaining < 0 {
			remaining = 0
		}
		if inFlight >= *quota {
			return StorageVerdict{Reason: ReasonConnectionLimitExceeded, Quota: quota, Remaining: &remaining}
		}
		return StorageVerdict{Allowed: true, Quota: quota, Remaining: &remaining}
	}
	return StorageVerdict{Allowed: true}
}

// Policy is a per-service validation strategy injected into the generic
// client. It owns the service name, the verdict computation, and the
// extraction of the service's quota and rate-limit fields from a
// snapshot.
type Policy[V Verdict] interface {
	// Service returns the snapshot services key this policy governs.
	Service() string

	// Validate produces the admission verdict from the (possibly nil)
	// snapshot and the local usage count. Must be pure.
	Validate(snap *snapshot.Snapshot, localCount int64) V

	// Limit extracts the service's usage ceiling from the snapshot.
	// Nil means unlimited.
	Limit(snap *snapshot.Snapshot) *int64

	// Rate extracts the service's rate-limit configuration. A rate of 0
	// means no rate limit is configured.
	Rate(snap *snapshot.Snapshot) (perSecond float64, burst int64)
}

// RealtimePolicy validates realtime connection admission against
// quotas.realtime_connections and rate-limits messages against
// limits.realtime_messages_per_second.
type RealtimePolicy struct{}

func (RealtimePolicy) Service() string { return snapshot.ServiceRealtime }

func (RealtimePolicy) Validate(snap *snapshot.Snapshot, localCount int64) ConnectionVerdict {
	return ValidateConnection(snap, localCount, RealtimePolicy{}.Limit(snap))
}

func (RealtimePolicy) Limit(snap *snapshot.Snapshot) *int64 {
	if snap == nil {
		return nil
	}
	return snap.Quotas.RealtimeConnections
}

func (RealtimePolicy) Rate(snap *snapshot.Snapshot) (float64, int64) {
	if snap == nil {
		return 0, 0
	}
	return snap.Limits.RealtimeMessagesPerSecond, snap.Limits.RealtimeMessagesBurst
}

// StoragePolicy validates storage operation admission against
// quotas.storage_concurrent_operations and rate-limits operations
// against limits.storage_ops_per_second.
type StoragePolicy struct{}

func (StoragePolicy) Service() string { return snapshot.ServiceStorage }

func (StoragePolicy) Validate(snap *snapshot.Snapshot, localCount int64) StorageVerdict {
	return ValidateStorageOperation(snap, localCount, StoragePolicy{}.Limit(snap))
}

func (StoragePolicy) Limit(snap *snapshot.Snapshot) *int64 {
	if snap == nil {
		return nil
	}
	return snap.Quotas.StorageOperations
}

func (StoragePolicy) Rate(snap *snapshot.Snapshot) (float64, int64) {
	if snap == nil {
		return 0, 0
	}
	return snap.Limits.StorageOpsPerSecond, snap.Limits.StorageOpsBurst
}
