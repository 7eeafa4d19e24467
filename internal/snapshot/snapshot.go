// Package snapshot implements the control-plane snapshot data model, the
// HTTP fetcher that retrieves snapshots, and the in-memory TTL cache that
// holds them. A snapshot is a point-in-time, versioned copy of one
// project's authoritative state (status, enabled services, quotas, rate
// limits). Snapshots are value types: once fetched they are never merged,
// patched, or mutated — each cache slot holds exactly one revision and is
// replaced wholesale.
package snapshot

// ProjectStatus is the project lifecycle state owned by the control plane.
// This library treats it as an opaque enum it must respect, never mutate.
type ProjectStatus string

const (
	StatusActive    ProjectStatus = "ACTIVE"
	StatusSuspended ProjectStatus = "SUSPENDED"
	StatusArchived  ProjectStatus = "ARCHIVED"
	StatusDeleted   ProjectStatus = "DELETED"
)

// Service names used as keys in Snapshot.Services.
const (
	ServiceRealtime = "realtime"
	ServiceStorage  = "storage"
)

// Project carries the project-level fields of a snapshot.
type Project struct {
	Status      ProjectStatus `json:"status"`
	Environment string        `json:"environment,omitempty"` // informational: live/test/dev
}

// ServiceState is the per-service enablement flag, independent of
// project status.
type ServiceState struct {
	Enabled bool `json:"enabled"`
}

// Quotas holds the numeric ceilings relevant to each downstream service.
// Nil means "no ceiling configured" and is distinct from zero.
type Quotas struct {
	RealtimeConnections *int64 `json:"realtime_connections,omitempty"`
	StorageBytes        *int64 `json:"storage_bytes,omitempty"`
	StorageOperations   *int64 `json:"storage_concurrent_operations,omitempty"`
}

// Limits holds per-service rate-limit configuration. A rate of 0 means
// the limit is not configured for that service.
type Limits struct {
	RealtimeMessagesPerSecond float64 `json:"realtime_messages_per_second,omitempty"`
	RealtimeMessagesBurst     int64   `json:"realtime_messages_burst,omitempty"`
	StorageOpsPerSecond       float64 `json:"storage_ops_per_second,omitempty"`
	StorageOpsBurst           int64   `json:"storage_ops_burst,omitempty"`
}

// Snapshot is one project's control-plane state as of a single revision.
// The Version field is opaque and used only for change detection and
// logging, not for conditional fetches.
type Snapshot struct {
	Version  string                  `json:"version"`
	Project  Project                 `json:"project"`
	Services map[string]ServiceState `json:"services,omitempty"`
	Quotas   Quotas                  `json:"quotas"`
	Limits   Limits                  `json:"limits"`
}

// ServiceEnabled reports whether the named service is enabled. A service
// absent from the map is disabled.
func (s *Snapshot) ServiceEnabled(name string) bool {
	if s == nil {
		return false
	}
	st, ok := s.Services[name]
	return ok && st.Enabled
}

// Active reports whether the project is in the ACTIVE lifecycle state.
func (s *Snapshot) Active() bool {
	return s != nil && s.Project.Status == StatusActive
}
