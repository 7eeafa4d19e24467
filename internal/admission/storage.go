package admission

import (
	"context"
	"time"

	"github.com/gatecache/gatecache/internal/snapshot"
)

// StorageClient admits storage operations for projects. It is the storage
// specialization of the generic client; the object-storage gateway calls
// ValidateOperation before serving an operation and brackets long-running
// operations with BeginOperation/EndOperation so the concurrency quota
// has a local count to enforce against.
type StorageClient struct {
	*Client[StorageVerdict]
}

// NewStorageClient creates the storage admission client.
func NewStorageClient(fetcher *snapshot.Fetcher, cacheTTL time.Duration, opts Options) (*StorageClient, error) {
	c, err := NewClient[StorageVerdict](StoragePolicy{}, fetcher, cacheTTL, opts)
	if err != nil {
		return nil, err
	}
	return &StorageClient{Client: c}, nil
}

// ValidateOperation evaluates storage-operation admission for the project.
func (c *StorageClient) ValidateOperation(ctx context.Context, projectID string) StorageVerdict {
	return c.Validate(ctx, projectID)
}

// BeginOperation records the start of a storage operation and returns the
// new in-flight count.
func (c *StorageClient) BeginOperation(projectID string) int64 {
	return c.Increment(projectID)
}

// EndOperation records the completion of a storage operation and returns
// the new in-flight count, clamped at zero.
func (c *StorageClient) EndOperation(projectID string) int64 {
	return c.Decrement(projectID)
}

// InFlightOperations returns the project's current in-flight count.
func (c *StorageClient) InFlightOperations(projectID string) int64 {
	return c.UsageCount(projectID)
}

// AllowOperationRate consumes one unit from the project's storage
// operation rate budget (limits.storage_ops_per_second).
func (c *StorageClient) AllowOperationRate(ctx context.Context, projectID string) RateVerdict {
	return c.AllowRate(ctx, projectID)
}
