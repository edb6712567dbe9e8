package prediction

import (
	"context"
	"time"
)

// CompleteParams carries the terminal success fields.
type CompleteParams struct {
	OutputBlobKey string
	RowsProcessed int64
	Metrics       map[string]any
}

// Store persists prediction records.
//
// Tenant-scoped reads (Get, ListRecent) filter at the persistence layer.
// GetByID is the worker-side lookup: the worker receives the ID from the
// queue and must itself compare the row tenant against the envelope tenant.
//
// Acquire, Heartbeat, Complete, and Fail are conditional updates guarded by
// prior state; a false return means another worker won the race and the
// caller must stand down without producing output.
type Store interface {
	Create(ctx context.Context, p Prediction) error
	Get(ctx context.Context, tenant, id string) (Prediction, error)
	GetByID(ctx context.Context, id string) (Prediction, error)
	ListRecent(ctx context.Context, tenant string, limit int) ([]Prediction, error)

	// SetQueueMessageID records the queue handle after a successful publish.
	SetQueueMessageID(ctx context.Context, id, messageID string) error

	// Acquire transitions Queued -> Running, or reclaims a Running row whose
	// heartbeat is older than staleAfter (crashed worker).
	Acquire(ctx context.Context, id, workerID string, staleAfter time.Duration) (bool, error)

	// Heartbeat refreshes the heartbeat timestamp while workerID holds the row.
	Heartbeat(ctx context.Context, id, workerID string) (bool, error)

	// Complete transitions Running -> Completed for the owning worker.
	Complete(ctx context.Context, id, workerID string, params CompleteParams) (bool, error)

	// Fail transitions any non-terminal state -> Failed with an error message.
	Fail(ctx context.Context, id, errorMessage string) (bool, error)
}
