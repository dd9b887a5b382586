// Package store persists task rows and implements the claim protocol. The
// Postgres implementation is the production path; the memory implementation
// mirrors its semantics for tests and embedded use.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tx-taskqueue/model"
)

// Store is the task record store. All mutation goes through the versioned
// compare-and-swap operations below; there are no other writers.
type Store interface {
	// Insert adds a new pending task row. The task's ID, CreatedAt and
	// UpdatedAt are filled in by the store.
	Insert(ctx context.Context, t *model.Task) error

	// Claim atomically leases up to batchSize eligible tasks for consumerID,
	// incrementing attempt_count and version on each. Rows contended away by
	// a concurrent claimer are silently excluded. Results are ordered by
	// available_at, then created_at.
	Claim(ctx context.Context, queueName, consumerID string, batchSize int, leaseDuration time.Duration) ([]model.Task, error)

	// SettleSuccess moves a leased task to completed, conditioned on
	// expectedVersion. Returns model.ErrVersionConflict if the row was
	// reclaimed or settled by someone else in the meantime.
	SettleSuccess(ctx context.Context, id uuid.UUID, expectedVersion int64) error

	// ScheduleRetry moves a leased task back to retry_scheduled, due at
	// availableAt, recording lastError. Version-conditioned like SettleSuccess.
	ScheduleRetry(ctx context.Context, id uuid.UUID, expectedVersion int64, availableAt time.Time, lastError string) error

	// DeadLetter moves a leased task to the terminal dead_lettered state,
	// recording lastError. Version-conditioned like SettleSuccess.
	DeadLetter(ctx context.Context, id uuid.UUID, expectedVersion int64, lastError string) error

	// Get returns a task by id, or model.ErrTaskNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.Task, error)

	// List returns up to limit tasks, oldest first, optionally filtered by
	// queue name and state (empty values match everything).
	List(ctx context.Context, queueName string, state model.TaskState, limit int) ([]model.Task, error)
}
