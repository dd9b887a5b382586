package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a task row.
type TaskState string

const (
	StatePending        TaskState = "pending"
	StateLeased         TaskState = "leased"
	StateCompleted      TaskState = "completed"
	StateRetryScheduled TaskState = "retry_scheduled"
	StateDeadLettered   TaskState = "dead_lettered"
)

// Valid reports whether s is one of the known task states.
func (s TaskState) Valid() bool {
	switch s {
	case StatePending, StateLeased, StateCompleted, StateRetryScheduled, StateDeadLettered:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateDeadLettered
}

// Task is one unit of work. The row in the task table is the only source of
// truth for its state; consumers never cache task state across claims.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	QueueName      string          `json:"queue_name"`
	PartitionKey   string          `json:"partition_key"`
	Payload        json.RawMessage `json:"payload"`
	State          TaskState       `json:"state"`
	AttemptCount   int             `json:"attempt_count"`
	AvailableAt    time.Time       `json:"available_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int64           `json:"version"`
}

// Claimable reports whether the task is eligible for claiming at now:
// pending or retry_scheduled and due, or leased with an expired lease.
func (t *Task) Claimable(now time.Time) bool {
	switch t.State {
	case StatePending, StateRetryScheduled:
		return !t.AvailableAt.After(now)
	case StateLeased:
		return t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now)
	}
	return false
}

var (
	// ErrStorageUnavailable marks transient storage failures. The operation
	// did not take effect; callers retry on their own schedule.
	ErrStorageUnavailable = errors.New("task storage unavailable")

	// ErrVersionConflict means the row moved on since it was read: another
	// consumer reclaimed or settled the task. The caller's outcome must be
	// discarded without side effects beyond logging.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrTaskNotFound is returned by lookups for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
)

// HandlerError wraps a failure raised by a task handler. It drives the
// retry/dead-letter path and is never propagated out of the consumer loop.
type HandlerError struct {
	QueueName string
	TaskID    uuid.UUID
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for queue %q failed on task %s: %v", e.QueueName, e.TaskID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
