package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tx-taskqueue/model"
)

// Memory is an in-process Store with the same claim and settlement semantics
// as Postgres. It backs unit tests and single-process embedded use; it offers
// no outbox integration (there is no ambient transaction to join).
type Memory struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*model.Task

	// Now is the clock used for eligibility checks. Tests override it to
	// expire leases without sleeping.
	Now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[uuid.UUID]*model.Task),
		Now:   time.Now,
	}
}

func (s *Memory) Insert(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("insert task: duplicate id %s: %w", t.ID, model.ErrStorageUnavailable)
	}
	now := s.Now()
	t.State = model.StatePending
	t.AttemptCount = 0
	if t.AvailableAt.IsZero() {
		t.AvailableAt = now
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 0

	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *Memory) Claim(_ context.Context, queueName, consumerID string, batchSize int, leaseDuration time.Duration) ([]model.Task, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	var eligible []*model.Task
	for _, t := range s.tasks {
		if t.QueueName == queueName && t.Claimable(now) {
			eligible = append(eligible, t)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].AvailableAt.Equal(eligible[j].AvailableAt) {
			return eligible[i].AvailableAt.Before(eligible[j].AvailableAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	expires := now.Add(leaseDuration)
	claimed := make([]model.Task, 0, len(eligible))
	for _, t := range eligible {
		t.State = model.StateLeased
		t.LeaseOwner = consumerID
		exp := expires
		t.LeaseExpiresAt = &exp
		t.AttemptCount++
		t.Version++
		t.UpdatedAt = now
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

func (s *Memory) SettleSuccess(_ context.Context, id uuid.UUID, expectedVersion int64) error {
	return s.settle(id, expectedVersion, func(t *model.Task) {
		t.State = model.StateCompleted
	})
}

func (s *Memory) ScheduleRetry(_ context.Context, id uuid.UUID, expectedVersion int64, availableAt time.Time, lastError string) error {
	return s.settle(id, expectedVersion, func(t *model.Task) {
		t.State = model.StateRetryScheduled
		t.AvailableAt = availableAt
		t.LastError = lastError
	})
}

func (s *Memory) DeadLetter(_ context.Context, id uuid.UUID, expectedVersion int64, lastError string) error {
	return s.settle(id, expectedVersion, func(t *model.Task) {
		t.State = model.StateDeadLettered
		t.LastError = lastError
	})
}

func (s *Memory) settle(id uuid.UUID, expectedVersion int64, apply func(*model.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.State != model.StateLeased || t.Version != expectedVersion {
		return fmt.Errorf("task %s at version %d: %w", id, expectedVersion, model.ErrVersionConflict)
	}
	apply(t)
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil
	t.Version++
	t.UpdatedAt = s.Now()
	return nil
}

func (s *Memory) Get(_ context.Context, id uuid.UUID) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, model.ErrTaskNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *Memory) List(_ context.Context, queueName string, state model.TaskState, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []model.Task
	for _, t := range s.tasks {
		if queueName != "" && t.QueueName != queueName {
			continue
		}
		if state != "" && t.State != state {
			continue
		}
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}
