// Package queue is the task lifecycle engine: the enqueue gateway, the
// settlement state machine, and the retry/dead-letter policy around the
// store's claim protocol.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tx-taskqueue/metrics"
	"tx-taskqueue/model"
	"tx-taskqueue/notify"
	"tx-taskqueue/retry"
	"tx-taskqueue/store"
)

// Engine coordinates task state transitions against a Store. It holds no
// task state of its own; every decision is made against the row as read.
type Engine struct {
	store    store.Store
	recorder metrics.Recorder
	notifier notify.Notifier
	log      *slog.Logger

	mu            sync.RWMutex
	policies      map[string]retry.Policy
	defaultPolicy retry.Policy
}

type Option func(*Engine)

func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithDefaultPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.defaultPolicy = p }
}

func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		recorder:      metrics.Nop{},
		notifier:      notify.Nop{},
		log:           slog.Default(),
		policies:      make(map[string]retry.Policy),
		defaultPolicy: retry.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPolicy registers a retry policy for one queue, overriding the default.
func (e *Engine) SetPolicy(queueName string, p retry.Policy) error {
	if err := p.Validate(queueName); err != nil {
		return err
	}
	e.mu.Lock()
	e.policies[queueName] = p
	e.mu.Unlock()
	return nil
}

func (e *Engine) policy(queueName string) retry.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[queueName]; ok {
		return p
	}
	return e.defaultPolicy
}

// EnqueueRequest describes a task to create.
type EnqueueRequest struct {
	QueueName    string
	PartitionKey string
	Payload      json.RawMessage
	NotBefore    time.Time // zero means available immediately
}

func (r EnqueueRequest) validate() error {
	if r.QueueName == "" {
		return errors.New("enqueue: queue name is required")
	}
	return nil
}

// Enqueue inserts a new pending task in its own storage operation and wakes
// idle consumers of the queue.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Task, error) {
	t, err := e.enqueue(ctx, req, func(ctx context.Context, t *model.Task) error {
		return e.store.Insert(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	if err := e.notifier.Wake(ctx, req.QueueName); err != nil {
		e.log.Debug("wake hint failed", "queue", req.QueueName, "error", err)
	}
	return t, nil
}

// EnqueueTx inserts a new pending task inside the caller's open transaction:
// the task exists if and only if that transaction commits. Only meaningful
// for Postgres-backed engines. No wake hint is published because the engine
// cannot observe the caller's commit; consumers pick the task up on their
// next poll.
func (e *Engine) EnqueueTx(ctx context.Context, tx pgx.Tx, req EnqueueRequest) (*model.Task, error) {
	return e.enqueue(ctx, req, func(ctx context.Context, t *model.Task) error {
		return store.InsertTx(ctx, tx, t)
	})
}

func (e *Engine) enqueue(ctx context.Context, req EnqueueRequest, insert func(context.Context, *model.Task) error) (*model.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	t := &model.Task{
		QueueName:    req.QueueName,
		PartitionKey: req.PartitionKey,
		Payload:      req.Payload,
		AvailableAt:  req.NotBefore,
	}
	if err := insert(ctx, t); err != nil {
		return nil, err
	}
	e.recorder.Count(metrics.TasksEnqueued, 1)
	e.log.Debug("task enqueued", "queue", t.QueueName, "task", t.ID)
	return t, nil
}

// Claim leases up to batchSize eligible tasks for consumerID. Expired leases
// re-enter eligibility here; there is no separate crash-recovery path.
func (e *Engine) Claim(ctx context.Context, queueName, consumerID string, batchSize int, leaseDuration time.Duration) ([]model.Task, error) {
	start := time.Now()
	tasks, err := e.store.Claim(ctx, queueName, consumerID, batchSize, leaseDuration)
	if err != nil {
		return nil, err
	}
	e.recorder.Observe(metrics.ClaimDuration, time.Since(start))
	return tasks, nil
}

// SettleSuccess completes a leased task. A model.ErrVersionConflict return
// means another consumer already reclaimed the task: the caller's work was
// wasted and its outcome must not be applied downstream.
func (e *Engine) SettleSuccess(ctx context.Context, t *model.Task) error {
	if err := e.store.SettleSuccess(ctx, t.ID, t.Version); err != nil {
		return err
	}
	e.recorder.Count(metrics.TasksCompleted, 1)
	e.log.Debug("task completed", "queue", t.QueueName, "task", t.ID, "attempt", t.AttemptCount)
	return nil
}

// SettleFailure records a failed attempt. While the retry budget holds, the
// task is rescheduled after the policy's backoff; once exhausted it is
// dead-lettered with the failure recorded for inspection.
func (e *Engine) SettleFailure(ctx context.Context, t *model.Task, cause error) error {
	lastError := "unknown failure"
	if cause != nil {
		lastError = cause.Error()
	}

	delay, retryable := e.policy(t.QueueName).NextDelay(t.AttemptCount)
	if !retryable {
		if err := e.store.DeadLetter(ctx, t.ID, t.Version, lastError); err != nil {
			return err
		}
		e.recorder.Count(metrics.TasksDeadLetter, 1)
		e.log.Warn("task dead-lettered", "queue", t.QueueName, "task", t.ID,
			"attempt", t.AttemptCount, "error", lastError)
		return nil
	}

	availableAt := time.Now().Add(delay)
	if err := e.store.ScheduleRetry(ctx, t.ID, t.Version, availableAt, lastError); err != nil {
		return err
	}
	e.recorder.Count(metrics.TasksFailed, 1)
	e.log.Info("task retry scheduled", "queue", t.QueueName, "task", t.ID,
		"attempt", t.AttemptCount, "delay", delay, "error", lastError)
	return nil
}

// Replay re-drives a dead-lettered task by enqueueing a fresh copy of its
// payload. The dead row is left untouched as an audit record.
func (e *Engine) Replay(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != model.StateDeadLettered {
		return nil, fmt.Errorf("task %s is %s, only dead_lettered tasks can be replayed", id, t.State)
	}
	return e.Enqueue(ctx, EnqueueRequest{
		QueueName:    t.QueueName,
		PartitionKey: t.PartitionKey,
		Payload:      t.Payload,
	})
}

// Get returns a task by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	return e.store.Get(ctx, id)
}

// List returns tasks filtered by queue and state, oldest first.
func (e *Engine) List(ctx context.Context, queueName string, state model.TaskState, limit int) ([]model.Task, error) {
	return e.store.List(ctx, queueName, state, limit)
}
