package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tx-taskqueue/model"
)

const taskColumns = `id, queue_name, partition_key, payload, state, attempt_count,
	available_at, lease_owner, lease_expires_at, last_error, created_at, updated_at, version`

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the tasks table and claim indexes if they don't exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id               UUID PRIMARY KEY,
			queue_name       TEXT NOT NULL,
			partition_key    TEXT NOT NULL DEFAULT '',
			payload          JSONB,
			state            TEXT NOT NULL DEFAULT 'pending',
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			available_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			last_error       TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			version          BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (queue_name, state, available_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks (queue_name, state, lease_expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storageErr("ensure schema", err)
		}
	}
	return nil
}

const insertSQL = `
	INSERT INTO tasks (id, queue_name, partition_key, payload, state, attempt_count, available_at)
	VALUES ($1, $2, $3, $4, $5, 0, $6)
	RETURNING created_at, updated_at, version`

func (s *Postgres) Insert(ctx context.Context, t *model.Task) error {
	return insertRow(ctx, s.pool, t)
}

// InsertTx inserts a task inside the caller's open transaction, so the task
// commits or rolls back atomically with the caller's own changes.
func InsertTx(ctx context.Context, tx pgx.Tx, t *model.Task) error {
	return insertRow(ctx, tx, t)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRow(ctx context.Context, q rowQuerier, t *model.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.State = model.StatePending
	t.AttemptCount = 0
	if t.AvailableAt.IsZero() {
		t.AvailableAt = time.Now()
	}
	err := q.QueryRow(ctx, insertSQL,
		t.ID, t.QueueName, t.PartitionKey, t.Payload, t.State, t.AvailableAt,
	).Scan(&t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return storageErr("insert task", err)
	}
	return nil
}

// claimSQL locks eligible rows with SKIP LOCKED so concurrent claimers never
// block each other and each row is granted to exactly one of them. The
// version guard on the update is belt and braces: the rows are already
// locked, but the claim must stay correct even if select and update were not
// a single primitive.
const claimSQL = `
	WITH eligible AS (
		SELECT id, version
		FROM tasks
		WHERE queue_name = $1
		  AND ((state IN ('pending', 'retry_scheduled') AND available_at <= now())
		       OR (state = 'leased' AND lease_expires_at <= now()))
		ORDER BY available_at, created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	UPDATE tasks t
	SET state            = 'leased',
	    lease_owner      = $3,
	    lease_expires_at = now() + ($4 * interval '1 millisecond'),
	    attempt_count    = t.attempt_count + 1,
	    version          = t.version + 1,
	    updated_at       = now()
	FROM eligible e
	WHERE t.id = e.id AND t.version = e.version
	RETURNING t.id, t.queue_name, t.partition_key, t.payload, t.state, t.attempt_count,
	          t.available_at, t.lease_owner, t.lease_expires_at, t.last_error,
	          t.created_at, t.updated_at, t.version`

func (s *Postgres) Claim(ctx context.Context, queueName, consumerID string, batchSize int, leaseDuration time.Duration) ([]model.Task, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	rows, err := s.pool.Query(ctx, claimSQL, queueName, batchSize, consumerID, leaseDuration.Milliseconds())
	if err != nil {
		return nil, storageErr("claim tasks", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, storageErr("claim tasks", err)
	}
	// UPDATE ... RETURNING does not preserve the CTE's ordering
	sortClaimed(tasks)
	return tasks, nil
}

func sortClaimed(tasks []model.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].AvailableAt.Equal(tasks[j].AvailableAt) {
			return tasks[i].AvailableAt.Before(tasks[j].AvailableAt)
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

const settleSuccessSQL = `
	UPDATE tasks
	SET state = 'completed', lease_owner = '', lease_expires_at = NULL,
	    version = version + 1, updated_at = now()
	WHERE id = $1 AND version = $2 AND state = 'leased'`

func (s *Postgres) SettleSuccess(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	return s.settle(ctx, settleSuccessSQL, id, expectedVersion)
}

const scheduleRetrySQL = `
	UPDATE tasks
	SET state = 'retry_scheduled', available_at = $3, last_error = $4,
	    lease_owner = '', lease_expires_at = NULL,
	    version = version + 1, updated_at = now()
	WHERE id = $1 AND version = $2 AND state = 'leased'`

func (s *Postgres) ScheduleRetry(ctx context.Context, id uuid.UUID, expectedVersion int64, availableAt time.Time, lastError string) error {
	return s.settle(ctx, scheduleRetrySQL, id, expectedVersion, availableAt, lastError)
}

const deadLetterSQL = `
	UPDATE tasks
	SET state = 'dead_lettered', last_error = $3,
	    lease_owner = '', lease_expires_at = NULL,
	    version = version + 1, updated_at = now()
	WHERE id = $1 AND version = $2 AND state = 'leased'`

func (s *Postgres) DeadLetter(ctx context.Context, id uuid.UUID, expectedVersion int64, lastError string) error {
	return s.settle(ctx, deadLetterSQL, id, expectedVersion, lastError)
}

func (s *Postgres) settle(ctx context.Context, sql string, id uuid.UUID, expectedVersion int64, extra ...any) error {
	args := append([]any{id, expectedVersion}, extra...)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return storageErr("settle task", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s at version %d: %w", id, expectedVersion, model.ErrVersionConflict)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrTaskNotFound
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return t, nil
}

func (s *Postgres) List(ctx context.Context, queueName string, state model.TaskState, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ($1 = '' OR queue_name = $1)
		  AND ($2 = '' OR state = $2)
		ORDER BY created_at
		LIMIT $3`, queueName, string(state), limit)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	return tasks, nil
}

func scanTasks(rows pgx.Rows) ([]model.Task, error) {
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.ID, &t.QueueName, &t.PartitionKey, &t.Payload, &t.State, &t.AttemptCount,
		&t.AvailableAt, &t.LeaseOwner, &t.LeaseExpiresAt, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, model.ErrStorageUnavailable, err)
}
