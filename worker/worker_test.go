package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tx-taskqueue/metrics"
	"tx-taskqueue/model"
	"tx-taskqueue/queue"
	"tx-taskqueue/retry"
	"tx-taskqueue/store"
)

func fastOptions() Options {
	return Options{
		Workers:        2,
		BatchSize:      5,
		LeaseDuration:  time.Minute,
		PollInterval:   10 * time.Millisecond,
		StorageBackoff: 10 * time.Millisecond,
	}
}

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts, Base: time.Millisecond, Cap: 10 * time.Millisecond}
}

func startPool(t *testing.T, e *queue.Engine, queueName string, h Handler) (cancel func()) {
	t.Helper()
	pool := NewPool(e, WithRecorder(metrics.NewAtomic()))
	require.NoError(t, pool.Register(queueName, h, fastOptions()))

	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	pool.Start(ctx, &wg)
	return func() {
		stop()
		wg.Wait()
	}
}

func taskState(t *testing.T, e *queue.Engine, task *model.Task) model.TaskState {
	t.Helper()
	got, err := e.Get(context.Background(), task.ID)
	require.NoError(t, err)
	return got.State
}

func TestPoolProcessesTask(t *testing.T) {
	mem := store.NewMemory()
	e := queue.New(mem, queue.WithDefaultPolicy(fastPolicy(3)))

	var processed atomic.Int32
	stop := startPool(t, e, "orders", func(ctx context.Context, task *model.Task) error {
		processed.Add(1)
		return nil
	})
	defer stop()

	task, err := e.Enqueue(context.Background(), queue.EnqueueRequest{QueueName: "orders"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return taskState(t, e, task) == model.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, processed.Load())
}

func TestPoolRetriesThenCompletes(t *testing.T) {
	mem := store.NewMemory()
	e := queue.New(mem, queue.WithDefaultPolicy(fastPolicy(5)))

	var calls atomic.Int32
	stop := startPool(t, e, "orders", func(ctx context.Context, task *model.Task) error {
		if calls.Add(1) < 3 {
			return assert.AnError
		}
		return nil
	})
	defer stop()

	task, err := e.Enqueue(context.Background(), queue.EnqueueRequest{QueueName: "orders"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return taskState(t, e, task) == model.StateCompleted
	}, 5*time.Second, 5*time.Millisecond)

	got, err := e.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptCount)
}

func TestPoolDeadLettersAfterMaxAttempts(t *testing.T) {
	mem := store.NewMemory()
	e := queue.New(mem, queue.WithDefaultPolicy(fastPolicy(3)))

	var calls atomic.Int32
	stop := startPool(t, e, "orders", func(ctx context.Context, task *model.Task) error {
		calls.Add(1)
		return assert.AnError
	})
	defer stop()

	task, err := e.Enqueue(context.Background(), queue.EnqueueRequest{QueueName: "orders"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return taskState(t, e, task) == model.StateDeadLettered
	}, 5*time.Second, 5*time.Millisecond)

	got, err := e.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.AttemptCount)
	assert.EqualValues(t, 3, calls.Load())
	assert.Contains(t, got.LastError, assert.AnError.Error())
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	mem := store.NewMemory()
	e := queue.New(mem, queue.WithDefaultPolicy(fastPolicy(1)))

	stop := startPool(t, e, "orders", func(ctx context.Context, task *model.Task) error {
		panic("handler exploded")
	})
	defer stop()

	task, err := e.Enqueue(context.Background(), queue.EnqueueRequest{QueueName: "orders"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return taskState(t, e, task) == model.StateDeadLettered
	}, 2*time.Second, 5*time.Millisecond)

	got, err := e.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "handler exploded")
}

func TestPoolStopsOnCancel(t *testing.T) {
	mem := store.NewMemory()
	e := queue.New(mem, queue.WithDefaultPolicy(fastPolicy(3)))

	pool := NewPool(e)
	require.NoError(t, pool.Register("orders", func(ctx context.Context, task *model.Task) error {
		return nil
	}, fastOptions()))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	pool.Start(ctx, &wg)

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after cancellation")
	}
}

func TestPoolRegisterValidation(t *testing.T) {
	pool := NewPool(queue.New(store.NewMemory()))

	assert.Error(t, pool.Register("", func(context.Context, *model.Task) error { return nil }, Options{}))
	assert.Error(t, pool.Register("orders", nil, Options{}))

	require.NoError(t, pool.Register("orders", func(context.Context, *model.Task) error { return nil }, Options{}))
	assert.Error(t, pool.Register("orders", func(context.Context, *model.Task) error { return nil }, Options{}),
		"duplicate registration must be rejected")
}

func TestPoolInFlightTaskSurvivesCancel(t *testing.T) {
	mem := store.NewMemory()
	e := queue.New(mem, queue.WithDefaultPolicy(fastPolicy(3)))

	started := make(chan struct{})
	release := make(chan struct{})
	pool := NewPool(e)
	require.NoError(t, pool.Register("orders", func(ctx context.Context, task *model.Task) error {
		close(started)
		<-release
		return nil
	}, fastOptions()))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	pool.Start(ctx, &wg)

	task, err := e.Enqueue(context.Background(), queue.EnqueueRequest{QueueName: "orders"})
	require.NoError(t, err)

	<-started
	cancel()
	close(release)
	wg.Wait()

	// the in-flight task ran to completion and was settled despite the cancel
	assert.Equal(t, model.StateCompleted, taskState(t, e, task))
}
