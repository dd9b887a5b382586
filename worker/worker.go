// Package worker drives the claim/execute/settle cycle against the queue
// engine. Handlers are registered per queue name; each queue gets its own
// polling goroutines.
//
// Delivery is at-least-once: a handler that outlives its lease can be
// re-executed by another consumer while still running, so handlers must be
// idempotent or de-duplicate on their side. Choose LeaseDuration to exceed
// expected handler runtime.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"tx-taskqueue/metrics"
	"tx-taskqueue/model"
	"tx-taskqueue/notify"
	"tx-taskqueue/queue"
)

// Handler executes one claimed task. A non-nil return (or a panic) sends the
// task down the retry/dead-letter path; nil completes it.
type Handler func(ctx context.Context, task *model.Task) error

// Options tune one queue's consumers. Zero values take the defaults.
type Options struct {
	Workers        int           // polling goroutines, default 1
	BatchSize      int           // tasks per claim, default 10
	LeaseDuration  time.Duration // default 30s
	PollInterval   time.Duration // idle wait between empty claims, default 2s
	StorageBackoff time.Duration // wait after a storage error, default 5s
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StorageBackoff <= 0 {
		o.StorageBackoff = 5 * time.Second
	}
	return o
}

type registration struct {
	queueName string
	handler   Handler
	opts      Options
}

// Pool runs consumers for a set of queues against one engine.
type Pool struct {
	engine     *queue.Engine
	notifier   notify.Notifier
	recorder   metrics.Recorder
	log        *slog.Logger
	consumerID string

	mu   sync.Mutex
	regs map[string]*registration
}

type Option func(*Pool)

func WithNotifier(n notify.Notifier) Option {
	return func(p *Pool) { p.notifier = n }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithConsumerID overrides the hostname-pid consumer identity base.
func WithConsumerID(id string) Option {
	return func(p *Pool) { p.consumerID = id }
}

func NewPool(engine *queue.Engine, opts ...Option) *Pool {
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	p := &Pool{
		engine:     engine,
		notifier:   notify.Nop{},
		recorder:   metrics.Nop{},
		log:        slog.Default(),
		consumerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		regs:       make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to a queue name. Must be called before Start.
func (p *Pool) Register(queueName string, h Handler, opts Options) error {
	if queueName == "" {
		return errors.New("worker: queue name is required")
	}
	if h == nil {
		return fmt.Errorf("worker: nil handler for queue %q", queueName)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.regs[queueName]; dup {
		return fmt.Errorf("worker: handler already registered for queue %q", queueName)
	}
	p.regs[queueName] = &registration{queueName: queueName, handler: h, opts: opts.withDefaults()}
	return nil
}

// Start launches the consumer goroutines. Cancelling ctx stops each loop
// before its next claim; tasks already being executed run to completion and
// are settled before the goroutine exits.
func (p *Pool) Start(ctx context.Context, wg *sync.WaitGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, reg := range p.regs {
		for i := 1; i <= reg.opts.Workers; i++ {
			wg.Add(1)
			go func(reg *registration, id int) {
				defer wg.Done()
				p.run(ctx, reg, id)
			}(reg, i)
		}
	}
}

func (p *Pool) run(ctx context.Context, reg *registration, workerID int) {
	consumer := fmt.Sprintf("%s-%s-%d", p.consumerID, reg.queueName, workerID)
	log := p.log.With("queue", reg.queueName, "worker", workerID)
	wake := p.notifier.Listen(ctx, reg.queueName)

	log.Debug("worker started", "consumer", consumer)
	for {
		if ctx.Err() != nil {
			log.Debug("worker shutting down")
			return
		}

		tasks, err := p.engine.Claim(ctx, reg.queueName, consumer, reg.opts.BatchSize, reg.opts.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				log.Debug("worker shutting down")
				return
			}
			log.Error("claim failed, backing off", "error", err)
			sleep(ctx, reg.opts.StorageBackoff)
			continue
		}

		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
			case <-wake:
			case <-time.After(reg.opts.PollInterval):
			}
			continue
		}

		for i := range tasks {
			p.process(ctx, reg, &tasks[i], log)
		}
	}
}

// process executes and settles one task. Both run on a context detached from
// the pool's cancellation: an in-flight task runs to completion, and a
// settlement, once issued, is never abandoned halfway.
func (p *Pool) process(ctx context.Context, reg *registration, t *model.Task, log *slog.Logger) {
	taskCtx := context.WithoutCancel(ctx)

	start := time.Now()
	err := p.invoke(taskCtx, reg.handler, t)
	p.recorder.Observe(metrics.HandlerDuration, time.Since(start))

	var settleErr error
	if err == nil {
		settleErr = p.engine.SettleSuccess(taskCtx, t)
	} else {
		herr := &model.HandlerError{QueueName: reg.queueName, TaskID: t.ID, Err: err}
		log.Info("handler failed", "task", t.ID, "attempt", t.AttemptCount, "error", herr)
		settleErr = p.engine.SettleFailure(taskCtx, t, err)
	}

	switch {
	case settleErr == nil:
	case errors.Is(settleErr, model.ErrVersionConflict):
		// lease expired and another consumer took over; our outcome is void
		log.Warn("task reclaimed elsewhere, outcome discarded", "task", t.ID)
	default:
		// the row is untouched; the lease will expire and the task re-deliver
		log.Error("settlement failed", "task", t.ID, "error", settleErr)
	}
}

func (p *Pool) invoke(ctx context.Context, h Handler, t *model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
