// Package notify carries best-effort wake hints from enqueuers to idle
// consumers so they don't sleep out a full poll interval. Hints are lossy and
// advisory; the task table stays the only source of truth and a missed hint
// only costs poll latency.
package notify

import "context"

// Notifier publishes and receives per-queue wake hints.
type Notifier interface {
	// Wake signals that queueName may have new work. Errors are advisory.
	Wake(ctx context.Context, queueName string) error

	// Listen returns a channel that receives a signal whenever queueName is
	// woken. The channel closes when ctx is cancelled.
	Listen(ctx context.Context, queueName string) <-chan struct{}
}

// Nop never wakes anyone; consumers fall back to plain interval polling.
type Nop struct{}

func (Nop) Wake(context.Context, string) error { return nil }

func (Nop) Listen(ctx context.Context, _ string) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
