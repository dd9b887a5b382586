// Package retry computes backoff delays and the terminal-failure threshold
// for task retries. The policy is a pure function of the attempt count so
// different queues can carry different policies.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBase        = time.Second
	DefaultCap         = 5 * time.Minute
	DefaultJitter      = 0.2
)

// Policy describes one queue's retry behavior: exponential backoff from Base,
// capped at Cap, randomized within ±Jitter fraction, dead-lettering once
// MaxAttempts claims have failed.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction in [0, 1)
}

// Default returns the policy matching a short-lived retry loop: three
// attempts, one second base delay.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBase,
		Cap:         DefaultCap,
		Jitter:      DefaultJitter,
	}
}

// Validate reports the first configuration error, naming the queue the
// policy belongs to.
func (p Policy) Validate(queueName string) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy for queue %q: MaxAttempts must be >= 1, got %d", queueName, p.MaxAttempts)
	}
	if p.Base <= 0 {
		return fmt.Errorf("retry policy for queue %q: Base must be positive, got %v", queueName, p.Base)
	}
	if p.Cap < p.Base {
		return fmt.Errorf("retry policy for queue %q: Cap %v is below Base %v", queueName, p.Cap, p.Base)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("retry policy for queue %q: Jitter must be in [0, 1), got %v", queueName, p.Jitter)
	}
	return nil
}

// NextDelay returns the delay before the attempt following attemptCount
// failed attempts, or ok=false when the retry budget is exhausted and the
// task must be dead-lettered.
func (p Policy) NextDelay(attemptCount int) (delay time.Duration, ok bool) {
	if attemptCount >= p.MaxAttempts {
		return 0, false
	}
	d := p.Base
	for i := 1; i < attemptCount; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		// spread reclaims within ±Jitter to avoid thundering herds
		f := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d, true
}
