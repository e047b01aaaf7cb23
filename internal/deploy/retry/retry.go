// Package retry is a bounded retry state machine driven by an injectable clock.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/qiniu/zerodeploy/internal/clock"
)

var (
	// ErrAttemptsExhausted means every allowed attempt failed.
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
	// ErrDeadlineExceeded means the overall timeout elapsed before an attempt succeeded.
	ErrDeadlineExceeded = errors.New("retry deadline exceeded")
)

// Policy bounds a retry loop. Zero Timeout means no overall deadline,
// zero MaxInterval means the interval is capped only by Timeout.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Timeout         time.Duration
}

// State of a Loop.
type State int

const (
	StateAttempting State = iota
	StateWaiting
	StateSucceeded
	StateExhausted
	StateDeadlineExceeded
	StateFailed    // a permanent error stopped the loop
	StateCancelled // ctx done while waiting
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateWaiting:
		return "waiting"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateDeadlineExceeded:
		return "deadline_exceeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Op is one attempt. Returning nil ends the loop, wrapping an error with
// Permanent stops it without further attempts, anything else is retried.
type Op func(ctx context.Context, attempt int) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// Loop runs an Op under a Policy. A Loop is single use.
type Loop struct {
	policy   Policy
	clock    clock.Clock
	schedule *backoff.ExponentialBackOff

	state    State
	attempts int
	waited   time.Duration
	lastErr  error
}

func NewLoop(p Policy, clk clock.Clock) *Loop {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	switch {
	case p.MaxInterval > 0:
		b.MaxInterval = p.MaxInterval
	case p.Timeout > 0:
		b.MaxInterval = p.Timeout
	}
	b.Reset()
	return &Loop{policy: p, clock: clk, schedule: b}
}

// Run drives the loop to a terminal state and returns nil on success.
func (l *Loop) Run(ctx context.Context, op Op) error {
	var deadline time.Time
	if l.policy.Timeout > 0 {
		deadline = l.clock.Now().Add(l.policy.Timeout)
	}

	for {
		switch l.state {
		case StateAttempting:
			l.attempts++
			err := op(ctx, l.attempts)
			if err == nil {
				l.state = StateSucceeded
				continue
			}
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				l.lastErr = perm.Unwrap()
				l.state = StateFailed
				continue
			}
			l.lastErr = err
			if l.attempts >= l.policy.MaxAttempts {
				l.state = StateExhausted
				continue
			}
			l.state = StateWaiting

		case StateWaiting:
			d := l.schedule.NextBackOff()
			if !deadline.IsZero() && l.clock.Now().Add(d).After(deadline) {
				l.state = StateDeadlineExceeded
				continue
			}
			if err := l.clock.Sleep(ctx, d); err != nil {
				l.lastErr = err
				l.state = StateCancelled
				continue
			}
			l.waited += d
			l.state = StateAttempting

		case StateSucceeded:
			return nil
		case StateExhausted:
			return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, l.attempts, l.lastErr)
		case StateDeadlineExceeded:
			return fmt.Errorf("%w after %d attempts in %s: %v", ErrDeadlineExceeded, l.attempts, l.waited, l.lastErr)
		case StateFailed, StateCancelled:
			return l.lastErr
		}
	}
}

func (l *Loop) State() State { return l.state }

func (l *Loop) Attempts() int { return l.attempts }

// Do is NewLoop(p, clk).Run(ctx, op).
func Do(ctx context.Context, p Policy, clk clock.Clock, op Op) error {
	return NewLoop(p, clk).Run(ctx, op)
}
