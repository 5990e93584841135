package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use normal backoff
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration // zero means uncapped
	OnRetry        func(attempt int, err error, backoff time.Duration)
}

type Classify func(err error) Action
type Operation[T any] func() (T, error)

// RetryUnlessCancelled retries every error except context cancellation.
func RetryUnlessCancelled(err error) Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Stop
	}
	return Retry
}

func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	backoff := NewBackoff(p.InitialBackoff, p.MaxBackoff)

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		if classify(err) == Stop {
			var zero T
			return zero, &PermanentError{Err: err}
		}

		if attempt == p.MaxAttempts {
			var zero T
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		wait := backoff.Next()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	panic("unreachable: MaxAttempts must be >= 1")
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Backoff yields doubling delays starting at Initial, capped at Max.
// Not safe for concurrent use.
type Backoff struct {
	initial  time.Duration
	max      time.Duration
	attempts int
}

func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{initial: initial, max: max}
}

// Next returns the delay for the next consecutive failure.
func (b *Backoff) Next() time.Duration {
	delay := b.initial
	for i := 0; i < b.attempts; i++ {
		delay *= 2
		if b.max > 0 && delay >= b.max {
			delay = b.max
			break
		}
	}
	if b.max > 0 && delay > b.max {
		delay = b.max
	}
	b.attempts++
	return delay
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts returns the number of consecutive failures seen since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }
