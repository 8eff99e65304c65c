// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy configures Do.
type Policy struct {
	// Attempts is the total number of tries, including the first (default: 5)
	Attempts int

	// BaseDelay is the wait before the second try; it doubles on every retry (default: 50ms)
	BaseDelay time.Duration

	// Retryable decides whether an error is worth another try.
	// If nil, every error is retried.
	Retryable func(error) bool
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  5,
		BaseDelay: 50 * time.Millisecond,
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls op until it succeeds, returns a non-retryable error, the policy's
// attempts are used up, or ctx is done.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy().Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy().BaseDelay
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= p.Attempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
		delay *= 2
	}
}
