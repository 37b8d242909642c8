// Package retry provides bounded retry with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop. The wait after attempt n (1-based) is
// BaseDelay * Multiplier^(n-1), capped at MaxDelay when set.
type Policy struct {
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	Multiplier  float64       `envconfig:"MULTIPLIER" default:"3"`
	MaxDelay    time.Duration `envconfig:"MAX_DELAY" default:"30s"`
}

// DefaultPolicy is three attempts spaced 1s, 3s (and 9s if extended).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  3,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait that follows the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Attempts returns MaxAttempts, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Do calls fn with the 1-based attempt number until it succeeds, returns a
// PermanentError, the attempts run out or ctx is cancelled. The unwrapped
// cause is returned for permanent errors; the last error otherwise.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	limit := p.Attempts()

	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == limit {
			break
		}

		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}

	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
