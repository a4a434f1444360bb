// Package retry provides the clock abstraction used by bounded retry loops
// and an exponential-backoff helper for infrastructure calls.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Clock supplies the current time and timers. Tests substitute a manual
// clock so that backoff never sleeps for real.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Wait blocks for d on clock, returning early with ctx.Err() if ctx is
// cancelled first. It never blocks the calling goroutine beyond d.
func Wait(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, clock Clock, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if clock == nil {
		clock = SystemClock{}
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter
		if jitter > 0 {
			sleep += time.Duration(rand.Int64N(int64(2*jitter + 1)))
		}

		if werr := Wait(ctx, clock, sleep); werr != nil {
			return werr
		}

		delay *= 2
	}

	return err
}
