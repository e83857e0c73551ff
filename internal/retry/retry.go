// Package retry provides a shared retry executor with exponential backoff
// and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
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

// Options configures Do.
type Options struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration
	// BackoffMultiplier scales the delay after each retry. Values <= 1
	// mean a constant delay.
	BackoffMultiplier float64
	// Jitter scales each delay by a uniform random factor in [0.5, 1.0].
	Jitter bool
	// IsRetryable decides whether an error is worth another attempt.
	// nil means every error is retryable. PermanentError always aborts,
	// regardless of this predicate.
	IsRetryable func(error) bool
	// OnRetry is invoked before each backoff sleep with the attempt number
	// that just failed, its error, and the upcoming delay. Side-effect only.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Do calls fn up to opts.MaxAttempts times with exponential backoff.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError or opts.IsRetryable rejects the error
//   - ctx is cancelled
//
// The last attempt never waits afterward; its error is returned as-is.
func Do(ctx context.Context, opts Options, fn func() error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffMultiplier <= 1 {
		opts.BackoffMultiplier = 1
	}

	var err error
	delay := opts.InitialDelay

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if opts.IsRetryable != nil && !opts.IsRetryable(err) {
			return err
		}

		// Don't sleep after the last attempt.
		if attempt == opts.MaxAttempts {
			break
		}

		if opts.MaxDelay > 0 && delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}

		sleep := delay
		if opts.Jitter && sleep > 0 {
			// Uniform factor in [0.5, 1.0].
			half := sleep / 2
			sleep = half + time.Duration(cryptoInt64n(int64(half)+1))
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, sleep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * opts.BackoffMultiplier)
	}

	return err
}

// NetworkErrors returns a predicate that retries only network-level
// failures: timeouts, refused/reset connections, DNS errors, and deadline
// expiry. Anything else aborts immediately.
func NetworkErrors() func(error) bool {
	return func(err error) bool {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return true
		}
		var opErr *net.OpError
		return errors.As(err, &opErr)
	}
}

// httpStatusError is implemented by errors carrying an HTTP status code.
type httpStatusError interface {
	HTTPStatus() int
}

// HTTPStatuses returns a predicate that retries only errors carrying one of
// the given HTTP status codes. Errors without a status code are not retried.
func HTTPStatuses(statuses ...int) func(error) bool {
	allowed := make(map[int]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}
	return func(err error) bool {
		var se httpStatusError
		if !errors.As(err, &se) {
			return false
		}
		return allowed[se.HTTPStatus()]
	}
}
