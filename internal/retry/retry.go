// Package retry is the single back-off policy shared by every external
// call DietBot makes: model calls, estimation, WhatsApp sends, media
// downloads, ledger writes and object-store uploads.
//
// A [Policy] runs an operation up to Attempts times, sleeping with
// exponential back-off between attempts, but only when the failure is
// transient (see [IsTransient]). Permanent failures and context
// cancellation stop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// Policy controls attempts and exponential back-off timing.
type Policy struct {
	// Attempts is the total number of tries, including the first (default: 3).
	Attempts int

	// InitialDelay is the pause after the first failure. Zero disables sleeping.
	InitialDelay time.Duration

	// MaxDelay is the ceiling for back-off growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// Logger receives per-attempt diagnostics. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Default returns 3 attempts at 500ms, 1s (capped at 10s).
func Default() Policy {
	return Policy{
		Attempts:     3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// ExhaustedError is returned when every attempt failed transiently.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, fails permanently, ctx is done, or the
// policy runs out of attempts.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var zero T
	delay := p.InitialDelay
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retry", "op", op, "attempts", attempt)
			}
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if !IsTransient(err) {
			return zero, err
		}
		if attempt >= attempts {
			return zero, &ExhaustedError{Op: op, Attempts: attempt, Err: err}
		}

		logger.Debug("transient failure, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return zero, err
		}
		delay = time.Duration(float64(delay) * mult)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Temporary() bool { return true }

// Transient marks err as retryable. Stores use it for conditions such as
// a busy database or an unavailable backend that the generic classifier
// cannot recognize.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient classifies err as a failure the same call may survive:
// anything reporting Temporary(), an HTTP status of 5xx/429/408, network
// timeouts, dial failures, connection resets and truncated responses.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		code := status.HTTPStatusCode()
		return code >= 500 || code == 429 || code == 408
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.EPIPE:
			return true
		}
	}

	return errors.Is(err, io.ErrUnexpectedEOF)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
