package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Class decides what happens after a failed attempt.
type Class int

const (
	// Transient failures are retried after the short backoff.
	Transient Class = iota
	// Quota failures are retried after the long backoff.
	Quota
	// Terminal failures abandon the unit of work without retry.
	Terminal
	// Fatal failures abandon the unit and must stop the caller.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Quota:
		return "quota"
	case Terminal:
		return "terminal"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default ctx-aware SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Policy struct {
	MaxAttempts      int
	TransientBackoff time.Duration
	QuotaBackoff     time.Duration
	Classify         func(error) Class
}

// Backoff returns the wait before the next attempt for a failure class.
func (p Policy) Backoff(class Class) time.Duration {
	if class == Quota {
		return p.QuotaBackoff
	}
	return p.TransientBackoff
}

func (p Policy) classify(err error) Class {
	if p.Classify == nil {
		return Transient
	}
	return p.Classify(err)
}

// ExhaustedError is returned once every attempt failed with a retryable class.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// ClassifiedError carries the class that stopped the retry loop early.
type ClassifiedError struct {
	Class   Class
	Attempt int
	Err     error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s failure on attempt %d: %v", e.Class, e.Attempt, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// ClassOf reports the class attached by Do, if any.
func ClassOf(err error) (Class, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return Transient, true
	}
	return 0, false
}

// Do runs op until it succeeds, fails with a non-retryable class, or the
// attempt budget is spent. The attempt number passed to op starts at 1.
func Do[T any](ctx context.Context, p Policy, sleep SleepFunc, logger *slog.Logger, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		class := p.classify(err)
		if class == Terminal || class == Fatal {
			return zero, &ClassifiedError{Class: class, Attempt: attempt, Err: err}
		}

		if attempt == maxAttempts {
			break
		}

		delay := p.Backoff(class)
		logger.Warn("attempt failed, backing off",
			"attempt", attempt,
			"class", class.String(),
			"delay", delay,
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}
