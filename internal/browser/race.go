package browser

import (
	"context"
	"fmt"
	"time"
)

// Race runs fn in its own goroutine and returns ErrStepTimeout if it has not
// finished within d. A panic inside fn is returned as an error. The
// goroutine is abandoned on timeout; its result is dropped.
func Race[T any](ctx context.Context, d time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	var zero T
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn()
		resultCh <- result{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.val, res.err
	case <-timer.C:
		return zero, fmt.Errorf("%w after %s", ErrStepTimeout, d)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// bounded is Race for driver calls that return only an error.
func bounded(ctx context.Context, d time.Duration, fn func() error) error {
	_, err := Race(ctx, d, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
