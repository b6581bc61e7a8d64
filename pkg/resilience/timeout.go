package resilience

import (
	"context"
	"time"

	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// WithTimeout runs fn under a derived deadline. A deadline hit is reported
// as apperrors.ErrTimeout; a cancelled parent is reported as the parent's
// error. fn keeps running in the background until it observes ctx.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Newf(apperrors.ErrTimeout, "%s exceeded %v", name, timeout)
	}
}
