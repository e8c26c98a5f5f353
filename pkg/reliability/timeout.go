package reliability

import (
	"context"
	"time"

	pkgerrors "github.com/runplane/runplane/pkg/errors"
)

// WithTimeout runs op with a deadline of d, converting deadline expiry into
// a TimeoutError named after the operation. The operation must honour
// context cancellation; a misbehaving op is abandoned when the deadline
// fires.
func WithTimeout(ctx context.Context, name string, d time.Duration, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &pkgerrors.TimeoutError{
			Operation: name,
			Duration:  d,
			Cause:     callCtx.Err(),
		}
	}
}
