package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/settlement-engine/internal/apperr"
)

// Retry runs fn in a transaction and re-runs it from the top, re-reading
// all state, while the commit conflicts with a concurrent one. It gives up
// after attempts tries and returns the last conflict. onConflict, if set,
// is called once per conflicting attempt.
func Retry(ctx context.Context, s Store, attempts int, onConflict func(), fn func(tx Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.InTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if onConflict != nil {
			onConflict()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// AppError classifies an error that escaped a store operation. Errors
// already classified pass through unchanged.
func AppError(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrConflict):
		return apperr.Conflict(err, op)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperr.Conflict(err, op)
	}
	return apperr.Store(err, op)
}

// NotFound converts ErrNotFound into a NotFound error naming the entity.
// Other errors are returned unchanged.
func NotFound(err error, entity, id string) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, err, entity+" not found",
			fmt.Sprintf("%s %s does not exist.", entity, id))
	}
	return err
}
