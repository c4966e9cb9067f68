package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy bounds how often a write is repeated. Attempt n waits n*Backoff before running again.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 250 * time.Millisecond}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func retryable(err error) bool {
	var perm *permanentError
	switch {
	case errors.As(err, &perm),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, models.ErrPrecondition),
		errors.Is(err, models.ErrMissingIdentity),
		errors.Is(err, persistence.ErrRecordNotFound):
		return false
	}
	return true
}

// Retry runs op until it succeeds, fails permanently or runs out of attempts.
// A uniqueness conflict counts as success: the write already landed. onRetry,
// if set, is called before every repeated attempt.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil || persistence.IsConflict(err) {
			return nil
		}
		if !retryable(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			return err
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		t := time.NewTimer(time.Duration(attempt) * policy.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
}
