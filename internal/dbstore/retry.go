package dbstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"tradecore/pkg/apperr"
)

const (
	maxTxAttempts = 3
	retryBase     = 25 * time.Millisecond
)

// IsRetryable recognises the transient driver errors worth retrying:
// deadlock detection, lock-wait failure, and serialization failure.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40P01", // deadlock_detected
		"55P03", // lock_not_available
		"40001": // serialization_failure
		return true
	}
	return false
}

// WithTxRetry runs fn inside a READ COMMITTED transaction, retrying up to
// three times on retryable errors with 25ms x attempt^2 backoff. After the
// final attempt the error surfaces classified as Transient.
func (s *Store) WithTxRetry(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		lastErr = s.runTx(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}

		s.logger.Warn("transaction retry",
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == maxTxAttempts {
			break
		}

		backoff := retryBase * time.Duration(attempt*attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return apperr.Wrap(apperr.Transient, "transaction retries exhausted", lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
