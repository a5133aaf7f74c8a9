package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryAttempts = 3
	retryBackoff  = 50 * time.Millisecond
)

const uniqueViolation = "23505"

// withRetry re-runs a read when the failure is a transient connectivity error.
// Query errors, constraint violations and cancelled contexts are returned as-is.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	backoff := retryBackoff

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil || !isTransient(ctx, err) || attempt == retryAttempts {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}

	return err
}

func isTransient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}

	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
