package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-api/internal/model"
)

// LedgerRepository stores revoked tokens in the token_blacklist table.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// InsertIfAbsent records entry unless the same token is already blacklisted for
// the same identity. It reports whether a row was written. The insert tolerates a
// concurrent writer through the unique index on token.
func (r *LedgerRepository) InsertIfAbsent(ctx context.Context, entry model.RevocationEntry) (bool, error) {
	inserted := false

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE token = $1 AND user_id = $2)`,
			entry.Token, entry.UserID).Scan(&exists); err != nil {
			return fmt.Errorf("check entry: %w", err)
		}
		if exists {
			return nil
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO token_blacklist (token, user_id, expires_at, revoked_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (token) DO NOTHING`,
			entry.Token, entry.UserID, entry.ExpiresAt, entry.RevokedAt)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}

	return inserted, nil
}

// IsRevoked reports whether a still-relevant entry exists for token and identity.
func (r *LedgerRepository) IsRevoked(ctx context.Context, token string, userID string, now time.Time) (bool, error) {
	var exists bool
	err := withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT EXISTS(
			     SELECT 1 FROM token_blacklist
			      WHERE token = $1 AND user_id = $2 AND expires_at >= $3)`,
			token, userID, now).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("lookup revoked token: %w", err)
	}
	return exists, nil
}

// DeleteExpiredBatch removes at most limit rows that expired before cutoff and
// commits them as one unit.
func (r *LedgerRepository) DeleteExpiredBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var removed int64

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM token_blacklist
			  WHERE id IN (
			        SELECT id FROM token_blacklist
			         WHERE expires_at < $1
			         ORDER BY expires_at
			         LIMIT $2
			         FOR UPDATE SKIP LOCKED)`,
			cutoff, limit)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}

	return removed, nil
}

func (r *LedgerRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM token_blacklist`).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}
