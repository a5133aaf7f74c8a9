package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-api/internal/model"
	"marketplace-api/internal/token"
)

const DefaultPurgeBatchSize = 1000

// LedgerStore persists revoked tokens.
type LedgerStore interface {
	InsertIfAbsent(ctx context.Context, entry model.RevocationEntry) (bool, error)
	IsRevoked(ctx context.Context, token string, userID string, now time.Time) (bool, error)
	DeleteExpiredBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type Outcome int

const (
	OutcomeRevoked Outcome = iota + 1
	OutcomeAlreadyRevoked
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRevoked:
		return "revoked"
	case OutcomeAlreadyRevoked:
		return "already_revoked"
	case OutcomeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RevocationLedger is the blacklist of refresh tokens that must no longer be
// honoured before their natural expiry.
type RevocationLedger struct {
	codec *token.Codec
	store LedgerStore
	now   func() time.Time
}

func NewRevocationLedger(codec *token.Codec, store LedgerStore) (*RevocationLedger, error) {
	if codec == nil || store == nil {
		return nil, errors.New("revocation ledger requires a codec and a store")
	}
	return &RevocationLedger{
		codec: codec,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *RevocationLedger) SetClock(now func() time.Time) {
	l.now = now
}

// Revoke records tok in the ledger. Tokens that fail to decode return the codec
// error; expired tokens are not written.
func (l *RevocationLedger) Revoke(ctx context.Context, tok string) (Outcome, error) {
	claims, err := l.codec.Decode(tok)
	if errors.Is(err, token.ErrExpiredToken) {
		return OutcomeExpired, nil
	}
	if err != nil {
		return 0, err
	}

	now := l.now()
	expiresAt := claims.ExpiresAtTime()
	if !expiresAt.After(now) {
		return OutcomeExpired, nil
	}

	inserted, err := l.store.InsertIfAbsent(ctx, model.RevocationEntry{
		Token:     tok,
		UserID:    claims.IdentityID,
		ExpiresAt: expiresAt,
		RevokedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("record revocation: %w", err)
	}
	if !inserted {
		return OutcomeAlreadyRevoked, nil
	}
	return OutcomeRevoked, nil
}

// IsRevoked fails closed: a token that does not decode counts as revoked.
func (l *RevocationLedger) IsRevoked(ctx context.Context, tok string) (bool, error) {
	claims, err := l.codec.Decode(tok)
	if err != nil {
		return true, nil
	}

	revoked, err := l.store.IsRevoked(ctx, tok, claims.IdentityID, l.now())
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return revoked, nil
}

// PurgeExpired deletes entries whose token expired before the moment the purge
// started, batchSize rows per statement, and returns how many were removed.
func (l *RevocationLedger) PurgeExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = DefaultPurgeBatchSize
	}

	cutoff := l.now()
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		removed, err := l.store.DeleteExpiredBatch(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("purge expired entries: %w", err)
		}
		if removed == 0 {
			return total, nil
		}
		total += removed
	}
}

// isTokenError reports whether err came from decoding a credential.
func isTokenError(err error) bool {
	return errors.Is(err, token.ErrInvalidToken) ||
		errors.Is(err, token.ErrExpiredToken) ||
		errors.Is(err, token.ErrSignature)
}
