//go:build integration

package repository

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-api/internal/database"
	"marketplace-api/internal/model"
)

// newTestPool connects to TEST_DATABASE_URL, applies the schema and empties
// both tables. Tests sharing the database must not run in parallel.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := database.New(ctx, url, database.PoolOptions{MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.EnsureSchema(ctx))
	_, err = db.Pool.Exec(ctx, `TRUNCATE users, token_blacklist`)
	require.NoError(t, err)

	return db.Pool
}

func newUser(email string) model.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.User{
		ID:           uuid.NewString(),
		Email:        email,
		FirstName:    "Ada",
		LastName:     "Obi",
		PhoneNumber:  "+2348031234567",
		PasswordHash: "$2a$12$placeholderplaceholderplaceholderplaceholderplace",
		Role:         model.RoleUser,
		Status:       model.StatusNew,
		Active:       true,
		Metadata:     map[string]any{"source": "test"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestUserRepositoryCreateAndFind(t *testing.T) {
	repo := NewUserRepository(newTestPool(t))
	ctx := context.Background()

	u := newUser("Ada@Example.com")
	require.NoError(t, repo.Create(ctx, u))

	byID, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada@Example.com", byID.Email)
	assert.Equal(t, "test", byID.Metadata["source"])

	byEmail, err := repo.FindByEmail(ctx, "  ada@EXAMPLE.com ")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	_, err = repo.FindByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, model.ErrUserNotFound)

	_, err = repo.FindByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, model.ErrUserNotFound)
}

func TestUserRepositoryRejectsDuplicateEmailIgnoringCase(t *testing.T) {
	repo := NewUserRepository(newTestPool(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newUser("ada@example.com")))
	err := repo.Create(ctx, newUser("ADA@example.com"))
	assert.ErrorIs(t, err, model.ErrUserAlreadyExists)
}

func TestUserRepositoryUpdate(t *testing.T) {
	repo := NewUserRepository(newTestPool(t))
	ctx := context.Background()

	u := newUser("ada@example.com")
	require.NoError(t, repo.Create(ctx, u))
	other := newUser("obi@example.com")
	require.NoError(t, repo.Create(ctx, other))

	u.Status = model.StatusActive
	u.Metadata["last_sign_in"] = "2026-03-01T12:00:00Z"
	require.NoError(t, repo.Update(ctx, u))

	got, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, "2026-03-01T12:00:00Z", got.Metadata["last_sign_in"])

	u.Email = "OBI@example.com"
	assert.ErrorIs(t, repo.Update(ctx, u), model.ErrUserAlreadyExists)

	missing := newUser("ghost@example.com")
	assert.ErrorIs(t, repo.Update(ctx, missing), model.ErrUserNotFound)
}

func TestLedgerRepositoryInsertIfAbsent(t *testing.T) {
	repo := NewLedgerRepository(newTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC()

	entry := model.RevocationEntry{Token: "tok-1", UserID: uuid.NewString(), ExpiresAt: now.Add(time.Hour), RevokedAt: now}

	inserted, err := repo.InsertIfAbsent(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertIfAbsent(ctx, entry)
	require.NoError(t, err)
	assert.False(t, inserted)

	revoked, err := repo.IsRevoked(ctx, "tok-1", entry.UserID, now)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = repo.IsRevoked(ctx, "tok-1", uuid.NewString(), now)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = repo.IsRevoked(ctx, "tok-1", entry.UserID, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, revoked, "entries past expiry are not relevant")
}

func TestLedgerRepositoryConcurrentInsertHasOneWinner(t *testing.T) {
	repo := NewLedgerRepository(newTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC()
	entry := model.RevocationEntry{Token: "contested", UserID: uuid.NewString(), ExpiresAt: now.Add(time.Hour), RevokedAt: now}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := repo.InsertIfAbsent(ctx, entry)
			assert.NoError(t, err)
			if inserted {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLedgerRepositoryDeleteExpiredBatch(t *testing.T) {
	repo := NewLedgerRepository(newTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC()

	for i := range 5 {
		_, err := repo.InsertIfAbsent(ctx, model.RevocationEntry{
			Token: uuid.NewString(), UserID: uuid.NewString(),
			ExpiresAt: now.Add(-time.Duration(i+1) * time.Minute), RevokedAt: now,
		})
		require.NoError(t, err)
	}
	_, err := repo.InsertIfAbsent(ctx, model.RevocationEntry{
		Token: "live", UserID: uuid.NewString(), ExpiresAt: now.Add(time.Hour), RevokedAt: now,
	})
	require.NoError(t, err)

	removed, err := repo.DeleteExpiredBatch(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	removed, err = repo.DeleteExpiredBatch(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	removed, err = repo.DeleteExpiredBatch(ctx, now, 100)
	require.NoError(t, err)
	assert.Zero(t, removed)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
