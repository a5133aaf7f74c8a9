package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-api/internal/model"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

const userColumns = `id, email, first_name, last_name, phone_number, password_hash,
	role, status, active, metadata, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.PhoneNumber, &u.PasswordHash,
		&u.Role, &u.Status, &u.Active, &u.Metadata, &u.CreatedAt, &u.UpdatedAt)
	if u.Metadata == nil {
		u.Metadata = map[string]any{}
	}
	return u, err
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := withRetry(ctx, func() error {
		var scanErr error
		u, scanErr = scanUser(r.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
		return scanErr
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user by id: %w", err)
	}
	return u, nil
}

// FindByEmail matches case-insensitively; the stored casing is returned unchanged.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := withRetry(ctx, func() error {
		var scanErr error
		u, scanErr = scanUser(r.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`,
			strings.TrimSpace(email)))
		return scanErr
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user by email: %w", err)
	}
	return u, nil
}

func (r *UserRepository) Create(ctx context.Context, u model.User) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO users (id, email, first_name, last_name, phone_number, password_hash,
			                    role, status, active, metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			u.ID, u.Email, u.FirstName, u.LastName, u.PhoneNumber, u.PasswordHash,
			u.Role, u.Status, u.Active, metadataOrEmpty(u.Metadata), u.CreatedAt, u.UpdatedAt)
		return err
	})
	if isUniqueViolation(err) {
		return model.ErrUserAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Update persists every mutable column of u inside one transaction.
func (r *UserRepository) Update(ctx context.Context, u model.User) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users
			    SET email = $2, phone_number = $3, password_hash = $4, role = $5,
			        status = $6, active = $7, metadata = $8, updated_at = $9
			  WHERE id = $1`,
			u.ID, u.Email, u.PhoneNumber, u.PasswordHash, u.Role,
			u.Status, u.Active, metadataOrEmpty(u.Metadata), u.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return model.ErrUserNotFound
		}
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrUserNotFound):
		return err
	case isUniqueViolation(err):
		return model.ErrUserAlreadyExists
	default:
		return fmt.Errorf("update user: %w", err)
	}
}

func metadataOrEmpty(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}
