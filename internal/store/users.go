package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartsentry/sentry"
)

const userColumns = `id, name, email, mobile, address, profile_image, created_at`

// PostgresUserRepository stores accounts.
type PostgresUserRepository struct {
	DB *sql.DB
}

func NewUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{DB: db}
}

// Create inserts a user and returns it with its new ID. A duplicate email yields ErrEmailTaken.
func (r *PostgresUserRepository) Create(ctx context.Context, u sentry.User, passwordHash string) (sentry.User, error) {
	u.ID = uuid.NewString()
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, mobile, address, profile_image, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		u.ID, u.Name, u.Email, u.Mobile, u.Address, u.ProfileImage, passwordHash,
	).Scan(&u.CreatedAt)
	if isUniqueViolation(err) {
		return sentry.User{}, ErrEmailTaken
	}
	if err != nil {
		return sentry.User{}, errors.Wrap(err, "insert user")
	}
	return u, nil
}

// ByEmail returns a user and their password hash.
func (r *PostgresUserRepository) ByEmail(ctx context.Context, email string) (sentry.User, string, error) {
	var hash string
	u, err := scanUser(r.DB.QueryRowContext(ctx,
		`SELECT `+userColumns+`, password_hash FROM users WHERE email = $1`, email), &hash)
	if err != nil {
		return sentry.User{}, "", err
	}
	return u, hash, nil
}

func (r *PostgresUserRepository) ByID(ctx context.Context, id string) (sentry.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// EmailTaken reports whether another user already has email.
func (r *PostgresUserRepository) EmailTaken(ctx context.Context, email, exceptID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = $1 AND id <> $2)`, email, exceptID,
	).Scan(&exists)
	return exists, errors.Wrap(err, "check email")
}

// Update changes the non-empty fields of upd.
func (r *PostgresUserRepository) Update(ctx context.Context, id string, upd sentry.ProfileUpdate) (sentry.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `
		UPDATE users SET
			name    = COALESCE(NULLIF($2, ''), name),
			email   = COALESCE(NULLIF($3, ''), email),
			mobile  = COALESCE(NULLIF($4, ''), mobile),
			address = COALESCE(NULLIF($5, ''), address)
		WHERE id = $1
		RETURNING `+userColumns,
		id, upd.Name, upd.Email, upd.Mobile, upd.Address,
	))
	if isUniqueViolation(err) {
		return sentry.User{}, ErrEmailTaken
	}
	return u, err
}

func scanUser(row scanner, extra ...any) (sentry.User, error) {
	var u sentry.User
	dest := append([]any{&u.ID, &u.Name, &u.Email, &u.Mobile, &u.Address, &u.ProfileImage, &u.CreatedAt}, extra...)
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return sentry.User{}, ErrNotFound
	}
	if err != nil {
		return sentry.User{}, errors.Wrap(err, "scan user")
	}
	return u, nil
}
