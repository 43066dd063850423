package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartsentry/sentry"
)

func setupMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var userRowColumns = []string{"id", "name", "email", "mobile", "address", "profile_image", "created_at"}

func TestMigrate(t *testing.T) {
	db, mock := setupMock(t)
	mock.ExpectPing()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), db))
}

func TestMigratePingFails(t *testing.T) {
	db, mock := setupMock(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	err := Migrate(context.Background(), db)
	assert.ErrorContains(t, err, "ping postgres")
}

func TestUserCreate(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewUserRepository(db)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(sqlmock.AnyArg(), "Asha", "asha@example.com", "+911234567890", "Pune", "", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	u, err := repo.Create(context.Background(), sentry.User{
		Name: "Asha", Email: "asha@example.com", Mobile: "+911234567890", Address: "Pune",
	}, "hash")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, created, u.CreatedAt)
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.Create(context.Background(), sentry.User{Email: "asha@example.com"}, "hash")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestUserByEmail(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`SELECT .+, password_hash FROM users WHERE email = \$1`).
		WithArgs("asha@example.com").
		WillReturnRows(sqlmock.NewRows(append(userRowColumns, "password_hash")).
			AddRow("u1", "Asha", "asha@example.com", "+91", "", "", time.Now(), "hash"))

	u, hash, err := repo.ByEmail(context.Background(), "asha@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "hash", hash)
}

func TestUserByIDNotFound(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`FROM users WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := repo.ByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserEmailTaken(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM users WHERE email = \$1 AND id <> \$2\)`).
		WithArgs("b@example.com", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	taken, err := repo.EmailTaken(context.Background(), "b@example.com", "u1")
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestUserUpdate(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`UPDATE users SET`).
		WithArgs("u1", "Asha K", "", "", "Mumbai").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "Asha K", "asha@example.com", "+91", "Mumbai", "", time.Now()))

	u, err := repo.Update(context.Background(), "u1", sentry.ProfileUpdate{Name: "Asha K", Address: "Mumbai"})
	require.NoError(t, err)
	assert.Equal(t, "Asha K", u.Name)
	assert.Equal(t, "Mumbai", u.Address)
	assert.Equal(t, "asha@example.com", u.Email)
}

func TestUserUpdateErrors(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`UPDATE users SET`).WillReturnRows(sqlmock.NewRows(userRowColumns))
	_, err := repo.Update(context.Background(), "gone", sentry.ProfileUpdate{Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`UPDATE users SET`).WillReturnError(&pq.Error{Code: "23505"})
	_, err = repo.Update(context.Background(), "u1", sentry.ProfileUpdate{Email: "taken@example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}
