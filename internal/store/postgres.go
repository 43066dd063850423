// Package store persists accounts, trusted contacts, emergencies and evidence in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry/internal/config"
)

var (
	// ErrNotFound is returned when a row does not exist or belongs to another user.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned when an email is already registered.
	ErrEmailTaken = errors.New("email already in use")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    email         TEXT NOT NULL UNIQUE,
    mobile        TEXT NOT NULL,
    address       TEXT NOT NULL DEFAULT '',
    profile_image TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS contacts (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    relation   TEXT NOT NULL,
    phone      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sos_events (
    id                TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    client_id         TEXT,
    type              TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'active',
    latitude          DOUBLE PRECISION,
    longitude         DOUBLE PRECISION,
    address           TEXT NOT NULL DEFAULT '',
    duration          INTEGER,
    contacts_notified INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_id, client_id)
);
CREATE INDEX IF NOT EXISTS sos_events_user_created ON sos_events (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS evidence (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    sos_id       TEXT NOT NULL,
    type         TEXT NOT NULL,
    file_name    TEXT NOT NULL,
    content_type TEXT NOT NULL,
    size         BIGINT NOT NULL,
    blob_key     TEXT NOT NULL,
    location     TEXT NOT NULL DEFAULT '',
    shared_with  TEXT[] NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS evidence_user_sos ON evidence (user_id, sos_id);
`

const startTimeout = 10 * time.Second

// InitPostgres opens dsn, checks the connection and creates the schema.
func InitPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate pings db and creates any missing tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "ping postgres")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create schema")
	}
	return nil
}

// Params defines the required parameters
type Params struct {
	fx.In
	fx.Lifecycle

	Config *config.Config
	Logger *zap.Logger
}

// New opens the database; the schema is applied when the app starts.
func New(params Params) (*sql.DB, error) {
	db, err := sql.Open("postgres", params.Config.Postgres.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	params.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			ctx, cancel := context.WithTimeout(startCtx, startTimeout)
			defer cancel()
			if err := Migrate(ctx, db); err != nil {
				return err
			}
			params.Logger.Info("postgres ready")
			return nil
		},
		OnStop: func(_ context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type scanner interface {
	Scan(dest ...any) error
}
