package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/smartsentry/sentry"
)

const evidenceColumns = `id, sos_id, type, file_name, content_type, size, location, shared_with, created_at`

// PostgresEvidenceRepository stores evidence metadata. File contents live in an EvidenceBucket.
type PostgresEvidenceRepository struct {
	DB *sql.DB
}

func NewEvidenceRepository(db *sql.DB) *PostgresEvidenceRepository {
	return &PostgresEvidenceRepository{DB: db}
}

// NewEvidenceID returns an ID for an item about to be stored.
func NewEvidenceID() string {
	return uuid.NewString()
}

// Create records an uploaded item whose content was written under blobKey.
func (r *PostgresEvidenceRepository) Create(ctx context.Context, userID string, e sentry.Evidence, blobKey string) (sentry.Evidence, error) {
	if e.ID == "" {
		e.ID = NewEvidenceID()
	}
	location, _ := e.Location.(string)
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO evidence (id, user_id, sos_id, type, file_name, content_type, size, blob_key, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+evidenceColumns,
		e.ID, userID, e.SOSID, string(e.Type), e.FileName, e.ContentType, e.Size, blobKey, location,
	).Scan(evidenceDest(&e, new(string))...)
	if err != nil {
		return sentry.Evidence{}, errors.Wrap(err, "insert evidence")
	}
	return finishEvidence(e, location), nil
}

// List returns one page of the user's evidence, newest first, and the total count.
func (r *PostgresEvidenceRepository) List(ctx context.Context, userID string, limit, offset int) ([]sentry.Evidence, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evidence WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count evidence")
	}
	items, err := r.query(ctx, `
		SELECT `+evidenceColumns+` FROM evidence
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	return items, total, err
}

// BySOS returns the evidence attached to one emergency.
func (r *PostgresEvidenceRepository) BySOS(ctx context.Context, userID, sosID string) ([]sentry.Evidence, error) {
	return r.query(ctx, `
		SELECT `+evidenceColumns+` FROM evidence
		WHERE user_id = $1 AND sos_id = $2
		ORDER BY created_at`, userID, sosID)
}

// Share adds recipients to an item's share list, ignoring ones already present.
func (r *PostgresEvidenceRepository) Share(ctx context.Context, userID, id string, recipients []string) (sentry.Evidence, error) {
	var (
		e        sentry.Evidence
		location string
	)
	err := r.DB.QueryRowContext(ctx, `
		UPDATE evidence
		SET shared_with = ARRAY(SELECT DISTINCT unnest(shared_with || $3::TEXT[]) ORDER BY 1)
		WHERE id = $1 AND user_id = $2
		RETURNING `+evidenceColumns,
		id, userID, pq.Array(recipients),
	).Scan(evidenceDest(&e, &location)...)
	if errors.Is(err, sql.ErrNoRows) {
		return sentry.Evidence{}, ErrNotFound
	}
	if err != nil {
		return sentry.Evidence{}, errors.Wrap(err, "share evidence")
	}
	return finishEvidence(e, location), nil
}

// BlobKey returns where an item's content is stored and its content type.
func (r *PostgresEvidenceRepository) BlobKey(ctx context.Context, userID, id string) (key, contentType string, err error) {
	err = r.DB.QueryRowContext(ctx,
		`SELECT blob_key, content_type FROM evidence WHERE id = $1 AND user_id = $2`, id, userID,
	).Scan(&key, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", errors.Wrap(err, "find evidence")
	}
	return key, contentType, nil
}

func (r *PostgresEvidenceRepository) query(ctx context.Context, query string, args ...any) ([]sentry.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list evidence")
	}
	defer rows.Close()

	items := []sentry.Evidence{}
	for rows.Next() {
		var (
			e        sentry.Evidence
			location string
		)
		if err := rows.Scan(evidenceDest(&e, &location)...); err != nil {
			return nil, errors.Wrap(err, "scan evidence")
		}
		items = append(items, finishEvidence(e, location))
	}
	return items, errors.WithStack(rows.Err())
}

func evidenceDest(e *sentry.Evidence, location *string) []any {
	return []any{
		&e.ID, &e.SOSID, (*string)(&e.Type), &e.FileName, &e.ContentType, &e.Size,
		location, pq.Array(&e.SharedWith), &e.CreatedAt,
	}
}

func finishEvidence(e sentry.Evidence, location string) sentry.Evidence {
	e.Location = nil
	if location != "" {
		e.Location = location
	}
	e.URL = "/api/evidence/" + e.ID + "/file"
	return e
}
