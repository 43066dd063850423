package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartsentry/sentry"
)

// PostgresContactRepository stores each user's trusted contacts.
type PostgresContactRepository struct {
	DB *sql.DB
}

func NewContactRepository(db *sql.DB) *PostgresContactRepository {
	return &PostgresContactRepository{DB: db}
}

// List returns the user's contacts, oldest first.
func (r *PostgresContactRepository) List(ctx context.Context, userID string) ([]sentry.Contact, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, name, relation, phone FROM contacts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list contacts")
	}
	defer rows.Close()

	contacts := []sentry.Contact{}
	for rows.Next() {
		var c sentry.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Relation, &c.Phone); err != nil {
			return nil, errors.Wrap(err, "scan contact")
		}
		contacts = append(contacts, c)
	}
	return contacts, errors.WithStack(rows.Err())
}

func (r *PostgresContactRepository) Create(ctx context.Context, userID string, in sentry.ContactInput) (sentry.Contact, error) {
	c := sentry.Contact{ID: uuid.NewString(), Name: in.Name, Relation: in.Relation, Phone: in.Phone}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO contacts (id, user_id, name, relation, phone) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, userID, c.Name, c.Relation, c.Phone)
	if err != nil {
		return sentry.Contact{}, errors.Wrap(err, "insert contact")
	}
	return c, nil
}

// Update replaces a contact owned by userID.
func (r *PostgresContactRepository) Update(ctx context.Context, userID, id string, in sentry.ContactInput) (sentry.Contact, error) {
	var c sentry.Contact
	err := r.DB.QueryRowContext(ctx, `
		UPDATE contacts SET name = $3, relation = $4, phone = $5
		WHERE id = $1 AND user_id = $2
		RETURNING id, name, relation, phone`,
		id, userID, in.Name, in.Relation, in.Phone,
	).Scan(&c.ID, &c.Name, &c.Relation, &c.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return sentry.Contact{}, ErrNotFound
	}
	if err != nil {
		return sentry.Contact{}, errors.Wrap(err, "update contact")
	}
	return c, nil
}

func (r *PostgresContactRepository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM contacts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return errors.Wrap(err, "delete contact")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "delete contact")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
