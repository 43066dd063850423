package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartsentry/sentry"
)

const sosColumns = `id, type, status, latitude, longitude, address, duration, contacts_notified, created_at`

// PostgresSOSRepository stores emergency events.
type PostgresSOSRepository struct {
	DB *sql.DB
}

func NewSOSRepository(db *sql.DB) *PostgresSOSRepository {
	return &PostgresSOSRepository{DB: db}
}

// Create logs an SOS for userID. When ev.ClientID repeats one the user
// already sent, the stored record is returned with created set to false.
func (r *PostgresSOSRepository) Create(ctx context.Context, userID string, ev sentry.SOSEvent) (rec sentry.EmergencyRecord, created bool, err error) {
	loc := sentry.NormalizeLocationValue(ev.Location)
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO sos_events (id, user_id, client_id, type, latitude, longitude, address, contacts_notified)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, (SELECT COUNT(*) FROM contacts WHERE user_id = $2))
		ON CONFLICT (user_id, client_id) DO UPDATE SET client_id = EXCLUDED.client_id
		RETURNING `+sosColumns+`, (xmax = 0)`,
		uuid.NewString(), userID, ev.ClientID, string(ev.Type),
		nullFloat(loc.Latitude), nullFloat(loc.Longitude), loc.Address,
	)
	rec, err = scanRecord(row, &created)
	if err != nil {
		return sentry.EmergencyRecord{}, false, err
	}
	return rec, created, nil
}

// History returns one page of the user's events, newest first, and the total count.
func (r *PostgresSOSRepository) History(ctx context.Context, userID string, limit, offset int) ([]sentry.EmergencyRecord, int, error) {
	var total int
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sos_events WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count sos events")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+sosColumns+` FROM sos_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list sos events")
	}
	defer rows.Close()

	records := []sentry.EmergencyRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, errors.WithStack(rows.Err())
}

// UpdateStatus sets the status of an event and, when given, its duration in seconds.
func (r *PostgresSOSRepository) UpdateStatus(ctx context.Context, userID, id string, upd sentry.StatusUpdate) (sentry.EmergencyRecord, error) {
	var duration sql.NullInt64
	if upd.Duration != nil {
		duration = sql.NullInt64{Int64: int64(*upd.Duration), Valid: true}
	}
	return scanRecord(r.DB.QueryRowContext(ctx, `
		UPDATE sos_events SET status = $3, duration = COALESCE($4, duration)
		WHERE id = $1 AND user_id = $2
		RETURNING `+sosColumns,
		id, userID, string(upd.Status), duration,
	))
}

func scanRecord(row scanner, extra ...any) (sentry.EmergencyRecord, error) {
	var (
		rec       sentry.EmergencyRecord
		lat, lng  sql.NullFloat64
		duration  sql.NullInt64
		notified  int
		typ, stat string
	)
	dest := append([]any{&rec.ID, &typ, &stat, &lat, &lng, &rec.Location.Address, &duration, &notified, &rec.Timestamp}, extra...)
	err := row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return sentry.EmergencyRecord{}, ErrNotFound
	}
	if err != nil {
		return sentry.EmergencyRecord{}, errors.Wrap(err, "scan sos event")
	}

	rec.Type = sentry.EmergencyType(typ)
	rec.Status = sentry.EmergencyStatus(stat)
	if lat.Valid && lng.Valid {
		rec.Location.Latitude = &lat.Float64
		rec.Location.Longitude = &lng.Float64
	}
	if rec.Location.Address == "" && !rec.Location.HasCoordinates() {
		rec.Location.Address = sentry.UnknownLocation
	}
	if duration.Valid {
		d := int(duration.Int64)
		rec.Duration = &d
	}
	rec.ContactsNotified = &notified
	return rec, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
