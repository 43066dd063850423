package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartsentry/sentry"
)

var sosRowColumns = []string{"id", "type", "status", "latitude", "longitude", "address", "duration", "contacts_notified", "created_at"}

func TestSOSCreate(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewSOSRepository(db)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO sos_events`).
		WithArgs(sqlmock.AnyArg(), "u1", "client-1", "panic", sql.NullFloat64{Float64: 18.52, Valid: true}, sql.NullFloat64{Float64: 73.85, Valid: true}, "18.52, 73.85").
		WillReturnRows(sqlmock.NewRows(append(sosRowColumns, "inserted")).
			AddRow("s1", "panic", "active", 18.52, 73.85, "18.52, 73.85", nil, 2, at, true))

	rec, created, err := repo.Create(context.Background(), "u1", sentry.SOSEvent{
		Type:     sentry.EmergencyPanic,
		Location: "18.52, 73.85",
		ClientID: "client-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "s1", rec.ID)
	assert.Equal(t, sentry.StatusActive, rec.Status)
	require.True(t, rec.Location.HasCoordinates())
	assert.InDelta(t, 18.52, *rec.Location.Latitude, 1e-9)
	assert.Equal(t, 2, *rec.ContactsNotified)
	assert.Nil(t, rec.Duration)
	assert.Equal(t, at, rec.Timestamp)
}

func TestSOSCreateResent(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewSOSRepository(db)

	mock.ExpectQuery(`ON CONFLICT \(user_id, client_id\)`).
		WithArgs(sqlmock.AnyArg(), "u1", "client-1", "manual", sql.NullFloat64{}, sql.NullFloat64{}, "Main gate").
		WillReturnRows(sqlmock.NewRows(append(sosRowColumns, "inserted")).
			AddRow("s1", "manual", "active", nil, nil, "Main gate", nil, 0, time.Now(), false))

	rec, created, err := repo.Create(context.Background(), "u1", sentry.SOSEvent{
		Type:     sentry.EmergencyManual,
		Location: "Main gate",
		ClientID: "client-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Main gate", rec.Location.Address)
	assert.False(t, rec.Location.HasCoordinates())
}

func TestSOSHistory(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewSOSRepository(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sos_events WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(`FROM sos_events .*ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("u1", 10, 10).
		WillReturnRows(sqlmock.NewRows(sosRowColumns).
			AddRow("s2", "shake", "resolved", 1.5, 2.5, "", 90, 1, time.Now()).
			AddRow("s1", "manual", "active", nil, nil, "", nil, 0, time.Now()))

	records, total, err := repo.History(context.Background(), "u1", 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, records, 2)
	assert.Equal(t, 90, *records[0].Duration)
	assert.Equal(t, sentry.UnknownLocation, records[1].Location.Address)
}

func TestSOSUpdateStatus(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewSOSRepository(db)
	duration := 300

	mock.ExpectQuery(`UPDATE sos_events SET status = \$3`).
		WithArgs("s1", "u1", "resolved", sql.NullInt64{Int64: 300, Valid: true}).
		WillReturnRows(sqlmock.NewRows(sosRowColumns).
			AddRow("s1", "panic", "resolved", nil, nil, "Home", 300, 1, time.Now()))

	rec, err := repo.UpdateStatus(context.Background(), "u1", "s1", sentry.StatusUpdate{Status: sentry.StatusResolved, Duration: &duration})
	require.NoError(t, err)
	assert.Equal(t, sentry.StatusResolved, rec.Status)
	assert.Equal(t, 300, *rec.Duration)

	mock.ExpectQuery(`UPDATE sos_events`).
		WithArgs("s9", "u1", "cancelled", sql.NullInt64{}).
		WillReturnRows(sqlmock.NewRows(sosRowColumns))
	_, err = repo.UpdateStatus(context.Background(), "u1", "s9", sentry.StatusUpdate{Status: sentry.StatusCancelled})
	assert.ErrorIs(t, err, ErrNotFound)
}
