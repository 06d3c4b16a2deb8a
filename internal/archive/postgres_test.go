package archive

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func TestNewPostgresStore_NilConnection(t *testing.T) {
	_, err := NewPostgresStore(nil)
	require.Error(t, err)
}

func TestPostgresStore_SaveAlert(t *testing.T) {
	store, mock := newMockStore(t)

	alert := archivedAlert("alert-1", "PT-1", time.Now().UTC())
	mock.ExpectExec("INSERT INTO alerts").
		WithArgs(
			alert.AlertID, string(alert.Level), alert.TestID, alert.PatientID,
			alert.Value, alert.Unit, alert.Source, alert.Message,
			string(alert.Status), alert.EscalationLevel, alert.AcknowledgedBy,
			*alert.AcknowledgedAt, int64(*alert.ResponseTime), sqlmock.AnyArg(), alert.CreatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveAlert(context.Background(), alert))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAlertError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(errors.New("connection reset"))

	err := store.SaveAlert(context.Background(), archivedAlert("alert-1", "PT-1", time.Now().UTC()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPostgresStore_GetAlertNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM alerts").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"alert_id"}))

	got, err := store.GetAlert(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresStore_Count(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

// TestPostgresStore_Integration exercises a real PostgreSQL instance when
// TEST_DATABASE_URL is set; the alerts table must already exist (run the
// migrations first).
func TestPostgresStore_Integration(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL integration test")
	}

	store, err := NewPostgresStoreFromURL(databaseURL)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	id := uuid.NewString()
	alert := archivedAlert(id, "PT-integration", time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, store.SaveAlert(ctx, alert))

	got, err := store.GetAlert(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, alert.PatientID, got.PatientID)
	assert.Equal(t, alert.Status, got.Status)
	require.Len(t, got.Notifications, 2)

	// Saving again updates in place.
	alert.EscalationLevel = 3
	require.NoError(t, store.SaveAlert(ctx, alert))
	got, err = store.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.EscalationLevel)

	list, err := store.ListAlerts(ctx, "PT-integration", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, list)
}
