package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresSink_TenantsWithRecordsOn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT DISTINCT tenant_id FROM audit_log").
		WithArgs(day, day.Add(24*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-a").AddRow("tenant-b"))

	sink := NewPostgresSink(db)
	tenants, err := sink.TenantsWithRecordsOn(context.Background(), day)
	require.NoError(t, err)
	require.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_FetchPartition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"sequence", "entry_id", "timestamp", "event_type", "tenant_id", "session_id",
		"token_id", "subject", "payload", "previous_hash", "entry_hash", "signature_type", "signature",
	}).AddRow(1, "entry-1", day, "request.completed", "tenant-a", "session-1", "token-1", "agent-1", []byte(`{}`), "", "abc123", "none", "")

	mock.ExpectQuery("SELECT sequence, entry_id, timestamp").
		WithArgs("tenant-a", day, day.Add(24*time.Hour)).
		WillReturnRows(rows)

	sink := NewPostgresSink(db)
	records, err := sink.FetchPartition(context.Background(), "tenant-a", day)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "entry-1", records[0].EntryID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_FetchPartition_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT sequence, entry_id, timestamp").
		WillReturnRows(sqlmock.NewRows([]string{
			"sequence", "entry_id", "timestamp", "event_type", "tenant_id", "session_id",
			"token_id", "subject", "payload", "previous_hash", "entry_hash", "signature_type", "signature",
		}))

	sink := NewPostgresSink(db)
	records, err := sink.FetchPartition(context.Background(), "tenant-a", day)
	require.NoError(t, err)
	require.Empty(t, records)
	require.NoError(t, mock.ExpectationsWereMet())
}
