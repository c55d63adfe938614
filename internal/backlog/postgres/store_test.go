package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/tracelab/traffic-harvester/internal/ingest"
)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, map[string]Source{
		"dailymail": {Table: "dailymail_content", Domain: "dailymail.co.uk"},
	})
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, map[string]Source{
		"bad": {Table: "dailymail_content; DROP TABLE x", Domain: "d"},
	})
	require.Error(t, err)

	_, err = NewWithPool(mock, nil)
	require.Error(t, err)
}

func TestFetchBatchReturnsPendingRowsInOrder(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)

	rows := pgxmock.NewRows([]string{"id", "url"}).
		AddRow(int64(3), "https://www.dailymail.co.uk/a").
		AddRow(int64(7), "https://www.dailymail.co.uk/b")

	mock.ExpectQuery("SELECT id, url").
		WithArgs(100).
		WillReturnRows(rows)

	items, err := store.FetchBatch(context.Background(), "dailymail", 100)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int64(3), items[0].RowID)
	require.Equal(t, "dailymail", items[0].Source)
	require.Equal(t, "dailymail.co.uk", items[0].Domain)
	require.Equal(t, int64(7), items[1].RowID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchBatchUnknownSource(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.FetchBatch(context.Background(), "unknown", 10)
	require.Error(t, err)
}

func TestFetchBatchPropagatesQueryError(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT id, url").
		WithArgs(50).
		WillReturnError(errors.New("connection refused"))

	_, err := store.FetchBatch(context.Background(), "dailymail", 50)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDoneConditionalUpdate(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	paths := ingest.ArtifactPaths{
		Pcap:    "/netdisk/dataset/dailymail.co.uk/pcap/42.pcap",
		SSLKey:  "/netdisk/dataset/dailymail.co.uk/ssl_key/42.log",
		Content: "/netdisk/dataset/dailymail.co.uk/content/42.txt",
		HTML:    "/netdisk/dataset/dailymail.co.uk/html/42.html",
	}

	mock.ExpectExec("UPDATE dailymail_content").
		WithArgs(paths.Pcap, paths.SSLKey, paths.Content, paths.HTML, int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	updated, err := store.MarkDone(context.Background(), "dailymail", 42, paths)
	require.NoError(t, err)
	require.True(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDoneAlreadyClaimedReturnsFalse(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("UPDATE dailymail_content").
		WithArgs("p", "s", "c", "h", int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	updated, err := store.MarkDone(context.Background(), "dailymail", 9,
		ingest.ArtifactPaths{Pcap: "p", SSLKey: "s", Content: "c", HTML: "h"})
	require.NoError(t, err)
	require.False(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedWritesSentinel(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("UPDATE dailymail_content").
		WithArgs("error", int64(13)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	updated, err := store.MarkFailed(context.Background(), "dailymail", 13)
	require.NoError(t, err)
	require.True(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}
