package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/pagestore/internal/pages"
)

func TestCacheIndexRepo_GetReturnsEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("SELECT url_hash, url").
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"url_hash", "url", "latest_snapshot_id", "latest_fetched_at", "snapshot_count", "clients",
		}).AddRow("hash-1", "https://a.com", "snap-1", &now, 2, []string{"acct-1", "acct-2"}))

	repo := NewCacheIndexRepo(mock)
	entry, ok, err := repo.Get(context.Background(), "hash-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "snap-1", entry.LatestSnapshotID)
	require.Equal(t, 2, entry.SnapshotCount)
	require.Equal(t, []string{"acct-1", "acct-2"}, entry.Clients)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheIndexRepo_GetMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT url_hash, url").
		WithArgs("hash-404").
		WillReturnRows(pgxmock.NewRows([]string{
			"url_hash", "url", "latest_snapshot_id", "latest_fetched_at", "snapshot_count", "clients",
		}))

	repo := NewCacheIndexRepo(mock)
	_, ok, err := repo.Get(context.Background(), "hash-404")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheIndexRepo_RecordFetchUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectExec("INSERT INTO cache_index").
		WithArgs("hash-1", "https://a.com", "snap-1", now, "acct-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewCacheIndexRepo(mock)
	err = repo.RecordFetch(context.Background(), pages.RecordFetchParams{
		URLHash:    "hash-1",
		URL:        "https://a.com",
		SnapshotID: "snap-1",
		FetchedAt:  now,
		AccountID:  "acct-1",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheIndexRepo_RemoveClientReturnsRemaining(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("UPDATE cache_index").
		WithArgs("hash-1", "acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"cardinality"}).AddRow(1))

	repo := NewCacheIndexRepo(mock)
	remaining, err := repo.RemoveClient(context.Background(), "hash-1", "acct-1")
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheIndexRepo_RemoveClientMissingEntry(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("UPDATE cache_index").
		WithArgs("hash-404", "acct-1").
		WillReturnRows(pgxmock.NewRows([]string{"cardinality"}))

	repo := NewCacheIndexRepo(mock)
	_, err = repo.RemoveClient(context.Background(), "hash-404", "acct-1")
	require.ErrorIs(t, err, pages.ErrEntryNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheIndexRepo_ListByClient(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("SELECT url_hash, url").
		WithArgs("acct-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"url_hash", "url", "latest_snapshot_id", "latest_fetched_at", "snapshot_count", "clients",
		}).
			AddRow("hash-1", "https://a.com", "snap-2", &now, 2, []string{"acct-1"}).
			AddRow("hash-2", "https://b.com", "snap-3", &now, 1, []string{"acct-1", "acct-2"}))

	repo := NewCacheIndexRepo(mock)
	entries, err := repo.ListByClient(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "https://a.com", entries[0].URL)
	require.NoError(t, mock.ExpectationsWereMet())
}
