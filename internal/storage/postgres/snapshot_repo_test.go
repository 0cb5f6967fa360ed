package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/seoscope/pagestore/internal/pages"
)

func TestSnapshotRepo_InsertRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1_700_000_000, 0).UTC()
	snap := pages.Snapshot{
		ID:           "snap-1",
		URLHash:      "hash-1",
		URL:          "https://a.com",
		FetchedAt:    now,
		FetchedBy:    "user-1",
		ClientID:     "acct-1",
		ToolID:       "page-library",
		ContentRef:   "pages/hash-1/1.html",
		BlobURI:      "gs://bucket/pages/hash-1/1.html",
		ContentSize:  64,
		HTTPStatus:   200,
		RenderMethod: pages.RenderMethodHeadless,
		RenderTimeMs: 120,
		Screenshots:  map[string]string{"desktop": "screenshots/hash-1/1/desktop.png"},
	}
	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs(snap.ID, snap.URLHash, snap.URL, snap.FetchedAt, snap.FetchedBy,
			snap.ClientID, snap.ToolID, snap.ContentRef, snap.BlobURI, snap.ContentSize,
			snap.HTTPStatus, snap.RenderMethod, snap.RenderTimeMs,
			[]byte(`{"desktop":"screenshots/hash-1/1/desktop.png"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewSnapshotRepo(mock)
	require.NoError(t, repo.Insert(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_InsertRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSnapshotRepo(mock)
	require.Error(t, repo.Insert(context.Background(), pages.Snapshot{}))
}

func TestSnapshotRepo_ListByHashOrdered(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	newer := time.Unix(1_700_000_100, 0).UTC()
	older := time.Unix(1_700_000_000, 0).UTC()
	mock.ExpectQuery("SELECT(.|\n)+FROM snapshots WHERE url_hash").
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url_hash", "url", "fetched_at", "fetched_by", "client_id",
			"tool_id", "content_ref", "blob_uri", "content_size", "http_status",
			"render_method", "render_time_ms", "screenshots",
		}).
			AddRow("snap-2", "hash-1", "https://a.com", newer, "", "acct-1", "",
				"pages/hash-1/2.html", "", 10, 200, "plain", int64(20), []byte(nil)).
			AddRow("snap-1", "hash-1", "https://a.com", older, "", "acct-1", "",
				"pages/hash-1/1.html", "", 10, 200, "plain", int64(25), []byte(`{"mobile":"m.png"}`)))

	repo := NewSnapshotRepo(mock)
	snaps, err := repo.ListByHash(context.Background(), "hash-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "snap-2", snaps[0].ID)
	require.Equal(t, map[string]string{"mobile": "m.png"}, snaps[1].Screenshots)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_DeleteReportsRemoval(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("DELETE FROM snapshots").
		WithArgs("snap-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM snapshots").
		WithArgs("snap-404").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	repo := NewSnapshotRepo(mock)
	removed, err := repo.Delete(context.Background(), "snap-1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = repo.Delete(context.Background(), "snap-404")
	require.NoError(t, err)
	require.False(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
