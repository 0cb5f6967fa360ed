package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/seoscope/pagestore/internal/pages"
)

// SnapshotRepo is a Postgres-backed pages.SnapshotRepo.
type SnapshotRepo struct {
	db DB
}

// NewSnapshotRepo constructs a SnapshotRepo over an open pool.
func NewSnapshotRepo(db DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// Insert stores one snapshot record.
func (r *SnapshotRepo) Insert(ctx context.Context, snap pages.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	var shots []byte
	if len(snap.Screenshots) > 0 {
		var err error
		shots, err = json.Marshal(snap.Screenshots)
		if err != nil {
			return fmt.Errorf("marshal screenshots: %w", err)
		}
	}
	query := `
		INSERT INTO snapshots (
			id, url_hash, url, fetched_at, fetched_by, client_id, tool_id,
			content_ref, blob_uri, content_size, http_status, render_method,
			render_time_ms, screenshots
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);
	`
	_, err := r.db.Exec(ctx, query,
		snap.ID,
		snap.URLHash,
		snap.URL,
		snap.FetchedAt,
		snap.FetchedBy,
		snap.ClientID,
		snap.ToolID,
		snap.ContentRef,
		snap.BlobURI,
		snap.ContentSize,
		snap.HTTPStatus,
		snap.RenderMethod,
		snap.RenderTimeMs,
		shots,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `
	id, url_hash, url, fetched_at, COALESCE(fetched_by, ''), client_id,
	COALESCE(tool_id, ''), content_ref, COALESCE(blob_uri, ''), content_size,
	http_status, COALESCE(render_method, ''), render_time_ms, screenshots
`

// Get fetches one snapshot by ID.
func (r *SnapshotRepo) Get(ctx context.Context, id string) (pages.Snapshot, bool, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE id = $1;`
	snap, err := scanSnapshot(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pages.Snapshot{}, false, nil
		}
		return pages.Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, true, nil
}

// ListByHash returns all snapshots for a hash, newest first.
func (r *SnapshotRepo) ListByHash(ctx context.Context, urlHash string) ([]pages.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE url_hash = $1 ORDER BY fetched_at DESC;`
	rows, err := r.db.Query(ctx, query, urlHash)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []pages.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Delete removes a snapshot record, reporting whether a record was removed.
func (r *SnapshotRepo) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM snapshots WHERE id = $1;`, id)
	if err != nil {
		return false, fmt.Errorf("delete snapshot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanSnapshot(row pgx.Row) (pages.Snapshot, error) {
	var snap pages.Snapshot
	var shots []byte
	err := row.Scan(
		&snap.ID,
		&snap.URLHash,
		&snap.URL,
		&snap.FetchedAt,
		&snap.FetchedBy,
		&snap.ClientID,
		&snap.ToolID,
		&snap.ContentRef,
		&snap.BlobURI,
		&snap.ContentSize,
		&snap.HTTPStatus,
		&snap.RenderMethod,
		&snap.RenderTimeMs,
		&shots,
	)
	if err != nil {
		return pages.Snapshot{}, err
	}
	if len(shots) > 0 {
		if err := json.Unmarshal(shots, &snap.Screenshots); err != nil {
			return pages.Snapshot{}, fmt.Errorf("unmarshal screenshots: %w", err)
		}
	}
	return snap, nil
}
