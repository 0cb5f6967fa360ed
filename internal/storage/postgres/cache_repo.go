package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/seoscope/pagestore/internal/pages"
)

// CacheIndexRepo is a Postgres-backed pages.CacheIndexRepo. Each mutation is
// a single conditional statement so concurrent fetchers of the same hash
// cannot lose updates.
type CacheIndexRepo struct {
	db DB
}

// NewCacheIndexRepo constructs a CacheIndexRepo over an open pool.
func NewCacheIndexRepo(db DB) *CacheIndexRepo {
	return &CacheIndexRepo{db: db}
}

// Get fetches one cache index entry.
func (r *CacheIndexRepo) Get(ctx context.Context, urlHash string) (pages.CacheIndexEntry, bool, error) {
	query := `
		SELECT url_hash, url, COALESCE(latest_snapshot_id, ''), latest_fetched_at, snapshot_count, clients
		FROM cache_index
		WHERE url_hash = $1;
	`
	var entry pages.CacheIndexEntry
	err := r.db.QueryRow(ctx, query, urlHash).Scan(
		&entry.URLHash,
		&entry.URL,
		&entry.LatestSnapshotID,
		&entry.LatestFetchedAt,
		&entry.SnapshotCount,
		&entry.Clients,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pages.CacheIndexEntry{}, false, nil
		}
		return pages.CacheIndexEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	return entry, true, nil
}

// RecordFetch upserts the entry for a fresh snapshot: bumps the count, moves
// the latest pointer, and registers the account if it is new.
func (r *CacheIndexRepo) RecordFetch(ctx context.Context, p pages.RecordFetchParams) error {
	query := `
		INSERT INTO cache_index (url_hash, url, latest_snapshot_id, latest_fetched_at, snapshot_count, clients)
		VALUES ($1, $2, $3, $4, 1, ARRAY[$5::text])
		ON CONFLICT (url_hash) DO UPDATE SET
			latest_snapshot_id = EXCLUDED.latest_snapshot_id,
			latest_fetched_at = EXCLUDED.latest_fetched_at,
			snapshot_count = cache_index.snapshot_count + 1,
			clients = CASE
				WHEN $5 = ANY (cache_index.clients) THEN cache_index.clients
				ELSE array_append(cache_index.clients, $5)
			END;
	`
	if _, err := r.db.Exec(ctx, query, p.URLHash, p.URL, p.SnapshotID, p.FetchedAt, p.AccountID); err != nil {
		return fmt.Errorf("record fetch: %w", err)
	}
	return nil
}

// AddClient registers an account on an existing entry. Idempotent; a missing
// entry is a no-op because only cache hits call this.
func (r *CacheIndexRepo) AddClient(ctx context.Context, urlHash, accountID string) error {
	query := `
		UPDATE cache_index
		SET clients = array_append(clients, $2)
		WHERE url_hash = $1 AND NOT ($2 = ANY (clients));
	`
	if _, err := r.db.Exec(ctx, query, urlHash, accountID); err != nil {
		return fmt.Errorf("add client: %w", err)
	}
	return nil
}

// RemoveClient de-registers an account and returns how many clients remain.
func (r *CacheIndexRepo) RemoveClient(ctx context.Context, urlHash, accountID string) (int, error) {
	query := `
		UPDATE cache_index
		SET clients = array_remove(clients, $2)
		WHERE url_hash = $1
		RETURNING cardinality(clients);
	`
	var remaining int
	if err := r.db.QueryRow(ctx, query, urlHash, accountID).Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pages.ErrEntryNotFound
		}
		return 0, fmt.Errorf("remove client: %w", err)
	}
	return remaining, nil
}

// AdjustSnapshotCount applies a delta after retention deletions, clamped at
// zero.
func (r *CacheIndexRepo) AdjustSnapshotCount(ctx context.Context, urlHash string, delta int) error {
	query := `
		UPDATE cache_index
		SET snapshot_count = GREATEST(snapshot_count + $2, 0)
		WHERE url_hash = $1;
	`
	if _, err := r.db.Exec(ctx, query, urlHash, delta); err != nil {
		return fmt.Errorf("adjust snapshot count: %w", err)
	}
	return nil
}

// Delete removes the entry for a hash.
func (r *CacheIndexRepo) Delete(ctx context.Context, urlHash string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM cache_index WHERE url_hash = $1;`, urlHash); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// ListByClient returns the entries an account is registered on, most recently
// fetched first.
func (r *CacheIndexRepo) ListByClient(ctx context.Context, accountID string) ([]pages.CacheIndexEntry, error) {
	query := `
		SELECT url_hash, url, COALESCE(latest_snapshot_id, ''), latest_fetched_at, snapshot_count, clients
		FROM cache_index
		WHERE $1 = ANY (clients)
		ORDER BY latest_fetched_at DESC NULLS LAST;
	`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var entries []pages.CacheIndexEntry
	for rows.Next() {
		var entry pages.CacheIndexEntry
		if err := rows.Scan(
			&entry.URLHash,
			&entry.URL,
			&entry.LatestSnapshotID,
			&entry.LatestFetchedAt,
			&entry.SnapshotCount,
			&entry.Clients,
		); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
