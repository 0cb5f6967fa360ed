package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/seoscope/pagestore/internal/pages"
)

// SnapshotRepo is an in-memory pages.SnapshotRepo.
type SnapshotRepo struct {
	mu    sync.RWMutex
	snaps map[string]pages.Snapshot
}

// NewSnapshotRepo constructs a SnapshotRepo.
func NewSnapshotRepo() *SnapshotRepo {
	return &SnapshotRepo{
		snaps: make(map[string]pages.Snapshot),
	}
}

// Insert stores a new snapshot record.
func (r *SnapshotRepo) Insert(_ context.Context, snap pages.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.snaps[snap.ID]; exists {
		return errors.New("snapshot already exists")
	}
	r.snaps[snap.ID] = snap
	return nil
}

// Get fetches a snapshot by ID.
func (r *SnapshotRepo) Get(_ context.Context, id string) (pages.Snapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.snaps[id]
	return snap, ok, nil
}

// ListByHash returns snapshots for a hash ordered by FetchedAt descending.
func (r *SnapshotRepo) ListByHash(_ context.Context, urlHash string) ([]pages.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []pages.Snapshot
	for _, snap := range r.snaps {
		if snap.URLHash == urlHash {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.After(out[j].FetchedAt) })
	return out, nil
}

// Delete removes a snapshot record, reporting whether one was removed.
func (r *SnapshotRepo) Delete(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snaps[id]; !ok {
		return false, nil
	}
	delete(r.snaps, id)
	return true, nil
}
