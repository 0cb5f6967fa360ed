package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/seoscope/pagestore/internal/pages"
)

// CacheIndexRepo is an in-memory pages.CacheIndexRepo. All mutations happen
// under one mutex, which gives the same atomicity the document-store
// field-level updates provide in production.
type CacheIndexRepo struct {
	mu      sync.RWMutex
	entries map[string]*pages.CacheIndexEntry
}

// NewCacheIndexRepo constructs a CacheIndexRepo.
func NewCacheIndexRepo() *CacheIndexRepo {
	return &CacheIndexRepo{
		entries: make(map[string]*pages.CacheIndexEntry),
	}
}

// Get fetches an entry by hash.
func (r *CacheIndexRepo) Get(_ context.Context, urlHash string) (pages.CacheIndexEntry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[urlHash]
	if !ok {
		return pages.CacheIndexEntry{}, false, nil
	}
	return copyEntry(entry), true, nil
}

// RecordFetch upserts the entry for a completed fetch in one step.
func (r *CacheIndexRepo) RecordFetch(_ context.Context, p pages.RecordFetchParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[p.URLHash]
	if !ok {
		entry = &pages.CacheIndexEntry{
			URLHash: p.URLHash,
			URL:     p.URL,
		}
		r.entries[p.URLHash] = entry
	}
	fetchedAt := p.FetchedAt
	entry.LatestSnapshotID = p.SnapshotID
	entry.LatestFetchedAt = &fetchedAt
	entry.SnapshotCount++
	addString(&entry.Clients, p.AccountID)
	return nil
}

// AddClient registers an account on an existing entry (idempotent).
func (r *CacheIndexRepo) AddClient(_ context.Context, urlHash, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[urlHash]
	if !ok {
		return pages.ErrEntryNotFound
	}
	addString(&entry.Clients, accountID)
	return nil
}

// RemoveClient de-registers an account and returns how many remain.
func (r *CacheIndexRepo) RemoveClient(_ context.Context, urlHash, accountID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[urlHash]
	if !ok {
		return 0, pages.ErrEntryNotFound
	}
	kept := entry.Clients[:0]
	for _, c := range entry.Clients {
		if c != accountID {
			kept = append(kept, c)
		}
	}
	entry.Clients = kept
	return len(entry.Clients), nil
}

// AdjustSnapshotCount applies a delta, clamped at zero.
func (r *CacheIndexRepo) AdjustSnapshotCount(_ context.Context, urlHash string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[urlHash]
	if !ok {
		return pages.ErrEntryNotFound
	}
	entry.SnapshotCount += delta
	if entry.SnapshotCount < 0 {
		entry.SnapshotCount = 0
	}
	return nil
}

// Delete removes the entry.
func (r *CacheIndexRepo) Delete(_ context.Context, urlHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, urlHash)
	return nil
}

// ListByClient returns entries visible to an account, ordered by URL.
func (r *CacheIndexRepo) ListByClient(_ context.Context, accountID string) ([]pages.CacheIndexEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []pages.CacheIndexEntry
	for _, entry := range r.entries {
		for _, c := range entry.Clients {
			if c == accountID {
				out = append(out, copyEntry(entry))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func copyEntry(entry *pages.CacheIndexEntry) pages.CacheIndexEntry {
	cp := *entry
	cp.Clients = append([]string(nil), entry.Clients...)
	if entry.LatestFetchedAt != nil {
		ts := *entry.LatestFetchedAt
		cp.LatestFetchedAt = &ts
	}
	return cp
}

func addString(set *[]string, value string) {
	for _, v := range *set {
		if v == value {
			return
		}
	}
	*set = append(*set, value)
}
