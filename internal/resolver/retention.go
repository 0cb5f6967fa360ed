package resolver

import (
	"context"

	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/metrics"
	"github.com/seoscope/pagestore/internal/pages"
)

// enforceRetention trims the snapshot ledger for one URL hash down to
// maxSnapshots, oldest first. The index count is adjusted only by the number
// of snapshot records actually removed; a failed blob deletion is logged but
// does not block removing the record.
func (r *Resolver) enforceRetention(ctx context.Context, urlHash string, maxSnapshots int) {
	if maxSnapshots <= 0 {
		return
	}
	snaps, err := r.snapshots.ListByHash(ctx, urlHash)
	if err != nil {
		r.logger.Error("retention: list snapshots failed",
			zap.String("url_hash", urlHash),
			zap.Error(err),
		)
		return
	}
	if len(snaps) <= maxSnapshots {
		return
	}

	// snaps is ordered newest first; everything past the limit goes, oldest
	// first so a partial failure keeps the most recent extras.
	victims := snaps[maxSnapshots:]
	deleted := 0
	for i := len(victims) - 1; i >= 0; i-- {
		if r.deleteSnapshot(ctx, victims[i]) {
			deleted++
		}
	}
	if deleted == 0 {
		return
	}
	metrics.ObserveEvictions(deleted)
	if err := r.index.AdjustSnapshotCount(ctx, urlHash, -deleted); err != nil {
		r.logger.Error("retention: adjust snapshot count failed",
			zap.String("url_hash", urlHash),
			zap.Int("deleted", deleted),
			zap.Error(err),
		)
	}
}

// deleteSnapshot removes one snapshot's blobs and record, reporting whether
// the record itself was removed.
func (r *Resolver) deleteSnapshot(ctx context.Context, snap pages.Snapshot) bool {
	if err := r.blobs.DeleteObject(ctx, snap.ContentRef); err != nil {
		r.logger.Warn("retention: delete content blob failed",
			zap.String("snapshot_id", snap.ID),
			zap.String("content_ref", snap.ContentRef),
			zap.Error(err),
		)
	}
	for device, ref := range snap.Screenshots {
		if err := r.blobs.DeleteObject(ctx, ref); err != nil {
			r.logger.Warn("retention: delete screenshot failed",
				zap.String("snapshot_id", snap.ID),
				zap.String("device", device),
				zap.Error(err),
			)
		}
	}
	removed, err := r.snapshots.Delete(ctx, snap.ID)
	if err != nil {
		r.logger.Error("retention: delete snapshot record failed",
			zap.String("snapshot_id", snap.ID),
			zap.Error(err),
		)
		return false
	}
	return removed
}

// ListEntries returns the cache index entries visible to an account.
func (r *Resolver) ListEntries(ctx context.Context, accountID string) ([]pages.CacheIndexEntry, error) {
	return r.index.ListByClient(ctx, accountID)
}

// DeleteEntries de-registers an account from the given URL hashes. When the
// last account with access is removed, the entry and all of its snapshots and
// blobs are cascade-deleted.
func (r *Resolver) DeleteEntries(ctx context.Context, accountID string, urlHashes []string) error {
	for _, urlHash := range urlHashes {
		remaining, err := r.index.RemoveClient(ctx, urlHash, accountID)
		if err != nil {
			if err == pages.ErrEntryNotFound {
				continue
			}
			return err
		}
		if remaining > 0 {
			continue
		}
		snaps, err := r.snapshots.ListByHash(ctx, urlHash)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			r.deleteSnapshot(ctx, snap)
		}
		if err := r.index.Delete(ctx, urlHash); err != nil {
			return err
		}
		r.logger.Info("cache entry cascade-deleted",
			zap.String("url_hash", urlHash),
			zap.Int("snapshots", len(snaps)),
		)
	}
	return nil
}
