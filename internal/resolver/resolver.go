// Package resolver implements the shared page cache: the getPage entry point
// every consuming tool calls, plus retention enforcement.
package resolver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/metrics"
	"github.com/seoscope/pagestore/internal/pages"
)

// Config controls Resolver behavior.
type Config struct {
	BlobPrefix  string
	ContentType string
}

// Resolver decides cache-hit vs. refetch, writes new snapshots, and triggers
// retention enforcement.
type Resolver struct {
	index     pages.CacheIndexRepo
	snapshots pages.SnapshotRepo
	blobs     pages.BlobStore
	policies  pages.PolicyStore
	fetcher   pages.Fetcher
	clock     pages.Clock
	ids       pages.IDGenerator
	hasher    pages.Hasher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Resolver.
func New(
	index pages.CacheIndexRepo,
	snapshots pages.SnapshotRepo,
	blobs pages.BlobStore,
	policies pages.PolicyStore,
	fetcher pages.Fetcher,
	clock pages.Clock,
	ids pages.IDGenerator,
	hasher pages.Hasher,
	cfg Config,
	logger *zap.Logger,
) *Resolver {
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "pages"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Resolver{
		index:     index,
		snapshots: snapshots,
		blobs:     blobs,
		policies:  policies,
		fetcher:   fetcher,
		clock:     clock,
		ids:       ids,
		hasher:    hasher,
		cfg:       cfg,
		logger:    logger,
	}
}

// GetPage resolves a URL to content, serving a fresh snapshot when one exists
// and fetching otherwise.
func (r *Resolver) GetPage(ctx context.Context, req pages.GetPageRequest) (pages.GetPageResult, error) {
	canonical, err := pages.CanonicalizeURL(req.URL)
	if err != nil {
		return pages.GetPageResult{}, fmt.Errorf("canonicalize url: %w", err)
	}
	urlHash, err := r.hasher.Hash([]byte(canonical))
	if err != nil {
		return pages.GetPageResult{}, fmt.Errorf("hash url: %w", err)
	}

	policy, err := r.policies.Policy(ctx, req.AccountID)
	if err != nil {
		return pages.GetPageResult{}, fmt.Errorf("load account policy: %w", err)
	}
	maxAge := time.Duration(policy.MaxAgeHours) * time.Hour
	if req.MaxAgeOverride != nil {
		maxAge = time.Duration(*req.MaxAgeOverride) * time.Hour
	}

	if !req.ForceRefresh {
		result, hit, hitErr := r.tryCacheHit(ctx, urlHash, req.AccountID, maxAge)
		if hitErr != nil {
			return pages.GetPageResult{}, hitErr
		}
		if hit {
			metrics.ObservePageFetch(canonical, "hit")
			return result, nil
		}
	}

	result, err := r.fetchAndStore(ctx, canonical, urlHash, req, policy)
	if err != nil {
		metrics.ObservePageFetch(canonical, "error")
		return pages.GetPageResult{}, err
	}
	metrics.ObservePageFetch(canonical, "miss")
	return result, nil
}

// tryCacheHit serves the latest snapshot when it is fresh enough. A missing or
// unreadable blob is treated as a miss so the caller refetches instead of
// failing.
func (r *Resolver) tryCacheHit(
	ctx context.Context,
	urlHash, accountID string,
	maxAge time.Duration,
) (pages.GetPageResult, bool, error) {
	entry, ok, err := r.index.Get(ctx, urlHash)
	if err != nil {
		return pages.GetPageResult{}, false, fmt.Errorf("load cache index: %w", err)
	}
	if !ok || entry.LatestSnapshotID == "" {
		return pages.GetPageResult{}, false, nil
	}

	snap, ok, err := r.snapshots.Get(ctx, entry.LatestSnapshotID)
	if err != nil {
		return pages.GetPageResult{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		r.logger.Warn("index points at missing snapshot",
			zap.String("url_hash", urlHash),
			zap.String("snapshot_id", entry.LatestSnapshotID),
		)
		return pages.GetPageResult{}, false, nil
	}

	if r.clock.Now().Sub(snap.FetchedAt) >= maxAge {
		return pages.GetPageResult{}, false, nil
	}

	content, err := r.blobs.GetObject(ctx, snap.ContentRef)
	if err != nil {
		r.logger.Warn("cached content unreadable, refetching",
			zap.String("url_hash", urlHash),
			zap.String("content_ref", snap.ContentRef),
			zap.Error(err),
		)
		return pages.GetPageResult{}, false, nil
	}

	if err := r.index.AddClient(ctx, urlHash, accountID); err != nil {
		return pages.GetPageResult{}, false, fmt.Errorf("register client: %w", err)
	}

	return pages.GetPageResult{
		Content:   content,
		Snapshot:  snap,
		WasCached: true,
	}, true, nil
}

func (r *Resolver) fetchAndStore(
	ctx context.Context,
	canonical, urlHash string,
	req pages.GetPageRequest,
	policy pages.AccountPolicy,
) (pages.GetPageResult, error) {
	fetched, err := r.fetcher.Fetch(ctx, canonical)
	if err != nil {
		return pages.GetPageResult{}, fmt.Errorf("%w: %s: %v", pages.ErrFetchFailed, canonical, err)
	}
	metrics.ObserveFetchDuration(fetched.RenderMethod, fetched.RenderTime)
	if fetched.StatusCode < 200 || fetched.StatusCode >= 400 {
		return pages.GetPageResult{}, fmt.Errorf("%w: %s: unexpected status %d", pages.ErrFetchFailed, canonical, fetched.StatusCode)
	}

	now := r.clock.Now()
	contentRef := fmt.Sprintf("%s/%s/%d.html", r.cfg.BlobPrefix, urlHash, now.UnixNano())
	uri, err := r.blobs.PutObject(ctx, contentRef, r.cfg.ContentType, fetched.Body)
	if err != nil {
		return pages.GetPageResult{}, fmt.Errorf("store content: %w", err)
	}

	shotRefs := r.storeScreenshots(ctx, urlHash, now, fetched.Screenshots)

	snapID, err := r.ids.NewID()
	if err != nil {
		return pages.GetPageResult{}, fmt.Errorf("generate snapshot id: %w", err)
	}
	snap := pages.Snapshot{
		ID:           snapID,
		URLHash:      urlHash,
		URL:          canonical,
		FetchedAt:    now,
		FetchedBy:    req.UserID,
		ClientID:     req.AccountID,
		ToolID:       req.ToolID,
		ContentRef:   contentRef,
		BlobURI:      uri,
		ContentSize:  len(fetched.Body),
		HTTPStatus:   fetched.StatusCode,
		RenderMethod: fetched.RenderMethod,
		RenderTimeMs: fetched.RenderTime.Milliseconds(),
		Screenshots:  shotRefs,
	}
	if err := r.snapshots.Insert(ctx, snap); err != nil {
		return pages.GetPageResult{}, fmt.Errorf("insert snapshot: %w", err)
	}
	if err := r.index.RecordFetch(ctx, pages.RecordFetchParams{
		URLHash:    urlHash,
		URL:        canonical,
		SnapshotID: snapID,
		FetchedAt:  now,
		AccountID:  req.AccountID,
	}); err != nil {
		return pages.GetPageResult{}, fmt.Errorf("update cache index: %w", err)
	}

	r.enforceRetention(ctx, urlHash, policy.MaxSnapshotsPerURL)

	return pages.GetPageResult{
		Content:   fetched.Body,
		Snapshot:  snap,
		WasCached: false,
	}, nil
}

// storeScreenshots persists per-device captures. A screenshot write failure
// is logged and skipped; it never fails the fetch.
func (r *Resolver) storeScreenshots(
	ctx context.Context,
	urlHash string,
	fetchedAt time.Time,
	shots map[string][]byte,
) map[string]string {
	if len(shots) == 0 {
		return nil
	}
	refs := make(map[string]string, len(shots))
	for device, data := range shots {
		ref := fmt.Sprintf("screenshots/%s/%d/%s.png", urlHash, fetchedAt.UnixNano(), device)
		if _, err := r.blobs.PutObject(ctx, ref, "image/png", data); err != nil {
			r.logger.Warn("store screenshot failed",
				zap.String("url_hash", urlHash),
				zap.String("device", device),
				zap.Error(err),
			)
			continue
		}
		refs[device] = ref
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}
