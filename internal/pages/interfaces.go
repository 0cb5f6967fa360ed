package pages

import (
	"context"
	"time"
)

// RecordFetchParams carries the fields for one atomic cache-index upsert.
type RecordFetchParams struct {
	URLHash    string
	URL        string
	SnapshotID string
	FetchedAt  time.Time
	AccountID  string
}

// CacheIndexRepo persists per-URL cache index entries. All mutations are
// single atomic operations; the entry for one hash may be updated by
// concurrent fetchers.
type CacheIndexRepo interface {
	Get(ctx context.Context, urlHash string) (CacheIndexEntry, bool, error)
	// RecordFetch upserts the entry: increments the snapshot count, points
	// latest* at the new snapshot, and registers the account.
	RecordFetch(ctx context.Context, p RecordFetchParams) error
	// AddClient registers an account on an existing entry (idempotent).
	AddClient(ctx context.Context, urlHash, accountID string) error
	// RemoveClient de-registers an account and returns how many remain.
	RemoveClient(ctx context.Context, urlHash, accountID string) (int, error)
	// AdjustSnapshotCount applies a delta after retention deletions.
	AdjustSnapshotCount(ctx context.Context, urlHash string, delta int) error
	Delete(ctx context.Context, urlHash string) error
	ListByClient(ctx context.Context, accountID string) ([]CacheIndexEntry, error)
}

// SnapshotRepo persists the append-only fetch ledger.
type SnapshotRepo interface {
	Insert(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, bool, error)
	// ListByHash returns snapshots for a hash ordered by FetchedAt descending.
	ListByHash(ctx context.Context, urlHash string) ([]Snapshot, error)
	// Delete removes a snapshot record, reporting whether a record was removed.
	Delete(ctx context.Context, id string) (bool, error)
}

// BatchRepo persists batch jobs. Claim and the outcome recorders are
// conditional updates: a false return means another caller got there first,
// which is the safety property the coordinator relies on.
type BatchRepo interface {
	Create(ctx context.Context, job BatchJob) error
	Get(ctx context.Context, id string) (BatchJob, bool, error)
	// Start transitions pending -> processing.
	Start(ctx context.Context, id string, at time.Time) (bool, error)
	// Claim adds the URL to the processing set only if the job is
	// non-terminal and the URL holds no claim or terminal outcome.
	Claim(ctx context.Context, id, url string) (bool, error)
	// RecordSuccess pushes a success outcome and releases the claim. The
	// push applies only if the URL holds no terminal outcome yet.
	RecordSuccess(ctx context.Context, id string, outcome URLOutcome) (bool, error)
	RecordFailure(ctx context.Context, id string, outcome URLOutcome) (bool, error)
	SetCurrentURL(ctx context.Context, id, url string) error
	SetProcessedCount(ctx context.Context, id string, count int) error
	// Finish transitions a non-terminal job to the given terminal status,
	// clearing the processing set and current URL.
	Finish(ctx context.Context, id string, status BatchStatus, at time.Time) (bool, error)
	// Cancel marks the job cancelled unless already completed or cancelled.
	Cancel(ctx context.Context, id string, at time.Time) (bool, error)
	// ResetFailed returns failed URLs below the retry cap to unclaimed work
	// and reopens the job; it reports which URLs were reset.
	ResetFailed(ctx context.Context, id string, maxRetries int) ([]string, error)
}

// PolicyStore resolves per-account freshness/retention configuration.
// A missing account is a configuration error.
type PolicyStore interface {
	Policy(ctx context.Context, accountID string) (AccountPolicy, error)
}

// BlobStore reads and writes raw artifacts addressed by opaque keys.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
}

// Fetcher fetches a URL and returns the body plus render metadata.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// Publisher pushes batch lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Processor turns one URL into a terminal outcome for a specific tool.
type Processor interface {
	ToolID() string
	Process(ctx context.Context, req ProcessRequest) ProcessOutcome
}

// PageResolver is the single entry point tools use to obtain page content.
type PageResolver interface {
	GetPage(ctx context.Context, req GetPageRequest) (GetPageResult, error)
}

// Hasher computes stable digests for cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces snapshot and batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
