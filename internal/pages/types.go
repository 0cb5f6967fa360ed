// Package pages defines core types shared across subsystems.
package pages

import (
	"time"
)

// BatchStatus represents the lifecycle state of a URL batch.
type BatchStatus string

// Batch status values persisted in the batch store.
const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
	BatchStatusFailed     BatchStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusCancelled, BatchStatusFailed:
		return true
	default:
		return false
	}
}

// CacheIndexEntry is the per-URL record pointing at the latest cached fetch.
// SnapshotCount tracks live snapshots sharing URLHash after retention.
type CacheIndexEntry struct {
	URLHash          string     `json:"url_hash"`
	URL              string     `json:"url"`
	LatestSnapshotID string     `json:"latest_snapshot_id,omitempty"`
	LatestFetchedAt  *time.Time `json:"latest_fetched_at,omitempty"`
	SnapshotCount    int        `json:"snapshot_count"`
	Clients          []string   `json:"clients"`
}

// Snapshot records a single fetch of a URL. Immutable once created; removed
// only by retention or account-driven cascade delete.
type Snapshot struct {
	ID           string            `json:"id"`
	URLHash      string            `json:"url_hash"`
	URL          string            `json:"url"`
	FetchedAt    time.Time         `json:"fetched_at"`
	FetchedBy    string            `json:"fetched_by,omitempty"`
	ClientID     string            `json:"client_id"`
	ToolID       string            `json:"tool_id,omitempty"`
	ContentRef   string            `json:"content_ref"`
	BlobURI      string            `json:"blob_uri,omitempty"`
	ContentSize  int               `json:"content_size"`
	HTTPStatus   int               `json:"http_status"`
	RenderMethod string            `json:"render_method,omitempty"`
	RenderTimeMs int64             `json:"render_time_ms,omitempty"`
	Screenshots  map[string]string `json:"screenshots,omitempty"`
}

// AccountPolicy holds per-account freshness and retention configuration.
type AccountPolicy struct {
	AccountID          string `json:"account_id"`
	MaxAgeHours        int    `json:"max_age_hours"`
	MaxSnapshotsPerURL int    `json:"max_snapshots_per_url"`
	MaxRetriesPerURL   int    `json:"max_retries_per_url"`
}

// URLOutcome is one terminal result for a URL within a batch.
type URLOutcome struct {
	URL         string    `json:"url"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// BatchJob represents one submitted list of URLs and its per-URL outcomes.
// Succeeded and Failed are append-only ledgers; readers must go through the
// dedup views below, since a retried outcome push may append the same URL
// twice.
type BatchJob struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	CreatedBy      string         `json:"created_by,omitempty"`
	ToolID         string         `json:"tool_id"`
	SourceURLs     []string       `json:"source_urls"`
	Status         BatchStatus    `json:"status"`
	Succeeded      []URLOutcome   `json:"succeeded"`
	Failed         []URLOutcome   `json:"failed"`
	Processing     []string       `json:"processing"`
	CurrentURL     string         `json:"current_url,omitempty"`
	TotalURLs      int            `json:"total_urls"`
	ProcessedCount int            `json:"processed_count"`
	RetryCounts    map[string]int `json:"retry_counts,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// DedupSucceeded returns the success ledger unique by URL, first write wins.
func (j BatchJob) DedupSucceeded() []URLOutcome {
	return dedupOutcomes(j.Succeeded, nil)
}

// DedupFailed returns the failure ledger unique by URL. A URL that also has a
// success entry is excluded: success recorded by a faster retried claim takes
// precedence over a slow claim's failure.
func (j BatchJob) DedupFailed() []URLOutcome {
	seen := make(map[string]bool, len(j.Succeeded))
	for _, o := range j.Succeeded {
		seen[o.URL] = true
	}
	return dedupOutcomes(j.Failed, seen)
}

// TerminalURLs returns the set of URLs holding a terminal outcome.
func (j BatchJob) TerminalURLs() map[string]bool {
	out := make(map[string]bool, len(j.Succeeded)+len(j.Failed))
	for _, o := range j.Succeeded {
		out[o.URL] = true
	}
	for _, o := range j.Failed {
		out[o.URL] = true
	}
	return out
}

func dedupOutcomes(in []URLOutcome, exclude map[string]bool) []URLOutcome {
	out := make([]URLOutcome, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, o := range in {
		if seen[o.URL] || exclude[o.URL] {
			continue
		}
		seen[o.URL] = true
		out = append(out, o)
	}
	return out
}

// FetchResult is returned by a Fetcher implementation.
type FetchResult struct {
	URL          string
	StatusCode   int
	Body         []byte
	RenderMethod string
	RenderTime   time.Duration
	Screenshots  map[string][]byte
}

// Render method values recorded on snapshots.
const (
	RenderMethodPlain    = "plain"
	RenderMethodHeadless = "headless"
)

// GetPageRequest captures everything needed to resolve a page.
type GetPageRequest struct {
	URL            string
	AccountID      string
	UserID         string
	ToolID         string
	ForceRefresh   bool
	MaxAgeOverride *int
}

// GetPageResult is what the cache resolver hands back to callers.
type GetPageResult struct {
	Content   []byte
	Snapshot  Snapshot
	WasCached bool
}

// ProcessRequest is handed to a Processor for one claimed URL.
type ProcessRequest struct {
	URL       string
	AccountID string
	UserID    string
}

// ProcessOutcome is the terminal result a Processor produces for one URL.
type ProcessOutcome struct {
	Success bool
	Result  string
	Error   string
}

// BatchEvent is published when a batch reaches a terminal state.
type BatchEvent struct {
	BatchID     string    `json:"batch_id"`
	AccountID   string    `json:"account_id"`
	ToolID      string    `json:"tool_id"`
	Status      string    `json:"status"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	CompletedAt time.Time `json:"completed_at"`
}
