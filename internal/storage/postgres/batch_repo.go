package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/seoscope/pagestore/internal/pages"
)

// BatchRepo is a Postgres-backed pages.BatchRepo. Claims and outcome pushes
// ride on one batch_urls row per URL whose state column makes every
// transition a conditional single-statement update; RowsAffected zero means
// another caller won.
type BatchRepo struct {
	db DB
}

// NewBatchRepo constructs a BatchRepo over an open pool.
func NewBatchRepo(db DB) *BatchRepo {
	return &BatchRepo{db: db}
}

// Create stores a new batch job.
func (r *BatchRepo) Create(ctx context.Context, job pages.BatchJob) error {
	if job.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	query := `
		INSERT INTO batches (
			id, account_id, created_by, tool_id, source_urls, status,
			current_url, total_urls, processed_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);
	`
	_, err := r.db.Exec(ctx, query,
		job.ID,
		job.AccountID,
		job.CreatedBy,
		job.ToolID,
		job.SourceURLs,
		string(job.Status),
		job.CurrentURL,
		job.TotalURLs,
		job.ProcessedCount,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// Get assembles a batch job from its row plus the per-URL outcome rows.
func (r *BatchRepo) Get(ctx context.Context, id string) (pages.BatchJob, bool, error) {
	query := `
		SELECT id, account_id, COALESCE(created_by, ''), tool_id, source_urls,
			status, current_url, total_urls, processed_count, created_at,
			started_at, completed_at
		FROM batches
		WHERE id = $1;
	`
	var job pages.BatchJob
	var status string
	err := r.db.QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.AccountID,
		&job.CreatedBy,
		&job.ToolID,
		&job.SourceURLs,
		&status,
		&job.CurrentURL,
		&job.TotalURLs,
		&job.ProcessedCount,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pages.BatchJob{}, false, nil
		}
		return pages.BatchJob{}, false, fmt.Errorf("get batch: %w", err)
	}
	job.Status = pages.BatchStatus(status)

	if err := r.loadURLs(ctx, &job); err != nil {
		return pages.BatchJob{}, false, err
	}
	return job, true, nil
}

func (r *BatchRepo) loadURLs(ctx context.Context, job *pages.BatchJob) error {
	query := `
		SELECT url, state, COALESCE(result, ''), COALESCE(error, ''), processed_at, retry_count
		FROM batch_urls
		WHERE batch_id = $1
		ORDER BY processed_at ASC NULLS LAST, url ASC;
	`
	rows, err := r.db.Query(ctx, query, job.ID)
	if err != nil {
		return fmt.Errorf("list batch urls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			url, state, result, errMsg string
			processedAt                *time.Time
			retries                    int
		)
		if err := rows.Scan(&url, &state, &result, &errMsg, &processedAt, &retries); err != nil {
			return fmt.Errorf("scan batch url: %w", err)
		}
		outcome := pages.URLOutcome{URL: url, Result: result, Error: errMsg}
		if processedAt != nil {
			outcome.ProcessedAt = *processedAt
		}
		switch state {
		case "succeeded":
			job.Succeeded = append(job.Succeeded, outcome)
		case "failed":
			job.Failed = append(job.Failed, outcome)
		case "processing":
			job.Processing = append(job.Processing, url)
		}
		if retries > 0 {
			if job.RetryCounts == nil {
				job.RetryCounts = make(map[string]int)
			}
			job.RetryCounts[url] = retries
		}
	}
	return rows.Err()
}

// Start transitions pending -> processing.
func (r *BatchRepo) Start(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE batches
		SET status = 'processing', started_at = $2
		WHERE id = $1 AND status = 'pending';
	`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("start batch: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Claim takes the URL for the caller. A fresh URL gets a processing row; a
// URL reset for retry flips its pending row back to processing. Any other
// existing row means the claim is lost.
func (r *BatchRepo) Claim(ctx context.Context, id, url string) (bool, error) {
	query := `
		INSERT INTO batch_urls (batch_id, url, state)
		SELECT $1, $2, 'processing'
		WHERE EXISTS (
			SELECT 1 FROM batches
			WHERE id = $1 AND status IN ('pending', 'processing')
		)
		ON CONFLICT (batch_id, url) DO UPDATE
		SET state = 'processing'
		WHERE batch_urls.state = 'pending';
	`
	tag, err := r.db.Exec(ctx, query, id, url)
	if err != nil {
		return false, fmt.Errorf("claim url: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordSuccess marks a claimed URL succeeded. A zero-row update means a
// concurrent claimer already recorded a terminal outcome; the first write
// stands.
func (r *BatchRepo) RecordSuccess(ctx context.Context, id string, outcome pages.URLOutcome) (bool, error) {
	query := `
		UPDATE batch_urls
		SET state = 'succeeded', result = $3, error = NULL, processed_at = $4
		WHERE batch_id = $1 AND url = $2 AND state IN ('pending', 'processing');
	`
	tag, err := r.db.Exec(ctx, query, id, outcome.URL, outcome.Result, outcome.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("record success: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordFailure is the failure-side counterpart of RecordSuccess.
func (r *BatchRepo) RecordFailure(ctx context.Context, id string, outcome pages.URLOutcome) (bool, error) {
	query := `
		UPDATE batch_urls
		SET state = 'failed', error = $3, result = NULL, processed_at = $4
		WHERE batch_id = $1 AND url = $2 AND state IN ('pending', 'processing');
	`
	tag, err := r.db.Exec(ctx, query, id, outcome.URL, outcome.Error, outcome.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetCurrentURL stamps the informational last-touched URL.
func (r *BatchRepo) SetCurrentURL(ctx context.Context, id, url string) error {
	if _, err := r.db.Exec(ctx, `UPDATE batches SET current_url = $2 WHERE id = $1;`, id, url); err != nil {
		return fmt.Errorf("set current url: %w", err)
	}
	return nil
}

// SetProcessedCount stores the recomputed distinct-outcome count.
func (r *BatchRepo) SetProcessedCount(ctx context.Context, id string, count int) error {
	if _, err := r.db.Exec(ctx, `UPDATE batches SET processed_count = $2 WHERE id = $1;`, id, count); err != nil {
		return fmt.Errorf("set processed count: %w", err)
	}
	return nil
}

// Finish transitions a non-terminal job to the given terminal status and
// clears any abandoned claims.
func (r *BatchRepo) Finish(ctx context.Context, id string, status pages.BatchStatus, at time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish batch: %q is not a terminal status", status)
	}
	query := `
		UPDATE batches
		SET status = $2, completed_at = $3, current_url = ''
		WHERE id = $1 AND status IN ('pending', 'processing');
	`
	tag, err := r.db.Exec(ctx, query, id, string(status), at)
	if err != nil {
		return false, fmt.Errorf("finish batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	cleanup := `DELETE FROM batch_urls WHERE batch_id = $1 AND state IN ('pending', 'processing');`
	if _, err := r.db.Exec(ctx, cleanup, id); err != nil {
		return true, fmt.Errorf("clear batch claims: %w", err)
	}
	return true, nil
}

// Cancel marks the job cancelled unless already completed or cancelled.
func (r *BatchRepo) Cancel(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE batches
		SET status = 'cancelled', completed_at = $2
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled');
	`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("cancel batch: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetFailed returns failed URLs below the retry cap to unclaimed work and
// reopens the job. Cancelled jobs stay cancelled.
func (r *BatchRepo) ResetFailed(ctx context.Context, id string, maxRetries int) ([]string, error) {
	query := `
		UPDATE batch_urls
		SET state = 'pending', retry_count = retry_count + 1, error = NULL, processed_at = NULL
		WHERE batch_id = $1 AND state = 'failed' AND retry_count < $2
			AND EXISTS (
				SELECT 1 FROM batches WHERE id = $1 AND status <> 'cancelled'
			)
		RETURNING url;
	`
	rows, err := r.db.Query(ctx, query, id, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("reset failed urls: %w", err)
	}
	defer rows.Close()

	var reset []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scan reset url: %w", err)
		}
		reset = append(reset, url)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(reset) == 0 {
		return nil, nil
	}

	reopen := `
		UPDATE batches
		SET status = 'processing', completed_at = NULL
		WHERE id = $1 AND status <> 'cancelled';
	`
	if _, err := r.db.Exec(ctx, reopen, id); err != nil {
		return reset, fmt.Errorf("reopen batch: %w", err)
	}
	return reset, nil
}
