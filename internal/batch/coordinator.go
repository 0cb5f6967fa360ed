package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/metrics"
	"github.com/seoscope/pagestore/internal/pages"
)

// Config controls how much work one polling step performs.
type Config struct {
	// Width is the maximum number of URLs claimed per step.
	Width int
	// StepDelay is the pause between URLs within one step.
	StepDelay time.Duration
	// MaxRetries caps retry passes per URL when the account policy does
	// not specify one.
	MaxRetries int
	// Topic is the Pub/Sub topic for batch completion events.
	Topic string
}

// CreateRequest carries the inputs for a new batch.
type CreateRequest struct {
	AccountID string
	CreatedBy string
	ToolID    string
	URLs      []string
}

// Progress is the completed/total pair reported to pollers.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// View is the deduplicated read model of a batch returned to pollers.
type View struct {
	BatchID     string             `json:"batch_id"`
	Status      pages.BatchStatus  `json:"status"`
	Progress    Progress           `json:"progress"`
	CurrentURL  string             `json:"current_url,omitempty"`
	Succeeded   []pages.URLOutcome `json:"succeeded"`
	Failed      []pages.URLOutcome `json:"failed"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Coordinator advances batches one polling step at a time. It holds no
// background goroutines; all progress is driven by callers, and concurrent
// steps over the same batch are arbitrated by the repo's conditional claims.
type Coordinator struct {
	repo      pages.BatchRepo
	registry  *Registry
	policies  pages.PolicyStore
	publisher pages.Publisher
	clock     pages.Clock
	ids       pages.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(
	repo pages.BatchRepo,
	registry *Registry,
	policies pages.PolicyStore,
	publisher pages.Publisher,
	clock pages.Clock,
	ids pages.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if cfg.Width <= 0 {
		cfg.Width = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Topic == "" {
		cfg.Topic = "batch-events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Coordinator{
		repo:      repo,
		registry:  registry,
		policies:  policies,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// Create validates and stores a new pending batch. URLs are canonicalized and
// deduplicated so the per-URL outcome accounting lines up with the stored
// list.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (View, error) {
	if _, ok := c.registry.Get(req.ToolID); !ok {
		return View{}, fmt.Errorf("tool %q: %w", req.ToolID, pages.ErrUnknownTool)
	}
	if len(req.URLs) == 0 {
		return View{}, fmt.Errorf("batch needs at least one url")
	}
	if _, err := c.policies.Policy(ctx, req.AccountID); err != nil {
		return View{}, fmt.Errorf("load account policy: %w", err)
	}

	urls := make([]string, 0, len(req.URLs))
	seen := make(map[string]bool, len(req.URLs))
	for _, raw := range req.URLs {
		canonical, err := pages.CanonicalizeURL(raw)
		if err != nil {
			return View{}, fmt.Errorf("url %q: %w", raw, err)
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		urls = append(urls, canonical)
	}

	id, err := c.ids.NewID()
	if err != nil {
		return View{}, fmt.Errorf("generate batch id: %w", err)
	}
	job := pages.BatchJob{
		ID:         id,
		AccountID:  req.AccountID,
		CreatedBy:  req.CreatedBy,
		ToolID:     req.ToolID,
		SourceURLs: urls,
		Status:     pages.BatchStatusPending,
		TotalURLs:  len(urls),
		CreatedAt:  c.clock.Now(),
	}
	if err := c.repo.Create(ctx, job); err != nil {
		return View{}, fmt.Errorf("create batch: %w", err)
	}
	c.logger.Info("batch created",
		zap.String("batch_id", id),
		zap.String("tool_id", req.ToolID),
		zap.Int("urls", len(urls)),
	)
	return viewOf(job), nil
}

// Get returns the current view of a batch without advancing it.
func (c *Coordinator) Get(ctx context.Context, batchID string) (View, error) {
	job, ok, err := c.repo.Get(ctx, batchID)
	if err != nil {
		return View{}, fmt.Errorf("load batch: %w", err)
	}
	if !ok {
		return View{}, pages.ErrBatchNotFound
	}
	return viewOf(job), nil
}

// Step advances a batch by one increment of work and returns the resulting
// view. Terminal batches are returned as-is. Safe under concurrent callers:
// each URL is processed by exactly the caller whose Claim succeeded.
func (c *Coordinator) Step(ctx context.Context, batchID string) (View, error) {
	job, ok, err := c.repo.Get(ctx, batchID)
	if err != nil {
		return View{}, fmt.Errorf("load batch: %w", err)
	}
	if !ok {
		return View{}, pages.ErrBatchNotFound
	}
	if job.Status.IsTerminal() {
		return viewOf(job), nil
	}

	if job.Status == pages.BatchStatusPending {
		if _, err := c.repo.Start(ctx, batchID, c.clock.Now()); err != nil {
			return View{}, fmt.Errorf("start batch: %w", err)
		}
	}

	claimed, err := c.claimBatchSlice(ctx, job)
	if err != nil {
		return View{}, err
	}
	metrics.ObserveBatchStep()

	proc, ok := c.registry.Get(job.ToolID)
	for i, url := range claimed {
		if i > 0 && c.cfg.StepDelay > 0 {
			select {
			case <-ctx.Done():
				c.releaseClaims(context.WithoutCancel(ctx), job, claimed[i:])
				return View{}, ctx.Err()
			case <-time.After(c.cfg.StepDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			c.releaseClaims(context.WithoutCancel(ctx), job, claimed[i:])
			return View{}, err
		}

		if err := c.repo.SetCurrentURL(ctx, batchID, url); err != nil {
			c.logger.Warn("set current url failed", zap.String("batch_id", batchID), zap.Error(err))
		}

		var outcome pages.ProcessOutcome
		if !ok {
			outcome = pages.ProcessOutcome{Error: fmt.Sprintf("no processor registered for tool %q", job.ToolID)}
		} else {
			outcome = proc.Process(ctx, pages.ProcessRequest{
				URL:       url,
				AccountID: job.AccountID,
				UserID:    job.CreatedBy,
			})
		}
		c.recordOutcome(ctx, job, url, outcome)
	}

	return c.settle(ctx, batchID)
}

// claimBatchSlice claims up to Width unspoken-for URLs in source order. A
// lost claim is another poller's win, not an error.
func (c *Coordinator) claimBatchSlice(ctx context.Context, job pages.BatchJob) ([]string, error) {
	spokenFor := job.TerminalURLs()
	for _, url := range job.Processing {
		spokenFor[url] = true
	}

	claimed := make([]string, 0, c.cfg.Width)
	for _, url := range job.SourceURLs {
		if len(claimed) == c.cfg.Width {
			break
		}
		if spokenFor[url] {
			continue
		}
		won, err := c.repo.Claim(ctx, job.ID, url)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", url, err)
		}
		if !won {
			metrics.ObserveClaimConflict()
			continue
		}
		claimed = append(claimed, url)
	}
	return claimed, nil
}

// recordOutcome pushes the terminal outcome and releases the claim. A false
// return from the repo means a concurrent claimer already recorded one; the
// first write stands.
func (c *Coordinator) recordOutcome(ctx context.Context, job pages.BatchJob, url string, out pages.ProcessOutcome) {
	rec := pages.URLOutcome{
		URL:         url,
		Result:      out.Result,
		Error:       out.Error,
		ProcessedAt: c.clock.Now(),
	}
	var (
		applied bool
		err     error
		label   string
	)
	if out.Success {
		applied, err = c.repo.RecordSuccess(ctx, job.ID, rec)
		label = "success"
	} else {
		applied, err = c.repo.RecordFailure(ctx, job.ID, rec)
		label = "failure"
	}
	if err != nil {
		c.logger.Error("record outcome failed",
			zap.String("batch_id", job.ID),
			zap.String("url", url),
			zap.Error(err),
		)
		return
	}
	if !applied {
		c.logger.Debug("outcome already recorded by a concurrent step",
			zap.String("batch_id", job.ID),
			zap.String("url", url),
		)
		return
	}
	metrics.ObserveBatchURL(label)
}

// releaseClaims records cancellation failures for URLs this step claimed but
// never ran, so abandoned claims cannot wedge the batch.
func (c *Coordinator) releaseClaims(ctx context.Context, job pages.BatchJob, urls []string) {
	for _, url := range urls {
		c.recordOutcome(ctx, job, url, pages.ProcessOutcome{Error: "step cancelled before processing"})
	}
}

// settle recomputes progress from the outcome ledgers and finishes the batch
// once every URL holds a terminal outcome.
func (c *Coordinator) settle(ctx context.Context, batchID string) (View, error) {
	job, ok, err := c.repo.Get(ctx, batchID)
	if err != nil {
		return View{}, fmt.Errorf("reload batch: %w", err)
	}
	if !ok {
		return View{}, pages.ErrBatchNotFound
	}

	succeeded := job.DedupSucceeded()
	failed := job.DedupFailed()
	processed := len(succeeded) + len(failed)
	if processed != job.ProcessedCount {
		if err := c.repo.SetProcessedCount(ctx, batchID, processed); err != nil {
			c.logger.Warn("set processed count failed", zap.String("batch_id", batchID), zap.Error(err))
		}
		job.ProcessedCount = processed
	}

	if job.Status.IsTerminal() || processed < job.TotalURLs {
		return viewOf(job), nil
	}

	final := pages.BatchStatusCompleted
	if len(succeeded) == 0 && job.TotalURLs > 0 {
		final = pages.BatchStatusFailed
	}
	now := c.clock.Now()
	finished, err := c.repo.Finish(ctx, batchID, final, now)
	if err != nil {
		return View{}, fmt.Errorf("finish batch: %w", err)
	}
	if finished {
		c.logger.Info("batch finished",
			zap.String("batch_id", batchID),
			zap.String("status", string(final)),
			zap.Int("succeeded", len(succeeded)),
			zap.Int("failed", len(failed)),
		)
		c.publishEvent(ctx, job, final, now, len(succeeded), len(failed))
	}

	job, ok, err = c.repo.Get(ctx, batchID)
	if err != nil {
		return View{}, fmt.Errorf("reload batch: %w", err)
	}
	if !ok {
		return View{}, pages.ErrBatchNotFound
	}
	return viewOf(job), nil
}

// Cancel requests cooperative cancellation. In-flight claims finish on their
// own; no further URLs are claimed once the status is terminal.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) (View, error) {
	_, ok, err := c.repo.Get(ctx, batchID)
	if err != nil {
		return View{}, fmt.Errorf("load batch: %w", err)
	}
	if !ok {
		return View{}, pages.ErrBatchNotFound
	}
	applied, err := c.repo.Cancel(ctx, batchID, c.clock.Now())
	if err != nil {
		return View{}, fmt.Errorf("cancel batch: %w", err)
	}
	if applied {
		c.logger.Info("batch cancelled", zap.String("batch_id", batchID))
	}
	return c.Get(ctx, batchID)
}

// RetryFailed returns failed URLs below the retry cap to unclaimed work and
// reopens the batch for polling. It reports which URLs were reset.
func (c *Coordinator) RetryFailed(ctx context.Context, batchID string) ([]string, View, error) {
	job, ok, err := c.repo.Get(ctx, batchID)
	if err != nil {
		return nil, View{}, fmt.Errorf("load batch: %w", err)
	}
	if !ok {
		return nil, View{}, pages.ErrBatchNotFound
	}
	if job.Status == pages.BatchStatusCancelled {
		return nil, viewOf(job), nil
	}

	maxRetries := c.cfg.MaxRetries
	if policy, perr := c.policies.Policy(ctx, job.AccountID); perr == nil && policy.MaxRetriesPerURL > 0 {
		maxRetries = policy.MaxRetriesPerURL
	}

	reset, err := c.repo.ResetFailed(ctx, batchID, maxRetries)
	if err != nil {
		return nil, View{}, fmt.Errorf("reset failed urls: %w", err)
	}
	if len(reset) > 0 {
		c.logger.Info("batch retry requested",
			zap.String("batch_id", batchID),
			zap.Int("urls", len(reset)),
		)
	}
	view, err := c.Get(ctx, batchID)
	return reset, view, err
}

func (c *Coordinator) publishEvent(ctx context.Context, job pages.BatchJob, status pages.BatchStatus, at time.Time, succeeded, failed int) {
	if c.publisher == nil {
		return
	}
	event := pages.BatchEvent{
		BatchID:     job.ID,
		AccountID:   job.AccountID,
		ToolID:      job.ToolID,
		Status:      string(status),
		Succeeded:   succeeded,
		Failed:      failed,
		CompletedAt: at,
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, event); err != nil {
		c.logger.Error("publish batch event failed",
			zap.String("batch_id", job.ID),
			zap.Error(err),
		)
	}
}

func viewOf(job pages.BatchJob) View {
	succeeded := job.DedupSucceeded()
	failed := job.DedupFailed()
	return View{
		BatchID:     job.ID,
		Status:      job.Status,
		Progress:    Progress{Completed: len(succeeded) + len(failed), Total: job.TotalURLs},
		CurrentURL:  job.CurrentURL,
		Succeeded:   succeeded,
		Failed:      failed,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}
