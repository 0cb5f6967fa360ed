package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seoscope/pagestore/internal/pages"
	"github.com/seoscope/pagestore/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fakeIDGen struct {
	mu   sync.Mutex
	next int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("batch-%d", g.next), nil
}

// fakeProcessor counts invocations per URL and fails the URLs it is told to.
type fakeProcessor struct {
	id    string
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeProcessor(id string) *fakeProcessor {
	return &fakeProcessor{id: id, calls: make(map[string]int), fail: make(map[string]bool)}
}

func (p *fakeProcessor) ToolID() string { return p.id }

func (p *fakeProcessor) Process(_ context.Context, req pages.ProcessRequest) pages.ProcessOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[req.URL]++
	if p.fail[req.URL] {
		return pages.ProcessOutcome{Error: "processing failed"}
	}
	return pages.ProcessOutcome{Success: true, Result: "ok"}
}

func (p *fakeProcessor) callCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

func (p *fakeProcessor) setFail(url string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[url] = fail
}

type fakePublisher struct {
	mu     sync.Mutex
	events []pages.BatchEvent
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	event, _ := payload.(pages.BatchEvent)
	p.events = append(p.events, event)
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *fakePublisher) published() []pages.BatchEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pages.BatchEvent(nil), p.events...)
}

type coordFixture struct {
	coord     *Coordinator
	repo      *memory.BatchRepo
	proc      *fakeProcessor
	publisher *fakePublisher
}

func newCoordFixture(t *testing.T, cfg Config) *coordFixture {
	t.Helper()
	proc := newFakeProcessor("page-library")
	registry, err := NewRegistry(proc)
	require.NoError(t, err)

	policies := memory.NewPolicyStore(pages.AccountPolicy{
		MaxAgeHours:        24,
		MaxSnapshotsPerURL: 10,
		MaxRetriesPerURL:   3,
	}, false)
	policies.Set(pages.AccountPolicy{AccountID: "acct-1"})

	repo := memory.NewBatchRepo()
	publisher := &fakePublisher{}
	coord := NewCoordinator(repo, registry, policies, publisher,
		&fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}, &fakeIDGen{}, cfg, nil)
	return &coordFixture{coord: coord, repo: repo, proc: proc, publisher: publisher}
}

func createReq(urls ...string) CreateRequest {
	return CreateRequest{AccountID: "acct-1", CreatedBy: "user-1", ToolID: "page-library", URLs: urls}
}

func TestCreate_UnknownToolRejected(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{})
	_, err := fx.coord.Create(context.Background(), CreateRequest{
		AccountID: "acct-1", ToolID: "rank-tracker", URLs: []string{"https://a.com"},
	})
	require.ErrorIs(t, err, pages.ErrUnknownTool)
}

func TestCreate_EmptyURLListRejected(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{})
	_, err := fx.coord.Create(context.Background(), createReq())
	require.Error(t, err)
}

func TestCreate_UnknownAccountRejected(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{})
	req := createReq("https://a.com")
	req.AccountID = "acct-unknown"
	_, err := fx.coord.Create(context.Background(), req)
	require.ErrorIs(t, err, pages.ErrAccountNotFound)
}

func TestCreate_CanonicalizesAndDedupes(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{})
	view, err := fx.coord.Create(context.Background(), createReq(
		"a.com/page?b=2&a=1",
		"https://A.COM/page?a=1&b=2",
		"b.com",
	))
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusPending, view.Status)
	require.Equal(t, 2, view.Progress.Total)

	job, ok, err := fx.repo.Get(context.Background(), view.BatchID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"https://a.com/page?a=1&b=2", "https://b.com"}, job.SourceURLs)
}

func TestStep_TwoURLBatchCompletesInOnePoll(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	created, err := fx.coord.Create(ctx, createReq("https://a.com", "https://b.com"))
	require.NoError(t, err)

	view, err := fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCompleted, view.Status)
	require.Equal(t, Progress{Completed: 2, Total: 2}, view.Progress)
	require.Len(t, view.Succeeded, 2)
	require.Empty(t, view.Failed)
	require.NotNil(t, view.CompletedAt)
	require.Equal(t, 1, fx.proc.callCount("https://a.com"))
	require.Equal(t, 1, fx.proc.callCount("https://b.com"))
}

func TestStep_WidthBoundsWorkPerPoll(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 2})
	ctx := context.Background()
	urls := []string{"https://a.com", "https://b.com", "https://c.com", "https://d.com", "https://e.com"}
	created, err := fx.coord.Create(ctx, createReq(urls...))
	require.NoError(t, err)

	view, err := fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusProcessing, view.Status)
	require.Equal(t, Progress{Completed: 2, Total: 5}, view.Progress)

	// ceil(5/2) polls drain the batch.
	for i := 0; i < 2; i++ {
		view, err = fx.coord.Step(ctx, created.BatchID)
		require.NoError(t, err)
	}
	require.Equal(t, pages.BatchStatusCompleted, view.Status)
	require.Equal(t, Progress{Completed: 5, Total: 5}, view.Progress)
	for _, url := range urls {
		require.Equal(t, 1, fx.proc.callCount(url))
	}
}

func TestStep_TerminalBatchIsReadOnly(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	created, err := fx.coord.Create(ctx, createReq("https://a.com"))
	require.NoError(t, err)

	_, err = fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)

	view, err := fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCompleted, view.Status)
	require.Equal(t, 1, fx.proc.callCount("https://a.com"))
}

func TestStep_AllFailuresMarkBatchFailed(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	fx.proc.setFail("https://a.com", true)
	fx.proc.setFail("https://b.com", true)

	created, err := fx.coord.Create(ctx, createReq("https://a.com", "https://b.com"))
	require.NoError(t, err)

	view, err := fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusFailed, view.Status)
	require.Len(t, view.Failed, 2)
	require.Contains(t, view.Failed[0].Error, "processing failed")
}

func TestStep_MixedOutcomesComplete(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	fx.proc.setFail("https://b.com", true)

	created, err := fx.coord.Create(ctx, createReq("https://a.com", "https://b.com"))
	require.NoError(t, err)

	view, err := fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCompleted, view.Status)
	require.Len(t, view.Succeeded, 1)
	require.Len(t, view.Failed, 1)
}

func TestStep_UnknownBatch(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{})
	_, err := fx.coord.Step(context.Background(), "no-such-batch")
	require.ErrorIs(t, err, pages.ErrBatchNotFound)
}

func TestStep_ConcurrentPollersProcessEachURLOnce(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 3})
	ctx := context.Background()

	urls := make([]string, 20)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://site-%d.com", i)
	}
	created, err := fx.coord.Create(ctx, createReq(urls...))
	require.NoError(t, err)

	const pollers = 16
	errs := make(chan error, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				view, stepErr := fx.coord.Step(ctx, created.BatchID)
				if stepErr != nil {
					errs <- stepErr
					return
				}
				if view.Status.IsTerminal() {
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for stepErr := range errs {
		require.NoError(t, stepErr)
	}

	view, err := fx.coord.Get(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCompleted, view.Status)
	require.Equal(t, Progress{Completed: 20, Total: 20}, view.Progress)
	for _, url := range urls {
		require.Equal(t, 1, fx.proc.callCount(url), "url %s processed more than once", url)
	}
}

func TestCancel_PendingBatchStopsBeforeAnyWork(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	created, err := fx.coord.Create(ctx, createReq("https://a.com", "https://b.com"))
	require.NoError(t, err)

	view, err := fx.coord.Cancel(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCancelled, view.Status)

	// Subsequent polls observe the cancellation and never claim.
	view, err = fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCancelled, view.Status)
	require.Zero(t, fx.proc.callCount("https://a.com"))
	require.Zero(t, fx.proc.callCount("https://b.com"))
}

func TestCancel_CompletedBatchUnchanged(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	created, err := fx.coord.Create(ctx, createReq("https://a.com"))
	require.NoError(t, err)
	_, err = fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)

	view, err := fx.coord.Cancel(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCompleted, view.Status)
}

func TestRetryFailed_ReprocessesFailedSubset(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	fx.proc.setFail("https://b.com", true)

	created, err := fx.coord.Create(ctx, createReq("https://a.com", "https://b.com"))
	require.NoError(t, err)
	view, err := fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCompleted, view.Status)

	fx.proc.setFail("https://b.com", false)
	reset, view, err := fx.coord.RetryFailed(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, []string{"https://b.com"}, reset)
	require.Equal(t, pages.BatchStatusProcessing, view.Status)

	view, err = fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	require.Equal(t, pages.BatchStatusCompleted, view.Status)
	require.Len(t, view.Succeeded, 2)
	require.Empty(t, view.Failed)
	// The succeeded URL from the first pass was not reprocessed.
	require.Equal(t, 1, fx.proc.callCount("https://a.com"))
	require.Equal(t, 2, fx.proc.callCount("https://b.com"))
}

func TestRetryFailed_RetryCapStopsResets(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	fx.proc.setFail("https://a.com", true)

	created, err := fx.coord.Create(ctx, createReq("https://a.com"))
	require.NoError(t, err)
	_, err = fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)

	// Account policy allows three retry passes.
	for i := 0; i < 3; i++ {
		reset, _, retryErr := fx.coord.RetryFailed(ctx, created.BatchID)
		require.NoError(t, retryErr)
		require.Equal(t, []string{"https://a.com"}, reset)
		_, err = fx.coord.Step(ctx, created.BatchID)
		require.NoError(t, err)
	}

	reset, view, err := fx.coord.RetryFailed(ctx, created.BatchID)
	require.NoError(t, err)
	require.Empty(t, reset)
	require.Equal(t, pages.BatchStatusFailed, view.Status)
	require.Equal(t, 4, fx.proc.callCount("https://a.com"))
}

func TestRetryFailed_CancelledBatchIsLeftAlone(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	created, err := fx.coord.Create(ctx, createReq("https://a.com"))
	require.NoError(t, err)
	_, err = fx.coord.Cancel(ctx, created.BatchID)
	require.NoError(t, err)

	reset, view, err := fx.coord.RetryFailed(ctx, created.BatchID)
	require.NoError(t, err)
	require.Empty(t, reset)
	require.Equal(t, pages.BatchStatusCancelled, view.Status)
}

func TestStep_PublishesCompletionEventOnce(t *testing.T) {
	t.Parallel()

	fx := newCoordFixture(t, Config{Width: 5})
	ctx := context.Background()
	created, err := fx.coord.Create(ctx, createReq("https://a.com", "https://b.com"))
	require.NoError(t, err)

	_, err = fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)
	_, err = fx.coord.Step(ctx, created.BatchID)
	require.NoError(t, err)

	events := fx.publisher.published()
	require.Len(t, events, 1)
	require.Equal(t, created.BatchID, events[0].BatchID)
	require.Equal(t, string(pages.BatchStatusCompleted), events[0].Status)
	require.Equal(t, 2, events[0].Succeeded)
	require.Zero(t, events[0].Failed)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(newFakeProcessor("page-library"), newFakeProcessor("page-library"))
	require.Error(t, err)

	registry, err := NewRegistry(newFakeProcessor("page-library"), newFakeProcessor("tag-audit"))
	require.NoError(t, err)
	require.Equal(t, []string{"page-library", "tag-audit"}, registry.ToolIDs())
}
