// Package processors holds the per-tool URL processors the batch engine
// dispatches to.
package processors

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/pages"
)

// PageLibrary warms the shared page cache for each URL so the page library
// tool can serve snapshots without fetching at view time.
type PageLibrary struct {
	resolver pages.PageResolver
	logger   *zap.Logger
}

// NewPageLibrary constructs the page-library processor.
func NewPageLibrary(resolver pages.PageResolver, logger *zap.Logger) *PageLibrary {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageLibrary{resolver: resolver, logger: logger}
}

func (p *PageLibrary) ToolID() string { return "page-library" }

func (p *PageLibrary) Process(ctx context.Context, req pages.ProcessRequest) pages.ProcessOutcome {
	result, err := p.resolver.GetPage(ctx, pages.GetPageRequest{
		URL:       req.URL,
		AccountID: req.AccountID,
		UserID:    req.UserID,
		ToolID:    p.ToolID(),
	})
	if err != nil {
		p.logger.Warn("page library fetch failed", zap.String("url", req.URL), zap.Error(err))
		return pages.ProcessOutcome{Error: err.Error()}
	}
	return pages.ProcessOutcome{
		Success: true,
		Result:  fmt.Sprintf("snapshot %s (%d bytes, cached=%t)", result.Snapshot.ID, len(result.Content), result.WasCached),
	}
}
