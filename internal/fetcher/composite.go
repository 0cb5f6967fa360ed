package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/pages"
)

// Composite tries the rendering fetcher first and degrades to the plain path
// on any render error. The fallback is invisible to callers beyond the
// RenderMethod metadata on the result.
type Composite struct {
	renderer pages.Fetcher
	plain    pages.Fetcher
	logger   *zap.Logger
}

// NewComposite builds a Composite. renderer may be nil, in which case every
// fetch goes straight to the plain path.
func NewComposite(renderer, plain pages.Fetcher, logger *zap.Logger) *Composite {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composite{
		renderer: renderer,
		plain:    plain,
		logger:   logger,
	}
}

// Fetch resolves a URL, preferring the rendering path.
func (c *Composite) Fetch(ctx context.Context, url string) (pages.FetchResult, error) {
	if c.renderer != nil {
		result, err := c.renderer.Fetch(ctx, url)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return pages.FetchResult{}, err
		}
		c.logger.Warn("render fetch failed, falling back to plain",
			zap.String("url", url),
			zap.Error(err),
		)
	}
	return c.plain.Fetch(ctx, url)
}
