package processors

import (
	"context"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/pages"
)

// ContentBrief converts each page to sanitized markdown and stores it as a
// brief artifact. The outcome result carries the artifact key.
type ContentBrief struct {
	resolver  pages.PageResolver
	blobs     pages.BlobStore
	clock     pages.Clock
	sanitizer *bluemonday.Policy
	converter *converter.Converter
	logger    *zap.Logger
}

// NewContentBrief constructs the content-brief processor.
func NewContentBrief(resolver pages.PageResolver, blobs pages.BlobStore, clock pages.Clock, logger *zap.Logger) *ContentBrief {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentBrief{
		resolver:  resolver,
		blobs:     blobs,
		clock:     clock,
		sanitizer: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger,
	}
}

func (c *ContentBrief) ToolID() string { return "content-brief" }

func (c *ContentBrief) Process(ctx context.Context, req pages.ProcessRequest) pages.ProcessOutcome {
	page, err := c.resolver.GetPage(ctx, pages.GetPageRequest{
		URL:       req.URL,
		AccountID: req.AccountID,
		UserID:    req.UserID,
		ToolID:    c.ToolID(),
	})
	if err != nil {
		return pages.ProcessOutcome{Error: err.Error()}
	}

	clean := c.sanitizer.SanitizeBytes(page.Content)
	markdown, err := c.converter.ConvertString(string(clean), converter.WithDomain(page.Snapshot.URL))
	if err != nil {
		return pages.ProcessOutcome{Error: fmt.Sprintf("convert to markdown: %v", err)}
	}
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return pages.ProcessOutcome{Error: "page produced an empty brief"}
	}

	ref := fmt.Sprintf("briefs/%s/%d.md", page.Snapshot.URLHash, c.clock.Now().UnixNano())
	if _, err := c.blobs.PutObject(ctx, ref, "text/markdown; charset=utf-8", []byte(markdown)); err != nil {
		return pages.ProcessOutcome{Error: fmt.Sprintf("store brief: %v", err)}
	}
	c.logger.Debug("content brief stored", zap.String("url", req.URL), zap.String("ref", ref))
	return pages.ProcessOutcome{Success: true, Result: ref}
}
