package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/pages"
)

// TagAudit extracts the SEO-relevant head tags from each page so the audit
// tool can flag missing or duplicated metadata.
type TagAudit struct {
	resolver pages.PageResolver
	logger   *zap.Logger
}

// NewTagAudit constructs the tag-audit processor.
func NewTagAudit(resolver pages.PageResolver, logger *zap.Logger) *TagAudit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TagAudit{resolver: resolver, logger: logger}
}

func (t *TagAudit) ToolID() string { return "tag-audit" }

// tagReport is the per-URL audit summary serialized into the outcome result.
type tagReport struct {
	Title           string `json:"title,omitempty"`
	MetaDescription string `json:"meta_description,omitempty"`
	Canonical       string `json:"canonical,omitempty"`
	Robots          string `json:"robots,omitempty"`
	OGTitle         string `json:"og_title,omitempty"`
	H1Count         int    `json:"h1_count"`
	ImagesNoAlt     int    `json:"images_missing_alt"`
}

func (t *TagAudit) Process(ctx context.Context, req pages.ProcessRequest) pages.ProcessOutcome {
	page, err := t.resolver.GetPage(ctx, pages.GetPageRequest{
		URL:       req.URL,
		AccountID: req.AccountID,
		UserID:    req.UserID,
		ToolID:    t.ToolID(),
	})
	if err != nil {
		return pages.ProcessOutcome{Error: err.Error()}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Content))
	if err != nil {
		return pages.ProcessOutcome{Error: fmt.Sprintf("parse html: %v", err)}
	}

	report := tagReport{
		Title:           strings.TrimSpace(doc.Find("head title").First().Text()),
		MetaDescription: metaContent(doc, "description"),
		Robots:          metaContent(doc, "robots"),
		H1Count:         doc.Find("h1").Length(),
	}
	if href, ok := doc.Find(`head link[rel="canonical"]`).First().Attr("href"); ok {
		report.Canonical = strings.TrimSpace(href)
	}
	if og, ok := doc.Find(`head meta[property="og:title"]`).First().Attr("content"); ok {
		report.OGTitle = strings.TrimSpace(og)
	}
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			report.ImagesNoAlt++
		}
	})

	payload, err := json.Marshal(report)
	if err != nil {
		return pages.ProcessOutcome{Error: fmt.Sprintf("encode report: %v", err)}
	}
	return pages.ProcessOutcome{Success: true, Result: string(payload)}
}

func metaContent(doc *goquery.Document, name string) string {
	content, _ := doc.Find(fmt.Sprintf(`head meta[name=%q]`, name)).First().Attr("content")
	return strings.TrimSpace(content)
}
