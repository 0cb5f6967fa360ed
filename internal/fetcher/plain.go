// Package fetcher implements the remote fetch paths used by the cache resolver.
package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/seoscope/pagestore/internal/pages"
)

// PlainConfig controls the plain HTTP fetch path.
type PlainConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Plain implements pages.Fetcher using the Colly collector.
type Plain struct {
	cfg           PlainConfig
	baseCollector *colly.Collector
}

// NewPlain builds a plain fetcher.
func NewPlain(cfg PlainConfig) *Plain {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Plain{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Plain) Fetch(ctx context.Context, url string) (pages.FetchResult, error) {
	var (
		result   pages.FetchResult
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		result = pages.FetchResult{
			URL:          r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Body:         append([]byte(nil), r.Body...),
			RenderMethod: pages.RenderMethodPlain,
			RenderTime:   time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return pages.FetchResult{}, fmt.Errorf("plain fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return pages.FetchResult{}, fmt.Errorf("plain visit failed: %w", err)
		}
		if fetchErr != nil {
			return pages.FetchResult{}, fmt.Errorf("plain response failed: %w", fetchErr)
		}
		return result, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
