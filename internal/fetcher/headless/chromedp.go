// Package headless contains the fetcher that renders pages via headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/seoscope/pagestore/internal/pages"
)

// Device describes one screenshot viewport.
type Device struct {
	Name   string
	Width  int64
	Height int64
	Mobile bool
}

// Default screenshot viewports keyed by config name.
var knownDevices = map[string]Device{
	"desktop": {Name: "desktop", Width: 1440, Height: 900},
	"mobile":  {Name: "mobile", Width: 390, Height: 844, Mobile: true},
	"tablet":  {Name: "tablet", Width: 820, Height: 1180, Mobile: true},
}

// DevicesFor maps config device names onto viewports, skipping unknown names.
func DevicesFor(names []string) []Device {
	out := make([]Device, 0, len(names))
	for _, name := range names {
		if d, ok := knownDevices[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Devices           []Device
}

// Fetcher implements pages.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by chromedp.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the fully rendered DOM
// plus a screenshot per configured device.
func (f *Fetcher) Fetch(ctx context.Context, url string) (pages.FetchResult, error) {
	if err := f.acquire(ctx); err != nil {
		return pages.FetchResult{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, shots, err := f.runHeadless(taskCtx, url)
	if err != nil {
		return pages.FetchResult{}, err
	}

	status, responseURL := meta.snapshotWithFallbacks(url, finalURL)

	return pages.FetchResult{
		URL:          responseURL,
		StatusCode:   status,
		Body:         []byte(html),
		RenderMethod: pages.RenderMethodHeadless,
		RenderTime:   time.Since(start),
		Screenshots:  shots,
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (string, string, map[string][]byte, error) {
	var (
		html     string
		finalURL string
	)
	shots := make(map[string][]byte, len(f.cfg.Devices))

	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	for _, device := range f.cfg.Devices {
		actions = append(actions, f.screenshotAction(device, shots))
	}

	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", nil, fmt.Errorf("chromedp run: %w", err)
	}
	if len(shots) == 0 {
		shots = nil
	}
	return html, finalURL, shots, nil
}

func (f *Fetcher) screenshotAction(device Device, shots map[string][]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		err := emulation.SetDeviceMetricsOverride(device.Width, device.Height, 1, device.Mobile).Do(ctx)
		if err != nil {
			return fmt.Errorf("emulate %s viewport: %w", device.Name, err)
		}
		var buf []byte
		if err := chromedp.FullScreenshot(&buf, 80).Do(ctx); err != nil {
			return fmt.Errorf("screenshot %s: %w", device.Name, err)
		}
		shots[device.Name] = buf
		return nil
	})
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
