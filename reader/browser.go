package reader

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"pricewatch/config"
	"pricewatch/logger"
)

// ChromeRenderer loads a page in headless Chrome and returns the DOM once
// the challenge script had time to run.
type ChromeRenderer struct {
	execPath  string
	userAgent string
	settle    time.Duration
	timeout   time.Duration
	log       *logger.Log
}

func NewChromeRenderer(cfg *config.Config) *ChromeRenderer {
	settle := cfg.Reader.Browser.Settle
	if settle <= 0 {
		settle = 3 * time.Second
	}
	return &ChromeRenderer{
		execPath:  cfg.Reader.Browser.ExecPath,
		userAgent: cfg.Reader.UserAgent,
		settle:    settle,
		timeout:   2*cfg.Reader.Timeout + settle,
		log:       logger.GetLogger(),
	}
}

func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 768),
	)
	if r.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.userAgent))
	}
	if r.execPath != "" {
		opts = append(opts, chromedp.ExecPath(r.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()
	runCtx, cancel := context.WithTimeout(browserCtx, r.timeout)
	defer cancel()

	start := time.Now()
	var html string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("chromedp: %w", err)
	}

	logger.LogPerformanceEntry(r.log.WithComponent("browser"), "browser", "render", time.Since(start), logger.Fields{
		"url":        url,
		"html_bytes": len(html),
	})
	return html, nil
}
