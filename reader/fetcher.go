package reader

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"pricewatch/config"
	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/processor"
	"pricewatch/reader/site"
)

// Renderer produces the HTML of a page after running its scripts. It is
// used to get past JavaScript challenge pages.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// challengeMarkers identify interstitial bot-check pages.
var challengeMarkers = []string{
	"cf-browser-verification",
	"challenge-platform",
	"cf_chl_opt",
	"<title>Just a moment...</title>",
	"Attention Required! | Cloudflare",
	"captcha-delivery.com",
}

// Fetcher performs one fetch-and-parse attempt per call. The underlying
// client is shared by all workers and keeps cookies between requests.
type Fetcher struct {
	config   *config.Config
	client   *resty.Client
	sites    *site.Registry
	renderer Renderer
	now      func() time.Time
	log      *logger.Log
}

// NewFetcher builds the HTTP client from the reader config. renderer may be
// nil, in which case challenge pages fail as blocked.
func NewFetcher(cfg *config.Config, sites *site.Registry, renderer Renderer) *Fetcher {
	log := logger.GetLogger()

	transport := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		MaxIdleConns:       cfg.Reader.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:    cfg.Reader.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:    cfg.Reader.ConnectionPool.IdleConnTimeout,
		DisableCompression: false,
	}

	// resty.New installs a cookie jar, so session cookies set by a
	// retailer carry over to the next attempt.
	client := resty.New().
		SetTransport(transport).
		SetTimeout(cfg.Reader.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeaders(cfg.Reader.Headers)
	if cfg.Reader.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.Reader.UserAgent)
	}
	client.SetHeaders(map[string]string{
		"Sec-Fetch-Dest": "document",
		"Sec-Fetch-Mode": "navigate",
		"Sec-Fetch-Site": "cross-site",
	})

	log.WithComponent("fetcher").WithFields(logger.Fields{
		"timeout":            cfg.Reader.Timeout,
		"max_idle_conns":     cfg.Reader.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.Reader.ConnectionPool.MaxConnsPerHost,
		"browser_fallback":   renderer != nil,
	}).Info("fetcher initialized")

	return &Fetcher{
		config:   cfg,
		client:   client,
		sites:    sites,
		renderer: renderer,
		now:      time.Now,
		log:      log,
	}
}

// FetchPrice loads entry.URL once and extracts its current price.
func (f *Fetcher) FetchPrice(ctx context.Context, entry models.ProductEntry) (models.RawPriceObservation, error) {
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"product": entry.Name,
		"url":     entry.URL,
	})

	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).Get(entry.URL)
	if err != nil {
		return models.RawPriceObservation{}, &FetchError{Kind: models.KindNetwork, Err: err}
	}
	status := resp.StatusCode()
	body := resp.Body()
	logger.LogPerformanceEntry(log, "fetcher", "http_get", time.Since(start), logger.Fields{
		"status":     status,
		"body_bytes": len(body),
	})

	challenged := isChallenge(body)
	switch {
	case status == http.StatusTooManyRequests:
		return models.RawPriceObservation{}, &FetchError{
			Kind:       models.KindRateLimited,
			Status:     status,
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After"), f.now()),
			Err:        fmt.Errorf("too many requests"),
		}
	case challenged && (status == http.StatusForbidden || status == http.StatusServiceUnavailable || status < 300):
		html, err := f.render(ctx, entry.URL, status)
		if err != nil {
			return models.RawPriceObservation{}, err
		}
		body = []byte(html)
	case status < 200 || status >= 300:
		return models.RawPriceObservation{}, &FetchError{
			Kind:   models.KindHTTPStatus,
			Status: status,
			Err:    fmt.Errorf("unexpected status %s", resp.Status()),
		}
	}

	return f.parse(entry, body)
}

// render retries a challenged page through the headless browser.
func (f *Fetcher) render(ctx context.Context, url string, status int) (string, error) {
	if f.renderer == nil {
		return "", &FetchError{Kind: models.KindBlocked, Status: status, Err: fmt.Errorf("bot challenge page")}
	}
	html, err := f.renderer.Render(ctx, url)
	if err != nil {
		return "", &FetchError{Kind: models.KindBlocked, Status: status, Err: fmt.Errorf("render challenge page: %w", err)}
	}
	if isChallenge([]byte(html)) {
		return "", &FetchError{Kind: models.KindBlocked, Status: status, Err: fmt.Errorf("challenge persisted after rendering")}
	}
	return html, nil
}

func (f *Fetcher) parse(entry models.ProductEntry, body []byte) (models.RawPriceObservation, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return models.RawPriceObservation{}, &FetchError{Kind: models.KindParse, Err: fmt.Errorf("parse html: %w", err)}
	}

	s := f.sites.Resolve(entry.URL)
	m, err := site.ExtractMatch(doc, s)
	if err != nil {
		return models.RawPriceObservation{}, &FetchError{Kind: models.KindMarkupNotFound, Err: err}
	}

	price, err := processor.Normalize(m.Raw, m.LocaleFor(s))
	if err != nil {
		return models.RawPriceObservation{}, &FetchError{Kind: models.KindParse, Err: err}
	}

	f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"product": entry.Name,
		"site":    s.Name,
		"source":  m.Source,
		"raw":     m.Raw,
		"price":   price.StringFixed(2),
	}).Debug("price extracted")

	return models.RawPriceObservation{
		Product:    entry.Name,
		Price:      price,
		ObservedAt: f.now(),
		SourceURL:  entry.URL,
		Shop:       m.Shop,
	}, nil
}

func isChallenge(body []byte) bool {
	// challenge pages are small; avoid scanning full product pages
	if len(body) > 256*1024 {
		body = body[:256*1024]
	}
	s := string(body)
	for _, m := range challengeMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// parseRetryAfter reads delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
