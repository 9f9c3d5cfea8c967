package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pricewatch/config"
	"pricewatch/models"
	"pricewatch/processor"
	"pricewatch/reader/site"
)

const productPage = `<html><body><span class="shop">Cyberport</span><span class="price">€ 1.099,00</span></body></html>`

const challengePage = `<html><head><title>Just a moment...</title></head><body><div id="challenge-platform"></div></body></html>`

type fakeRenderer struct {
	html  string
	err   error
	calls int
}

func (r *fakeRenderer) Render(ctx context.Context, url string) (string, error) {
	r.calls++
	return r.html, r.err
}

func newTestFetcher(t *testing.T, renderer Renderer) *Fetcher {
	t.Helper()
	cfg := config.Default()
	cfg.Reader.Timeout = 2 * time.Second

	sites := site.NewRegistry()
	sites.Register(site.Site{
		Name:      "local",
		Hosts:     []string{"127.0.0.1"},
		Locale:    processor.LocaleDE,
		Extractor: site.NewSelectorChain([]string{"span.price"}, "span.shop"),
	})

	f := NewFetcher(&cfg, sites, renderer)
	f.now = func() time.Time { return time.Date(2025, 2, 14, 10, 0, 0, 0, time.UTC) }
	return f
}

func entryFor(url string) models.ProductEntry {
	return models.ProductEntry{Name: "Palit RTX 5080 GamingPro OC", URL: url, Group: "rtx5080"}
}

func TestFetchPriceSuccess(t *testing.T) {
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Write([]byte(productPage))
	}))
	defer srv.Close()

	obs, err := newTestFetcher(t, nil).FetchPrice(context.Background(), entryFor(srv.URL+"/p/1"))
	if err != nil {
		t.Fatalf("FetchPrice: %v", err)
	}
	if obs.Price.StringFixed(2) != "1099.00" || obs.Shop != "Cyberport" {
		t.Fatalf("unexpected observation: %+v", obs)
	}
	if obs.SourceURL != srv.URL+"/p/1" || obs.Product != "Palit RTX 5080 GamingPro OC" {
		t.Fatalf("entry not carried over: %+v", obs)
	}
	if !strings.Contains(gotUA, "Chrome/") || gotLang != "de-DE,de;q=0.9" {
		t.Fatalf("browser headers not sent: ua=%q lang=%q", gotUA, gotLang)
	}
}

func TestFetchPriceKeepsCookies(t *testing.T) {
	requests := 0
	var sawCookie bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if c, err := r.Cookie("session"); err == nil && c.Value == "abc" {
			sawCookie = true
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		w.Write([]byte(productPage))
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	for i := 0; i < 2; i++ {
		if _, err := f.FetchPrice(context.Background(), entryFor(srv.URL)); err != nil {
			t.Fatalf("FetchPrice: %v", err)
		}
	}
	if requests != 2 || !sawCookie {
		t.Fatalf("cookie not replayed: requests=%d sawCookie=%v", requests, sawCookie)
	}
}

func TestFetchPriceClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    models.FailureKind
	}{
		{"rate limited", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
		}, models.KindRateLimited},
		{"challenge", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(challengePage))
		}, models.KindBlocked},
		{"challenge with 200", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(challengePage))
		}, models.KindBlocked},
		{"plain 404", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}, models.KindHTTPStatus},
		{"plain 403", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}, models.KindHTTPStatus},
		{"no markup", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html><body><p>Produkt nicht gefunden</p></body></html>`))
		}, models.KindMarkupNotFound},
		{"unparseable", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<span class="price">Preis auf Anfrage</span>`))
		}, models.KindParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestFetcher(t, nil).FetchPrice(context.Background(), entryFor(srv.URL))
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FetchError", err)
			}
			if fe.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s (%v)", fe.Kind, tt.kind, err)
			}
			if tt.kind == models.KindRateLimited && fe.RetryAfter != 12*time.Second {
				t.Fatalf("RetryAfter = %s", fe.RetryAfter)
			}
		})
	}
}

func TestFetchPriceNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestFetcher(t, nil).FetchPrice(context.Background(), entryFor(url))
	if KindOf(err) != models.KindNetwork {
		t.Fatalf("KindOf(%v) = %s", err, KindOf(err))
	}
}

func TestFetchPriceRendersChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(challengePage))
	}))
	defer srv.Close()

	r := &fakeRenderer{html: productPage}
	obs, err := newTestFetcher(t, r).FetchPrice(context.Background(), entryFor(srv.URL))
	if err != nil {
		t.Fatalf("FetchPrice: %v", err)
	}
	if r.calls != 1 || obs.Price.StringFixed(2) != "1099.00" {
		t.Fatalf("render path not used: calls=%d obs=%+v", r.calls, obs)
	}

	stuck := &fakeRenderer{html: challengePage}
	if _, err := newTestFetcher(t, stuck).FetchPrice(context.Background(), entryFor(srv.URL)); KindOf(err) != models.KindBlocked {
		t.Fatalf("persisting challenge should be blocked, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 2, 14, 10, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("30", now); got != 30*time.Second {
		t.Fatalf("seconds: %s", got)
	}
	if got := parseRetryAfter(now.Add(20*time.Second).Format(http.TimeFormat), now); got != 20*time.Second {
		t.Fatalf("http date: %s", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage: %s", got)
	}
}
