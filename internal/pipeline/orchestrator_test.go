package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"pricewatch/config"
	"pricewatch/models"
	"pricewatch/reader"
)

var observedAt = time.Date(2025, 2, 14, 6, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Reader.Retry = config.RetryConfig{
		MaxAttempts:      2,
		BaseDelay:        time.Millisecond,
		RateLimitMinWait: time.Millisecond,
		RateLimitMaxWait: 2 * time.Millisecond,
	}
	cfg.Orchestrator.DispatchJitter = 0
	cfg.Orchestrator.HostRateLimit = config.RateLimitConfig{}
	cfg.Orchestrator.BatchDeadline = 5 * time.Second
	return cfg
}

func newTestOrchestrator(cfg config.Config, fetch reader.FetchFunc) *Orchestrator {
	return NewOrchestrator(&cfg, fetch, reader.NewRetrier(cfg.Reader.Retry))
}

func priced(price string) func(models.ProductEntry) models.RawPriceObservation {
	return func(e models.ProductEntry) models.RawPriceObservation {
		return models.RawPriceObservation{
			Product:    e.Name,
			Price:      decimal.RequireFromString(price),
			ObservedAt: observedAt,
			SourceURL:  e.URL,
		}
	}
}

func entries(names ...string) []models.ProductEntry {
	out := make([]models.ProductEntry, 0, len(names))
	for _, n := range names {
		out = append(out, models.ProductEntry{Name: n, URL: "https://geizhals.at/" + n, Group: "rtx5080"})
	}
	return out
}

func kinds(outcomes []models.FetchOutcome) []models.FailureKind {
	out := make([]models.FailureKind, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.Kind)
	}
	return out
}

func TestRunBatchKeepsCatalogOrderAndToleratesFailures(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, e models.ProductEntry) (models.RawPriceObservation, error) {
		calls.Add(1)
		if e.Name == "B" {
			return models.RawPriceObservation{}, &reader.FetchError{Kind: models.KindHTTPStatus, Status: 500, Err: errors.New("500 Internal Server Error")}
		}
		return priced("1299.00")(e), nil
	}
	o := newTestOrchestrator(testConfig(), fetch)

	outcomes := o.RunBatch(context.Background(), entries("A", "B", "C", "D"), 2)

	if diff := cmp.Diff([]models.FailureKind{"", models.KindHTTPStatus, "", ""}, kinds(outcomes)); diff != "" {
		t.Fatalf("outcome kinds (-want +got):\n%s", diff)
	}
	for i, name := range []string{"A", "B", "C", "D"} {
		if outcomes[i].Entry.Name != name {
			t.Fatalf("outcome %d is for %q", i, outcomes[i].Entry.Name)
		}
	}
	if outcomes[1].Attempts != 2 {
		t.Fatalf("failed product attempts = %d, want 2", outcomes[1].Attempts)
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("fetch calls = %d, want 5", got)
	}
}

func TestRunBatchRespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	fetch := func(ctx context.Context, e models.ProductEntry) (models.RawPriceObservation, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		return priced("10.00")(e), nil
	}
	o := newTestOrchestrator(testConfig(), fetch)

	outcomes := o.RunBatch(context.Background(), entries("a", "b", "c", "d", "e", "f", "g", "h", "i"), 3)

	if len(outcomes) != 9 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency %d exceeds limit 3", p)
	}
}

func TestRunBatchDefaultConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.Concurrency = 0
	var inFlight, peak atomic.Int32
	fetch := func(ctx context.Context, e models.ProductEntry) (models.RawPriceObservation, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(10 * time.Millisecond)
		return priced("10.00")(e), nil
	}
	newTestOrchestrator(cfg, fetch).RunBatch(context.Background(), entries("a", "b", "c", "d", "e", "f", "g", "h"), 0)
	if p := peak.Load(); p > defaultConcurrency {
		t.Fatalf("peak concurrency %d exceeds default %d", p, defaultConcurrency)
	}
}

func TestRunBatchDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.BatchDeadline = 40 * time.Millisecond
	fetch := func(ctx context.Context, e models.ProductEntry) (models.RawPriceObservation, error) {
		if e.Name == "fast" {
			return priced("5.00")(e), nil
		}
		<-ctx.Done()
		return models.RawPriceObservation{}, ctx.Err()
	}
	o := newTestOrchestrator(cfg, fetch)

	start := time.Now()
	outcomes := o.RunBatch(context.Background(), entries("fast", "hung", "queued"), 1)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("batch ran %s past its deadline", elapsed)
	}

	want := []models.FailureKind{"", models.KindDeadlineExceeded, models.KindDeadlineExceeded}
	if diff := cmp.Diff(want, kinds(outcomes)); diff != "" {
		t.Fatalf("outcome kinds (-want +got):\n%s", diff)
	}
}

func TestRunBatchRejectsInvalidObservations(t *testing.T) {
	cfg := testConfig()
	cfg.Validation.MaxPrice = 5000
	fetch := func(ctx context.Context, e models.ProductEntry) (models.RawPriceObservation, error) {
		switch e.Name {
		case "zero":
			return priced("0")(e), nil
		case "absurd":
			return priced("129900.00")(e), nil
		}
		return priced("1299.00")(e), nil
	}
	outcomes := newTestOrchestrator(cfg, fetch).RunBatch(context.Background(), entries("ok", "zero", "absurd"), 2)

	want := []models.FailureKind{"", models.KindValidationRejected, models.KindValidationRejected}
	if diff := cmp.Diff(want, kinds(outcomes)); diff != "" {
		t.Fatalf("outcome kinds (-want +got):\n%s", diff)
	}
	if outcomes[1].Observation == nil || outcomes[1].Attempts != 1 {
		t.Fatalf("rejected outcome should keep observation and not retry: %+v", outcomes[1])
	}
}

func TestRunCatalogSortsByName(t *testing.T) {
	fetch := func(ctx context.Context, e models.ProductEntry) (models.RawPriceObservation, error) {
		return priced("1.00")(e), nil
	}
	outcomes := newTestOrchestrator(testConfig(), fetch).RunCatalog(context.Background(), map[string]string{
		"Zotac": "https://geizhals.at/z",
		"Asus":  "https://geizhals.at/a",
	}, "rtx5080", 0)

	if len(outcomes) != 2 || outcomes[0].Entry.Name != "Asus" || outcomes[1].Entry.Group != "rtx5080" {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
}

func TestHostLimiterShared(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.HostRateLimit = config.RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1}
	o := newTestOrchestrator(cfg, nil)

	if o.limiter("https://www.geizhals.at/a") != o.limiter("https://geizhals.at/b") {
		t.Fatal("www and bare host should share a limiter")
	}
	if o.limiter("https://geizhals.at/a") == o.limiter("https://www.idealo.de/x") {
		t.Fatal("different hosts share a limiter")
	}
	if l := o.limiter("https://idealo.de/y"); l.Limit() != 2 || l.Burst() != 1 {
		t.Fatalf("limiter = %v/%d", l.Limit(), l.Burst())
	}
}

func TestDispatchJitterApplied(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.DispatchJitter = time.Second
	fetch := func(ctx context.Context, e models.ProductEntry) (models.RawPriceObservation, error) {
		return priced("1.00")(e), nil
	}
	o := newTestOrchestrator(cfg, fetch)
	var asked atomic.Int64
	o.randDuration = func(max time.Duration) time.Duration {
		asked.Store(int64(max))
		return time.Millisecond
	}

	o.RunBatch(context.Background(), entries("a"), 1)
	if time.Duration(asked.Load()) != time.Second {
		t.Fatalf("jitter drawn with max %s", time.Duration(asked.Load()))
	}
}

func TestDue(t *testing.T) {
	last := time.Date(2025, 2, 14, 6, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		last     time.Time
		now      time.Time
		interval time.Duration
		want     bool
	}{
		{"never ran", time.Time{}, last, 24 * time.Hour, true},
		{"too early", last, last.Add(23 * time.Hour), 24 * time.Hour, false},
		{"exactly due", last, last.Add(24 * time.Hour), 24 * time.Hour, true},
		{"overdue", last, last.Add(72 * time.Hour), 24 * time.Hour, true},
		{"no interval", last, last, 0, true},
	}
	for _, tc := range cases {
		if got := Due(tc.last, tc.now, tc.interval); got != tc.want {
			t.Fatalf("%s: Due = %t, want %t", tc.name, got, tc.want)
		}
	}
}

func TestDueAfterFailure(t *testing.T) {
	ok := time.Date(2025, 2, 14, 6, 0, 0, 0, time.UTC)
	failed := ok.Add(25 * time.Hour)
	cases := []struct {
		name        string
		lastSuccess time.Time
		lastAttempt time.Time
		now         time.Time
		retry       time.Duration
		want        bool
	}{
		{"never ran", time.Time{}, time.Time{}, ok, time.Hour, true},
		{"never succeeded, failed just now", time.Time{}, ok, ok.Add(time.Minute), time.Hour, false},
		{"never succeeded, retry elapsed", time.Time{}, ok, ok.Add(time.Hour), time.Hour, true},
		{"success not yet stale", ok, ok, ok.Add(time.Hour), time.Hour, false},
		{"stale success, no failure since", ok, ok, ok.Add(24 * time.Hour), time.Hour, true},
		{"failed after stale success", ok, failed, failed.Add(time.Minute), time.Hour, false},
		{"retry elapsed after failure", ok, failed, failed.Add(time.Hour), time.Hour, true},
		{"retry disabled", ok, failed, failed.Add(time.Minute), 0, true},
	}
	for _, tc := range cases {
		if got := DueAfterFailure(tc.lastSuccess, tc.lastAttempt, tc.now, 24*time.Hour, tc.retry); got != tc.want {
			t.Fatalf("%s: DueAfterFailure = %t, want %t", tc.name, got, tc.want)
		}
	}
}
