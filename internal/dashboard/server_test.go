package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"pricewatch/config"
	"pricewatch/internal/metadata"
	"pricewatch/internal/metrics"
	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/writer"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                            "127.0.0.1:8080",
		"  :9090  ":                   "127.0.0.1:9090",
		"localhost":                   "localhost:8080",
		"0.0.0.0:80":                  "0.0.0.0:80",
		"[::1]:443":                   "[::1]:443",
		"::1":                         "[::1]:8080",
		"*:8080":                      "0.0.0.0:8080",
		"http://10.0.0.7:8080":        "10.0.0.7:8080",
		"http://:7070":                "127.0.0.1:7070",
		"https://prices.example.com/": "prices.example.com:8080",
		"tcp://localhost:5050":        "localhost:5050",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, nil, nil, logger.Logger())
	if err != nil || srv != nil {
		t.Fatalf("disabled dashboard: srv=%v err=%v", srv, err)
	}
}

type fixture struct {
	srv     *Server
	router  http.Handler
	history *writer.HistoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	stubHostStats(t)

	dir := t.TempDir()
	history, err := writer.NewHistoryStore(dir, time.UTC)
	if err != nil {
		t.Fatalf("NewHistoryStore: %v", err)
	}
	day := time.Date(2025, 2, 14, 6, 0, 0, 0, time.UTC)
	obs := func(product, price string, at time.Time) models.RawPriceObservation {
		return models.RawPriceObservation{
			Product:    product,
			Price:      decimal.RequireFromString(price),
			ObservedAt: at,
			SourceURL:  "https://geizhals.at/" + product,
		}
	}
	if _, err := history.Merge(context.Background(), []models.RawPriceObservation{
		obs("A", "1299.00", day),
		obs("B", "999.90", day.Add(48*time.Hour)),
	}, "rtx5080"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := history.Merge(context.Background(), []models.RawPriceObservation{
		obs("C", "449.00", day.Add(24*time.Hour)),
	}, "ssd"); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	runs, err := metadata.Open(dir)
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	if err := runs.Record(models.BatchReport{RunID: "run-1", StartedAt: day, FinishedAt: day.Add(time.Minute), Succeeded: 3}, true); err != nil {
		t.Fatalf("Record: %v", err)
	}

	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000", MetricsHistory: 10, LogHistory: 10}, history, runs, logger.Logger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)
	return fixture{srv: srv, router: srv.buildRouter(), history: history}
}

func get(t *testing.T, h http.Handler, path string, into interface{}) int {
	t.Helper()
	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
	if into != nil && res.Code == http.StatusOK {
		if err := json.Unmarshal(res.Body.Bytes(), into); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return res.Code
}

func TestServerAddress(t *testing.T) {
	f := newFixture(t)
	if got := f.srv.Address(); got != "127.0.0.1:9000" {
		t.Fatalf("server address = %q", got)
	}
}

func TestStoresEndpoint(t *testing.T) {
	f := newFixture(t)
	var body struct {
		Stores []string `json:"stores"`
	}
	if code := get(t, f.router, "/api/stores", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if diff := cmp.Diff([]string{"rtx5080", "ssd"}, body.Stores); diff != "" {
		t.Fatalf("stores mismatch (-want +got):\n%s", diff)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t)

	var all struct {
		Records []models.PriceRecord `json:"records"`
	}
	if code := get(t, f.router, "/api/history", &all); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var products []string
	for _, r := range all.Records {
		products = append(products, r.Product)
	}
	if diff := cmp.Diff([]string{"A", "C", "B"}, products); diff != "" {
		t.Fatalf("combined history order (-want +got):\n%s", diff)
	}

	var filtered struct {
		Records []models.PriceRecord `json:"records"`
	}
	get(t, f.router, "/api/history?since=2025-02-15&until=2025-02-16", &filtered)
	if len(filtered.Records) != 1 || filtered.Records[0].Product != "C" {
		t.Fatalf("unexpected filtered records: %+v", filtered.Records)
	}

	var store struct {
		Store   string               `json:"store"`
		Records []models.PriceRecord `json:"records"`
	}
	if code := get(t, f.router, "/api/history/rtx5080?product=b", &store); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if store.Store != "rtx5080" || len(store.Records) != 1 || !store.Records[0].Price.Equal(decimal.RequireFromString("999.90")) {
		t.Fatalf("unexpected store history: %+v", store)
	}

	if code := get(t, f.router, "/api/history/gpu", nil); code != http.StatusNotFound {
		t.Fatalf("unknown store status = %d", code)
	}
	if code := get(t, f.router, "/api/history?since=yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	var state metadata.State
	if code := get(t, f.router, "/api/status", &state); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if state.LastSuccessfulRunAt == nil || len(state.Runs) != 1 || state.Runs[0].RunID != "run-1" {
		t.Fatalf("unexpected status: %+v", state)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	metrics.EmitMetric(logger.Logger(), "pipeline", "records_accepted", 3, "counter", nil)

	var body struct {
		Metrics []map[string]interface{} `json:"metrics"`
	}
	if code := get(t, f.router, "/api/metrics?name=records_accepted", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(body.Metrics) != 1 || body.Metrics[0]["component"] != "pipeline" {
		t.Fatalf("unexpected metrics: %+v", body.Metrics)
	}

	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), "go_goroutines") {
		t.Fatalf("prometheus endpoint: %d", res.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	if code := get(t, f.router, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
}
