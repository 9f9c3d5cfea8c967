package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors exposed on the read API's /metrics endpoint:
//
//	pricewatch_fetch_outcomes_total{group,kind}
//	pricewatch_records_merged_total{store}
//	pricewatch_duplicates_total{store}
//	pricewatch_storage_errors_total
//	pricewatch_batch_duration_seconds
//	pricewatch_last_success_timestamp_seconds
//	go_* and process_*
var (
	once     sync.Once
	registry *prometheus.Registry

	fetchOutcomes    *prometheus.CounterVec
	recordsMerged    *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	storageErrors    prometheus.Counter
	batchDuration    prometheus.Histogram
	lastSuccessEpoch prometheus.Gauge
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		fetchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_fetch_outcomes_total",
			Help: "Per-product fetch outcomes; kind is empty for successes",
		}, []string{"group", "kind"})
		recordsMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_records_merged_total",
			Help: "Price records appended to a history store",
		}, []string{"store"})
		duplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_duplicates_total",
			Help: "Observations dropped as duplicates of an existing record",
		}, []string{"store"})
		storageErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_storage_errors_total",
			Help: "History writes that failed and were rolled back",
		})
		batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricewatch_batch_duration_seconds",
			Help:    "Wall time of a full catalog run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		})
		lastSuccessEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricewatch_last_success_timestamp_seconds",
			Help: "Unix time the last successful run finished",
		})

		registry.MustRegister(
			fetchOutcomes, recordsMerged, duplicates, storageErrors, batchDuration, lastSuccessEpoch,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the collectors in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
