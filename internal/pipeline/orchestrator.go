package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pricewatch/config"
	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/processor"
	"pricewatch/reader"
)

const defaultConcurrency = 4

// Orchestrator runs the retry scheduler over a catalog with a bounded
// number of products in flight.
type Orchestrator struct {
	fetch   reader.FetchFunc
	retrier *reader.Retrier
	rules   processor.Rules

	concurrency int
	deadline    time.Duration
	jitter      time.Duration
	hostRPS     float64
	hostBurst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// replaced in tests
	randDuration func(max time.Duration) time.Duration
	log          *logger.Log
}

// NewOrchestrator wires fetch, usually (*reader.Fetcher).FetchPrice, to the
// retrier and the pacing settings of cfg.
func NewOrchestrator(cfg *config.Config, fetch reader.FetchFunc, retrier *reader.Retrier) *Orchestrator {
	o := &Orchestrator{
		fetch:       fetch,
		retrier:     retrier,
		concurrency: cfg.Orchestrator.Concurrency,
		deadline:    cfg.Orchestrator.BatchDeadline,
		jitter:      cfg.Orchestrator.DispatchJitter,
		hostRPS:     cfg.Orchestrator.HostRateLimit.RequestsPerSecond,
		hostBurst:   cfg.Orchestrator.HostRateLimit.BurstSize,
		limiters:    make(map[string]*rate.Limiter),
		randDuration: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max) + 1))
		},
		log: logger.GetLogger(),
	}
	if cfg.Validation.MaxPrice > 0 {
		o.rules.MaxPrice = decimal.NewFromFloat(cfg.Validation.MaxPrice)
	}
	return o
}

// RunBatch returns one outcome per catalog entry, in catalog order. A
// failing product never aborts the batch. Entries that have not finished
// when the batch deadline passes are reported as deadline_exceeded.
func (o *Orchestrator) RunBatch(ctx context.Context, catalog []models.ProductEntry, concurrency int) []models.FetchOutcome {
	if concurrency <= 0 {
		concurrency = o.concurrency
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if o.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deadline)
		defer cancel()
	}

	log := o.log.WithComponent("orchestrator")
	start := time.Now()
	log.WithFields(logger.Fields{
		"products":    len(catalog),
		"concurrency": concurrency,
		"deadline":    o.deadline.String(),
	}).Info("starting batch")

	outcomes := make([]models.FetchOutcome, len(catalog))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, entry := range catalog {
		if err := ctx.Err(); err != nil {
			outcomes[i] = models.Failed(entry, models.KindDeadlineExceeded, 0, err)
			continue
		}
		i, entry := i, entry
		g.Go(func() error {
			outcomes[i] = o.runOne(ctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	logger.LogPerformanceEntry(log, "orchestrator", "run_batch", time.Since(start), logger.Fields{"products": len(catalog)})
	return outcomes
}

// RunCatalog runs a name to URL mapping as one group, ordered by name.
func (o *Orchestrator) RunCatalog(ctx context.Context, products map[string]string, group string, concurrency int) []models.FetchOutcome {
	entries := make([]models.ProductEntry, 0, len(products))
	for name, u := range products {
		entries = append(entries, models.ProductEntry{Name: name, URL: u, Group: group})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return o.RunBatch(ctx, entries, concurrency)
}

func (o *Orchestrator) runOne(ctx context.Context, entry models.ProductEntry) models.FetchOutcome {
	if o.jitter > 0 {
		if err := sleepContext(ctx, o.randDuration(o.jitter)); err != nil {
			return models.Failed(entry, models.KindDeadlineExceeded, 0, err)
		}
	}

	limiter := o.limiter(entry.URL)
	paced := func(ctx context.Context, e models.ProductEntry) (models.RawPriceObservation, error) {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails early when the deadline would pass before a token.
			return models.RawPriceObservation{}, fmt.Errorf("host pacing: %w", context.DeadlineExceeded)
		}
		return o.fetch(ctx, e)
	}

	outcome := o.retrier.Do(ctx, paced, entry, 0)
	if outcome.Success() {
		if verdict := processor.Validate(*outcome.Observation, o.rules); !verdict.Accepted {
			obs := outcome.Observation
			outcome = models.Failed(entry, models.KindValidationRejected, outcome.Attempts, fmt.Errorf("validation rejected: %s", verdict.Reason))
			outcome.Observation = obs
		}
	}
	logger.IncrementFetch(outcome.Success())

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"product":  entry.Name,
		"group":    entry.Group,
		"attempts": outcome.Attempts,
	})
	if outcome.Success() {
		log.WithFields(logger.Fields{"price": outcome.Observation.Price.StringFixed(2)}).Debug("product priced")
	} else {
		log.WithError(outcome.Err).WithFields(logger.Fields{"kind": string(outcome.Kind)}).Warn("product failed")
	}
	return outcome
}

// limiter returns the shared pacing limiter for the URL's host.
func (o *Orchestrator) limiter(rawURL string) *rate.Limiter {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")

	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.limiters[host]
	if !ok {
		limit := rate.Inf
		if o.hostRPS > 0 {
			limit = rate.Limit(o.hostRPS)
		}
		burst := o.hostBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		o.limiters[host] = l
	}
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
