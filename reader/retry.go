package reader

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"pricewatch/config"
	"pricewatch/logger"
	"pricewatch/models"
)

// FetchFunc is a single fetch attempt.
type FetchFunc func(ctx context.Context, entry models.ProductEntry) (models.RawPriceObservation, error)

// Retrier runs a FetchFunc up to a bounded number of attempts. Ordinary
// failures back off exponentially; throttling waits a random, much longer
// interval.
type Retrier struct {
	maxAttempts int
	base        time.Duration
	minWait     time.Duration
	maxWait     time.Duration

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
	log    *logger.Log
}

func NewRetrier(cfg config.RetryConfig) *Retrier {
	return &Retrier{
		maxAttempts: cfg.MaxAttempts,
		base:        cfg.BaseDelay,
		minWait:     cfg.RateLimitMinWait,
		maxWait:     cfg.RateLimitMaxWait,
		sleep:       sleepContext,
		jitter:      rand.Int63n,
		log:         logger.GetLogger(),
	}
}

// Do calls fetch until it succeeds or maxAttempts are used. A maxAttempts
// of zero or less uses the configured default.
func (r *Retrier) Do(ctx context.Context, fetch FetchFunc, entry models.ProductEntry, maxAttempts int) models.FetchOutcome {
	if maxAttempts <= 0 {
		maxAttempts = r.maxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	log := r.log.WithComponent("retry").WithFields(logger.Fields{
		"product": entry.Name,
		"url":     entry.URL,
	})

	var (
		lastErr  error
		lastKind models.FailureKind
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.Failed(entry, models.KindDeadlineExceeded, attempt, err)
		}

		obs, err := fetch(ctx, entry)
		if err == nil {
			return models.Succeeded(entry, obs, attempt+1)
		}
		if ctx.Err() != nil {
			return models.Failed(entry, models.KindDeadlineExceeded, attempt+1, err)
		}

		lastErr, lastKind = err, KindOf(err)
		if !lastKind.Retryable() {
			return models.Failed(entry, lastKind, attempt+1, err)
		}
		if lastKind.Throttled() {
			logger.IncrementRateLimited()
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := r.backoff(attempt, err)
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt + 1,
			"kind":    string(lastKind),
			"wait":    wait.String(),
		}).Warn("fetch attempt failed, retrying")

		if err := r.sleep(ctx, wait); err != nil {
			return models.Failed(entry, models.KindDeadlineExceeded, attempt+1, err)
		}
	}

	log.WithError(lastErr).WithFields(logger.Fields{
		"attempts": maxAttempts,
		"kind":     string(lastKind),
	}).Warn("giving up on product")
	return models.Failed(entry, lastKind, maxAttempts, lastErr)
}

// backoff returns the wait after the zero-indexed attempt.
func (r *Retrier) backoff(attempt int, err error) time.Duration {
	if !KindOf(err).Throttled() {
		return r.base << uint(attempt)
	}

	wait := r.minWait
	if span := int64(r.maxWait - r.minWait); span > 0 {
		wait += time.Duration(r.jitter(span + 1))
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.RetryAfter > wait && fe.RetryAfter <= r.maxWait {
		wait = fe.RetryAfter
	}
	return wait
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
