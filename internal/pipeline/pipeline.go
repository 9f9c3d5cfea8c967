package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pricewatch/config"
	"pricewatch/internal/metadata"
	"pricewatch/internal/metrics"
	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/writer"
)

// Pipeline is one full catalog run: fetch every product, merge the accepted
// observations per group and record the run.
type Pipeline struct {
	cfg          *config.Config
	orchestrator *Orchestrator
	history      *writer.HistoryStore
	runs         *metadata.RunState

	now func() time.Time
	log *logger.Log
}

// New returns a pipeline. runs may be nil, in which case runs are not
// recorded.
func New(cfg *config.Config, orchestrator *Orchestrator, history *writer.HistoryStore, runs *metadata.RunState) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		orchestrator: orchestrator,
		history:      history,
		runs:         runs,
		now:          time.Now,
		log:          logger.GetLogger(),
	}
}

// Run fetches the whole catalog and merges the results. With dryRun the
// outcomes are returned without touching the history or run state.
//
// The returned error joins every storage failure; a run with storage
// failures, or one where nothing could be priced, is not successful.
func (p *Pipeline) Run(ctx context.Context, catalog *config.Catalog, dryRun bool) (models.BatchReport, error) {
	report := models.BatchReport{RunID: metadata.NewRunID(), StartedAt: p.now()}
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"run_id": report.RunID})

	var entries []models.ProductEntry
	for _, g := range catalog.Groups {
		entries = append(entries, g.Entries()...)
	}
	log.WithFields(logger.Fields{"groups": len(catalog.Groups), "products": len(entries), "dry_run": dryRun}).Info("starting run")

	report.Outcomes = p.orchestrator.RunBatch(ctx, entries, p.cfg.Orchestrator.Concurrency)

	byGroup := make(map[string][]models.RawPriceObservation)
	for _, o := range report.Outcomes {
		switch {
		case o.Success():
			report.Succeeded++
			byGroup[o.Entry.Group] = append(byGroup[o.Entry.Group], *o.Observation)
		case o.Kind == models.KindValidationRejected:
			report.Rejected++
		default:
			report.Failed++
		}
	}

	if dryRun {
		report.FinishedAt = p.now()
		return report, nil
	}

	errs := p.merge(ctx, byGroup, &report)
	logger.LogDataFlowEntry(log, "orchestrator", "history", report.Accepted, "price_record")
	report.FinishedAt = p.now()

	successful := len(errs) == 0 && (report.Succeeded > 0 || len(entries) == 0)
	if p.runs != nil {
		if err := p.runs.Record(report, successful); err != nil {
			errs = append(errs, fmt.Errorf("record run: %w", err))
		}
	}
	metrics.ReportBatch(p.log, report, successful)
	return report, errors.Join(errs...)
}

// merge writes each group's observations. Groups are independent stores and
// are merged concurrently.
func (p *Pipeline) merge(ctx context.Context, byGroup map[string][]models.RawPriceObservation, report *models.BatchReport) []error {
	groups := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	results := make([]models.MergeResult, len(groups))
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			res, err := p.history.Merge(ctx, byGroup[group], group)
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				report.StorageErrors = append(report.StorageErrors, err.Error())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.StoreID == "" {
			continue
		}
		report.Merges = append(report.Merges, res)
		report.Accepted += res.Accepted
		report.Duplicates += res.Duplicates
		logger.IncrementMerge(res.Accepted, res.Duplicates)
	}
	sort.Strings(report.StorageErrors)
	return errs
}

// Due reports whether a new run should start. A zero last means the
// pipeline has never completed successfully.
func Due(last, now time.Time, interval time.Duration) bool {
	if last.IsZero() || interval <= 0 {
		return true
	}
	return !now.Before(last.Add(interval))
}

// DueAfterFailure is Due with a back-off after unsuccessful runs: when the
// latest attempt came after the last success, the next attempt waits for
// retry. A zero retry retries on every check.
func DueAfterFailure(lastSuccess, lastAttempt, now time.Time, refresh, retry time.Duration) bool {
	if !Due(lastSuccess, now, refresh) {
		return false
	}
	if retry <= 0 || lastAttempt.IsZero() || !lastAttempt.After(lastSuccess) {
		return true
	}
	return !now.Before(lastAttempt.Add(retry))
}
