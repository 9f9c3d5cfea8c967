package metrics

import (
	"pricewatch/logger"
	"pricewatch/models"
)

// ReportBatch emits the per-run counters of a finished batch.
func ReportBatch(log *logger.Log, report models.BatchReport, successful bool) {
	Init()
	if log == nil {
		log = logger.GetLogger()
	}

	byKind := make(map[models.FailureKind]int)
	for _, o := range report.Outcomes {
		fetchOutcomes.WithLabelValues(o.Entry.Group, string(o.Kind)).Inc()
		if !o.Success() {
			byKind[o.Kind]++
		}
	}
	for _, m := range report.Merges {
		recordsMerged.WithLabelValues(m.StoreID).Add(float64(m.Accepted))
		duplicates.WithLabelValues(m.StoreID).Add(float64(m.Duplicates))
	}
	storageErrors.Add(float64(len(report.StorageErrors)))

	elapsed := report.FinishedAt.Sub(report.StartedAt)
	batchDuration.Observe(elapsed.Seconds())
	if successful {
		lastSuccessEpoch.Set(float64(report.FinishedAt.Unix()))
	}

	// string fields become CloudWatch dimensions, so the run id stays out
	EmitMetric(log, "pipeline", "products_succeeded", report.Succeeded, "counter", nil)
	EmitMetric(log, "pipeline", "products_failed", report.Failed, "counter", nil)
	EmitMetric(log, "pipeline", "products_rejected", report.Rejected, "counter", nil)
	EmitMetric(log, "pipeline", "records_accepted", report.Accepted, "counter", nil)
	EmitMetric(log, "pipeline", "records_duplicate", report.Duplicates, "counter", nil)
	EmitMetric(log, "pipeline", "batch_duration", elapsed, "gauge", logger.Fields{"unit": "seconds"})
	for kind, n := range byKind {
		EmitMetric(log, "pipeline", "failures", n, "counter", logger.Fields{"kind": string(kind)})
	}

	entry := log.WithComponent("pipeline").WithFields(logger.Fields{
		"run_id":         report.RunID,
		"succeeded":      report.Succeeded,
		"failed":         report.Failed,
		"rejected":       report.Rejected,
		"accepted":       report.Accepted,
		"duplicates":     report.Duplicates,
		"storage_errors": len(report.StorageErrors),
		"duration_ms":    elapsed.Milliseconds(),
	})
	if len(report.StorageErrors) > 0 || report.Failed > 0 {
		entry.Warn("batch finished with failures")
		return
	}
	entry.Info("batch finished")
}
