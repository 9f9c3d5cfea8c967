package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	warnsFetch    int64
	errorsFetch   int64
	warnsStore    int64
	errorsStore   int64
	fetchOK       int64
	fetchFailed   int64
	rateLimited   int64
	recordsMerged int64
	duplicates    int64
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "fetch"), strings.Contains(component, "retry"):
		atomic.AddInt64(&warnsFetch, 1)
	case strings.Contains(component, "history"), strings.Contains(component, "mirror"):
		atomic.AddInt64(&warnsStore, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "fetch"), strings.Contains(component, "retry"):
		atomic.AddInt64(&errorsFetch, 1)
	case strings.Contains(component, "history"), strings.Contains(component, "mirror"):
		atomic.AddInt64(&errorsStore, 1)
	}
}

// IncrementFetch counts a finished product fetch.
func IncrementFetch(ok bool) {
	if ok {
		atomic.AddInt64(&fetchOK, 1)
		return
	}
	atomic.AddInt64(&fetchFailed, 1)
}

// IncrementRateLimited counts a 429 or challenge response.
func IncrementRateLimited() {
	atomic.AddInt64(&rateLimited, 1)
}

// IncrementMerge counts records written to and dropped by the history store.
func IncrementMerge(accepted, dup int) {
	atomic.AddInt64(&recordsMerged, int64(accepted))
	atomic.AddInt64(&duplicates, int64(dup))
}

// StartReport begins periodic logging of runtime and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(reportFields()).Info("runtime report")
			}
		}
	}()
}

func reportFields() Fields {
	fields := Fields{
		"warns_fetch":    atomic.LoadInt64(&warnsFetch),
		"errors_fetch":   atomic.LoadInt64(&errorsFetch),
		"warns_store":    atomic.LoadInt64(&warnsStore),
		"errors_store":   atomic.LoadInt64(&errorsStore),
		"fetch_ok":       atomic.LoadInt64(&fetchOK),
		"fetch_failed":   atomic.LoadInt64(&fetchFailed),
		"rate_limited":   atomic.LoadInt64(&rateLimited),
		"records_merged": atomic.LoadInt64(&recordsMerged),
		"duplicates":     atomic.LoadInt64(&duplicates),
		"goroutines":     runtime.NumGoroutine(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
	}
	return fields
}
