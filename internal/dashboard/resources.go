package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"pricewatch/logger"
)

// hostSample is one reading of host utilisation. Disk figures are for the
// filesystem holding the history files.
type hostSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskUsed      uint64    `json:"disk_used"`
	DiskFree      uint64    `json:"disk_free"`
	DiskPercent   float64   `json:"disk_percent"`
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

type hostSampler struct {
	dataDir  string
	interval time.Duration
	limit    int
	log      *logger.Entry

	mu    sync.RWMutex
	items []hostSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHostSampler(dataDir string, interval time.Duration, limit int, log *logger.Log) *hostSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if limit <= 0 {
		limit = 200
	}
	return &hostSampler{
		dataDir:  dataDir,
		interval: interval,
		limit:    limit,
		log:      log.WithComponent("host_sampler"),
	}
}

func (s *hostSampler) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.sample(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *hostSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *hostSampler) sample(ctx context.Context) {
	snap := hostSample{Timestamp: time.Now()}
	if pct, err := cpuPercentFn(ctx); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		s.log.WithError(err).Debug("failed to sample cpu usage")
	}
	if vm, err := memoryStatsFn(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	} else {
		s.log.WithError(err).Debug("failed to sample memory usage")
	}
	if du, err := diskUsageFn(ctx, s.dataDir); err == nil {
		snap.DiskUsed, snap.DiskFree, snap.DiskPercent = du.Used, du.Free, du.UsedPercent
	} else {
		s.log.WithError(err).WithFields(logger.Fields{"path": s.dataDir}).Debug("failed to sample disk usage")
	}

	s.mu.Lock()
	s.items = append(s.items, snap)
	if len(s.items) > s.limit {
		s.items = append([]hostSample(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
}

func (s *hostSampler) snapshot() []hostSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hostSample, len(s.items))
	copy(out, s.items)
	return out
}
