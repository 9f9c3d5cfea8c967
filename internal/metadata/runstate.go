package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricewatch/logger"
	"pricewatch/models"
)

// FileName is the run state file inside the data directory. The leading dot
// keeps it out of the history store listing.
const FileName = ".run_state.json"

const defaultKeepRuns = 30

// RunSummary is the persisted part of a BatchReport.
type RunSummary struct {
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Successful    bool      `json:"successful"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	Rejected      int       `json:"rejected"`
	Accepted      int       `json:"accepted"`
	Duplicates    int       `json:"duplicates"`
	StorageErrors []string  `json:"storage_errors,omitempty"`
}

// State is the content of the run state file.
type State struct {
	LastSuccessfulRunAt *time.Time   `json:"last_successful_run_at,omitempty"`
	Runs                []RunSummary `json:"runs"`
}

// RunState tracks when the pipeline last completed and a short run history.
type RunState struct {
	path string
	keep int

	mu      sync.Mutex
	state   State
	modTime time.Time
	size    int64
}

// Open loads the run state from dir, starting empty when no file exists.
func Open(dir string) (*RunState, error) {
	rs := &RunState{path: filepath.Join(dir, FileName), keep: defaultKeepRuns}
	if err := rs.reload(); err != nil {
		return nil, err
	}
	return rs, nil
}

// reload re-reads the file when its modification time or size changed, so
// a serve process sees runs recorded by a separate run or daemon process.
// Callers hold mu, except Open.
func (r *RunState) reload() error {
	info, err := os.Stat(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat run state: %w", err)
	}
	if info.ModTime().Equal(r.modTime) && info.Size() == r.size {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read run state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode run state %s: %w", r.path, err)
	}
	r.state, r.modTime, r.size = s, info.ModTime(), info.Size()
	return nil
}

// refresh reloads the state, keeping the last good copy on failure.
func (r *RunState) refresh() {
	if err := r.reload(); err != nil {
		logger.GetLogger().WithComponent("runstate").WithError(err).Warn("keeping cached run state")
	}
}

// NewRunID returns an identifier for a new run.
func NewRunID() string {
	return uuid.NewString()
}

// LastSuccessfulRunAt reports the finish time of the last successful run.
func (r *RunState) LastSuccessfulRunAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh()
	if r.state.LastSuccessfulRunAt == nil {
		return time.Time{}, false
	}
	return *r.state.LastSuccessfulRunAt, true
}

// LastRunAt reports the finish time of the most recent run, successful or
// not.
func (r *RunState) LastRunAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh()
	if len(r.state.Runs) == 0 {
		return time.Time{}, false
	}
	return r.state.Runs[len(r.state.Runs)-1].FinishedAt, true
}

// Snapshot returns a copy of the current state.
func (r *RunState) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh()
	out := State{Runs: append([]RunSummary(nil), r.state.Runs...)}
	if r.state.LastSuccessfulRunAt != nil {
		t := *r.state.LastSuccessfulRunAt
		out.LastSuccessfulRunAt = &t
	}
	return out
}

// Record appends a run and persists the state. A successful run moves
// LastSuccessfulRunAt to the report's finish time.
func (r *RunState) Record(report models.BatchReport, successful bool) error {
	summary := RunSummary{
		RunID:         report.RunID,
		StartedAt:     report.StartedAt,
		FinishedAt:    report.FinishedAt,
		Successful:    successful,
		Succeeded:     report.Succeeded,
		Failed:        report.Failed,
		Rejected:      report.Rejected,
		Accepted:      report.Accepted,
		Duplicates:    report.Duplicates,
		StorageErrors: report.StorageErrors,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh()

	next := State{Runs: append(append([]RunSummary(nil), r.state.Runs...), summary)}
	if len(next.Runs) > r.keep {
		next.Runs = next.Runs[len(next.Runs)-r.keep:]
	}
	next.LastSuccessfulRunAt = r.state.LastSuccessfulRunAt
	if successful {
		t := report.FinishedAt
		next.LastSuccessfulRunAt = &t
	}

	if err := r.write(next); err != nil {
		return err
	}
	r.state = next
	if info, err := os.Stat(r.path); err == nil {
		r.modTime, r.size = info.ModTime(), info.Size()
	}
	return nil
}

func (r *RunState) write(s State) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit run state: %w", err)
	}
	return nil
}
