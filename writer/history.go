package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricewatch/logger"
	"pricewatch/models"
)

// WriteState is how far a history write got before it stopped.
type WriteState int

const (
	StateIdle WriteState = iota
	StateLoaded
	StateBackedUp
	StateWritten
	StateCommitted
)

func (s WriteState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateBackedUp:
		return "backed_up"
	case StateWritten:
		return "written"
	case StateCommitted:
		return "committed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StorageError reports a failed history write. When Restored is true the
// store is back to its content before the write.
type StorageError struct {
	StoreID  string
	Op       string
	State    WriteState
	Restored bool
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s: %s failed in state %s (restored=%t): %v", e.StoreID, e.Op, e.State, e.Restored, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Mirror receives the full content of a store after each commit.
type Mirror interface {
	Mirror(ctx context.Context, storeID string, records []models.PriceRecord) error
}

var storeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// HistoryStore keeps one JSON array of price records per store under dir.
// Writes to the same store are serialized; different stores proceed in
// parallel.
type HistoryStore struct {
	dir    string
	loc    *time.Location
	mirror Mirror
	log    *logger.Log
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// file operations, replaced in tests to inject failures
	rename    func(oldpath, newpath string) error
	writeFile func(path string, data []byte) error
	copyFile  func(src, dst string) error
}

// NewHistoryStore creates dir if needed. Calendar days used for dedup are
// taken in loc; nil means UTC.
func NewHistoryStore(dir string, loc *time.Location) (*HistoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &HistoryStore{
		dir:       dir,
		loc:       loc,
		log:       logger.GetLogger(),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
		rename:    os.Rename,
		writeFile: writeFileSync,
		copyFile:  copyFileSync,
	}, nil
}

// SetMirror installs a hook called after every committed write.
func (s *HistoryStore) SetMirror(m Mirror) {
	s.mirror = m
}

// Dir returns the data directory.
func (s *HistoryStore) Dir() string {
	return s.dir
}

func (s *HistoryStore) lock(storeID string) func() {
	s.mu.Lock()
	l, ok := s.locks[storeID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[storeID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *HistoryStore) path(storeID string) string {
	return filepath.Join(s.dir, storeID+".json")
}

func checkStoreID(storeID string) error {
	if !storeIDPattern.MatchString(storeID) {
		return fmt.Errorf("invalid store id %q", storeID)
	}
	return nil
}

// Merge adds the observations that are not already present to the store.
// Records are kept in chronological order. A batch with nothing new leaves
// the file untouched.
func (s *HistoryStore) Merge(ctx context.Context, observations []models.RawPriceObservation, storeID string) (models.MergeResult, error) {
	result := models.MergeResult{StoreID: storeID}
	if err := checkStoreID(storeID); err != nil {
		return result, &StorageError{StoreID: storeID, Op: "merge", State: StateIdle, Restored: true, Err: err}
	}

	unlock := s.lock(storeID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return result, &StorageError{StoreID: storeID, Op: "merge", State: StateIdle, Restored: true, Err: err}
	}

	records, err := s.load(storeID)
	if err != nil {
		return result, &StorageError{StoreID: storeID, Op: "load", State: StateIdle, Restored: true, Err: err}
	}

	seen := make(map[models.DedupKey]struct{}, len(records)+len(observations))
	for _, r := range records {
		seen[r.Key(s.loc)] = struct{}{}
	}
	for _, obs := range observations {
		rec := obs.Record()
		key := rec.Key(s.loc)
		if _, dup := seen[key]; dup {
			result.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		records = append(records, rec)
		result.Accepted++
	}
	result.Total = len(records)

	log := s.log.WithComponent("history").WithFields(logger.Fields{
		"store":      storeID,
		"accepted":   result.Accepted,
		"duplicates": result.Duplicates,
		"total":      result.Total,
	})
	if result.Accepted == 0 {
		log.Debug("nothing new to merge")
		return result, nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})

	start := time.Now()
	if err := s.persist(storeID, records); err != nil {
		log.WithError(err).Error("history write failed")
		return models.MergeResult{StoreID: storeID}, err
	}
	logger.LogPerformanceEntry(log, "history", "persist", time.Since(start), nil)
	log.Info("history merged")

	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, storeID, records); err != nil {
			log.WithError(err).Warn("mirror failed, local history is committed")
		}
	}
	return result, nil
}

// persist walks Loaded -> BackedUp -> Written -> Committed. The primary file
// is only replaced by the final rename, so a failure at any earlier point
// leaves it as it was.
func (s *HistoryStore) persist(storeID string, records []models.PriceRecord) error {
	primary := s.path(storeID)
	backup := primary + ".backup"
	state := StateLoaded

	fail := func(op string, err error) error {
		restored := s.restore(primary, backup, state)
		return &StorageError{StoreID: storeID, Op: op, State: state, Restored: restored, Err: err}
	}

	hadPrimary := fileExists(primary)
	if hadPrimary {
		if err := s.copyFile(primary, backup); err != nil {
			_ = os.Remove(backup)
			return fail("backup", err)
		}
	}
	state = StateBackedUp

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fail("encode", err)
	}

	tmp := filepath.Join(s.dir, fmt.Sprintf(".%s.%s.tmp", storeID, uuid.NewString()))
	if err := s.writeFile(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return fail("write", err)
	}
	state = StateWritten

	if err := s.rename(tmp, primary); err != nil {
		_ = os.Remove(tmp)
		return fail("commit", err)
	}
	state = StateCommitted

	if hadPrimary {
		if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.WithComponent("history").WithError(err).WithFields(logger.Fields{"store": storeID}).Warn("failed to remove backup after commit")
		}
	}
	return nil
}

// restore puts the backup back over the primary. It reports whether the
// store now holds its pre-write content.
func (s *HistoryStore) restore(primary, backup string, state WriteState) bool {
	if !fileExists(backup) {
		// nothing was backed up, so the primary was never there or never touched
		return true
	}
	if err := os.Rename(backup, primary); err != nil {
		s.log.WithComponent("history").WithError(err).WithFields(logger.Fields{
			"backup": backup,
			"state":  state.String(),
		}).Error("failed to restore backup")
		return false
	}
	return true
}

// staleTempAge is how old a temp file must be before Recover treats it as
// left over by a crashed write. Younger files may belong to a write in
// flight in another process.
var staleTempAge = 10 * time.Minute

// Recover repairs what a crashed write left behind. A leftover backup is
// restored only when the primary is missing or unreadable, otherwise it is
// stale and removed. Temp files older than staleTempAge are removed.
func (s *HistoryStore) Recover(storeID string) error {
	if err := checkStoreID(storeID); err != nil {
		return err
	}
	unlock := s.lock(storeID)
	defer unlock()
	return s.recover(storeID)
}

func (s *HistoryStore) recover(storeID string) error {
	primary := s.path(storeID)
	backup := primary + ".backup"
	log := s.log.WithComponent("history").WithFields(logger.Fields{"store": storeID})

	if fileExists(backup) {
		if _, err := readRecords(primary); err == nil {
			// the write committed before the backup was removed
			if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove stale backup for %s: %w", storeID, err)
			}
			log.Info("removed stale backup, primary is intact")
		} else {
			if err := os.Rename(backup, primary); err != nil {
				return fmt.Errorf("restore backup for %s: %w", storeID, err)
			}
			log.WithError(err).Warn("restored history from leftover backup")
		}
	}

	stray, err := filepath.Glob(filepath.Join(s.dir, "."+storeID+".*.tmp"))
	if err != nil {
		return err
	}
	now := s.now()
	for _, p := range stray {
		info, err := os.Stat(p)
		if err != nil || now.Sub(info.ModTime()) < staleTempAge {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stray temp file %s: %w", p, err)
		}
		log.WithFields(logger.Fields{"file": filepath.Base(p)}).Warn("removed stray temp file")
	}
	return nil
}

// readRecords decodes one history file. A missing file is returned as
// fs.ErrNotExist, an empty one as an empty store.
func readRecords(path string) ([]models.PriceRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []models.PriceRecord{}, nil
	}
	var records []models.PriceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

// load recovers a store and reads it for a write. A missing file is an
// empty store.
func (s *HistoryStore) load(storeID string) ([]models.PriceRecord, error) {
	if err := s.recover(storeID); err != nil {
		return nil, err
	}
	records, err := readRecords(s.path(storeID))
	if errors.Is(err, fs.ErrNotExist) {
		return []models.PriceRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", storeID, err)
	}
	return records, nil
}

// LoadAll returns every record of one store in file order. It never changes
// the data directory, so readers in other processes cannot disturb a write
// in flight. When the primary is missing or torn and a backup exists, the
// backup is read instead.
func (s *HistoryStore) LoadAll(storeID string) ([]models.PriceRecord, error) {
	if err := checkStoreID(storeID); err != nil {
		return nil, err
	}
	unlock := s.lock(storeID)
	defer unlock()

	primary := s.path(storeID)
	records, err := readRecords(primary)
	if err == nil {
		return records, nil
	}
	if backup, berr := readRecords(primary + ".backup"); berr == nil {
		return backup, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return []models.PriceRecord{}, nil
	}
	return nil, fmt.Errorf("read history %s: %w", storeID, err)
}

// Stores lists the store IDs that have a history file.
func (s *HistoryStore) Stores() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list data dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if storeIDPattern.MatchString(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadEverything combines all stores into one chronologically sorted slice.
func (s *HistoryStore) LoadEverything() ([]models.PriceRecord, error) {
	ids, err := s.Stores()
	if err != nil {
		return nil, err
	}
	var all []models.PriceRecord
	for _, id := range ids {
		records, err := s.LoadAll(id)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Date.Before(all[j].Date)
	})
	return all, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFileSync(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
