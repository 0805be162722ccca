package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/metrics"
)

const (
	statusFileName = "tablestatus"
	lockFileName   = "tablestatus.lock"
	metadataDir    = "Metadata"
)

// FileStore keeps a table's ledger in a JSON file replaced by rename, with a
// companion flock(2) lock file serializing updates across processes.
type FileStore struct {
	table       string
	dir         string
	path        string
	lockPath    string
	lockTimeout time.Duration
	now         func() time.Time
	log         *slog.Logger

	// filesystem hooks, replaced in tests
	rename  func(oldpath, newpath string) error
	syncDir func(dir string) error
}

// NewFileStore creates the ledger directory for table under root.
func NewFileStore(root, table string, lockTimeout time.Duration) (*FileStore, error) {
	dir := filepath.Join(root, table, metadataDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
	}

	return &FileStore{
		table:       table,
		dir:         dir,
		path:        filepath.Join(dir, statusFileName),
		lockPath:    filepath.Join(dir, lockFileName),
		lockTimeout: lockTimeoutOrDefault(lockTimeout),
		now:         time.Now,
		log:         logging.Component("ledger").With("backend", "file", "table", table),
		rename:      os.Rename,
		syncDir:     syncDir,
	}, nil
}

// Path returns the ledger file location.
func (s *FileStore) Path() string {
	return s.path
}

// Read returns the last committed snapshot. A missing file is an empty ledger.
func (s *FileStore) Read(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	snap, err := s.readFile()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return snap, nil
}

func (s *FileStore) readFile() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("read ledger file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse ledger file %s: %w", s.path, err)
	}
	return snap, nil
}

// Update applies fn under the table lock and swaps in the result.
func (s *FileStore) Update(ctx context.Context, fn Mutator) (Snapshot, error) {
	waitStart := time.Now()
	unlock, err := acquireFileLock(ctx, s.lockPath, s.lockTimeout)
	if m := metrics.Get(); m != nil {
		m.ObserveLockWait(s.table, "file", time.Since(waitStart).Seconds())
	}
	if err != nil {
		s.record(failureResult(err), err)
		return Snapshot{}, err
	}
	defer unlock()

	cur, err := s.readFile()
	if err != nil {
		s.record("io_failure", err)
		return Snapshot{}, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	next, err := fn(CloneEntries(cur.Entries))
	if errors.Is(err, ErrNoChange) {
		s.record("unchanged", nil)
		return cur, nil
	}
	if err != nil {
		s.record("rejected", nil)
		return Snapshot{}, err
	}

	snap := Snapshot{
		Version:   cur.Version + 1,
		UpdatedAt: s.now().UTC(),
		Entries:   next,
	}
	unsynced, err := s.writeSnapshot(snap)
	if err != nil {
		s.record("io_failure", err)
		return Snapshot{}, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	// snap is current once the rename succeeds, synced or not.
	result := "ok"
	if unsynced != nil {
		result = "ok_unsynced"
		s.log.Warn("ledger swapped but directory sync failed", "version", snap.Version, "error", unsynced)
	}
	s.record(result, nil)
	publishState(s.table, snap)
	s.log.Debug("ledger updated", "version", snap.Version, "entries", len(snap.Entries))
	return snap.Clone(), nil
}

// writeSnapshot writes snap to a fresh file, then renames it over the ledger.
// err is set only when the ledger file was left untouched. unsynced reports a
// directory fsync failure after the rename took effect.
func (s *FileStore) writeSnapshot(snap Snapshot) (unsynced, err error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal ledger: %w", err)
	}

	tempPath := filepath.Join(s.dir, statusFileName+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp ledger %s: %w", tempPath, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("write temp ledger %s: %w", tempPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return nil, fmt.Errorf("sync temp ledger %s: %w", tempPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("close temp ledger %s: %w", tempPath, err)
	}

	if err := s.rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("rename %s to %s: %w", tempPath, s.path, err)
	}

	return s.syncDir(s.dir), nil
}

func (s *FileStore) record(result string, err error) {
	if err != nil {
		s.log.Warn("ledger update failed", "result", result, "error", err)
	}
	if m := metrics.Get(); m != nil {
		m.IncLedgerUpdate(s.table, "file", result)
	}
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync directory %s: %w", dir, err)
	}
	return nil
}

func publishState(table string, snap Snapshot) {
	m := metrics.Get()
	if m == nil {
		return
	}
	counts := map[string]int{
		string(StatusInProgress):      0,
		string(StatusSuccess):         0,
		string(StatusFailed):          0,
		string(StatusMarkedForDelete): 0,
	}
	for status, n := range snap.CountByStatus() {
		counts[string(status)] = n
	}
	m.SetLedgerState(table, snap.Version, counts)
}

var _ Store = (*FileStore)(nil)
