// Package checkpoint remembers the load attempt a driver is running so that a
// restarted driver resumes its own ledger entry instead of colliding with it.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Phase is how far the checkpointed attempt got.
type Phase string

const (
	// PhaseStarted is saved before setup so a crash during setup can resume
	// the same attempt id.
	PhaseStarted Phase = "started"
	// PhaseSetupDone is saved once the ledger holds the IN_PROGRESS entry.
	PhaseSetupDone Phase = "setup_done"
)

// Checkpoint represents the driver's in-flight attempt for one table.
type Checkpoint struct {
	Table         string    `json:"table"`
	Partition     string    `json:"partition,omitempty"`
	SegmentID     string    `json:"segment_id,omitempty"`
	AttemptID     string    `json:"attempt_id"`
	Overwrite     bool      `json:"overwrite,omitempty"`
	Phase         Phase     `json:"phase"`
	LoadTimestamp int64     `json:"load_timestamp,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Matches reports whether the checkpoint belongs to a load of the same
// target. A resumed attempt must not change partition or overwrite mode.
func (cp *Checkpoint) Matches(table, partition string, overwrite bool) bool {
	return cp.Table == table && cp.Partition == partition && cp.Overwrite == overwrite
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for table.
	Load(ctx context.Context, table string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Clear removes the checkpoint for table once its attempt is finished.
	Clear(ctx context.Context, table string) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

// checkpointPath returns the path to the checkpoint file for a table.
func (m *fileManager) checkpointPath(table string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", table))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, table string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.Table)

	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// Clear deletes the checkpoint file. A missing file is not an error.
func (m *fileManager) Clear(ctx context.Context, table string) error {
	if err := os.Remove(m.checkpointPath(table)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, table string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}

func (m *noopManager) Clear(ctx context.Context, table string) error {
	return nil
}
