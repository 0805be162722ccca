package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// FileBackup saves events to local files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// Path returns the file an event is saved to:
// {table}_{segment}_{attempt}_{event_type}.json
func (f *FileBackup) Path(evt *Event) string {
	filename := fmt.Sprintf("%s_%s_%s_%s.json",
		evt.Segment.Table,
		evt.Segment.SegmentID,
		evt.Segment.AttemptID,
		evt.EventType,
	)
	return filepath.Join(f.dir, filename)
}

// Save writes an event to a local JSON file.
func (f *FileBackup) Save(evt *Event) error {
	path := f.Path(evt)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	log.Printf("[audit] saved %s", path)
	return nil
}

// FileOnlyEmitter writes events to files only.
type FileOnlyEmitter struct {
	chainTracker *ChainTracker
	backup       *FileBackup
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(dir string) (*FileOnlyEmitter, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		chainTracker: chainTracker,
		backup:       backup,
	}, nil
}

// Emit links evt onto its table's chain and writes it to a local file.
func (e *FileOnlyEmitter) Emit(evt *Event) error {
	chainKey := evt.Segment.ChainKey()

	prepare(evt)
	e.chainTracker.Link(evt)

	log.Printf("[audit] %s for %s segment=%s event_hash=%s",
		evt.EventType, chainKey, evt.Segment.SegmentID, evt.Chain.EventHash)

	if err := e.backup.Save(evt); err != nil {
		return err
	}

	if err := e.chainTracker.Advance(evt); err != nil {
		log.Printf("[audit] warning: failed to update chain head: %v", err)
	}

	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
