// Package loadmodel describes a single load request and the handle its setup
// produces.
package loadmodel

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LoadModel is the immutable description of one load job. Build it with New.
type LoadModel struct {
	Table         string    `yaml:"table"`
	Partition     string    `yaml:"partition,omitempty"`
	SegmentID     string    `yaml:"segment_id,omitempty"`
	FactTimestamp time.Time `yaml:"fact_timestamp,omitempty"`
	Overwrite     bool      `yaml:"overwrite,omitempty"`
	AttemptID     string    `yaml:"attempt_id"`
}

// Option customizes a LoadModel during construction.
type Option func(*LoadModel)

// WithPartition targets a partition other than the default.
func WithPartition(p string) Option {
	return func(m *LoadModel) { m.Partition = p }
}

// WithSegmentID pins the segment id instead of letting setup assign one.
func WithSegmentID(id string) Option {
	return func(m *LoadModel) { m.SegmentID = id }
}

// WithFactTimestamp sets the logical time of the loaded facts.
func WithFactTimestamp(ts time.Time) Option {
	return func(m *LoadModel) { m.FactTimestamp = ts }
}

// WithOverwrite makes the load replace the partition's visible segments.
func WithOverwrite(overwrite bool) Option {
	return func(m *LoadModel) { m.Overwrite = overwrite }
}

// WithAttemptID reuses an attempt id, typically restored from a checkpoint.
func WithAttemptID(id string) Option {
	return func(m *LoadModel) {
		if id != "" {
			m.AttemptID = id
		}
	}
}

// New builds a load model for table. A fresh attempt id is generated unless
// one is supplied.
func New(table string, opts ...Option) (LoadModel, error) {
	m := LoadModel{
		Table:     table,
		AttemptID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	if err := m.Validate(); err != nil {
		return LoadModel{}, err
	}
	return m, nil
}

// Validate checks that identifiers are usable as ledger keys and path
// components.
func (m LoadModel) Validate() error {
	if m.Table == "" {
		return fmt.Errorf("table name required")
	}
	if m.AttemptID == "" {
		return fmt.Errorf("attempt id required")
	}
	for name, v := range map[string]string{
		"table":      m.Table,
		"partition":  m.Partition,
		"segment id": m.SegmentID,
		"attempt id": m.AttemptID,
	} {
		if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
			return fmt.Errorf("invalid %s %q", name, v)
		}
	}
	return nil
}

// Handle identifies the ledger entry a successful setup created or resumed.
// It is passed explicitly to commit, abort and write tasks.
type Handle struct {
	Table         string `yaml:"table"`
	Partition     string `yaml:"partition,omitempty"`
	SegmentID     string `yaml:"segment_id"`
	AttemptID     string `yaml:"attempt_id"`
	LoadTimestamp int64  `yaml:"load_timestamp"`
	Overwrite     bool   `yaml:"overwrite,omitempty"`
}

// IsZero reports whether the handle was never filled in by a setup.
func (h Handle) IsZero() bool {
	return h.AttemptID == "" && h.SegmentID == ""
}

func (h Handle) String() string {
	return fmt.Sprintf("%s/%s#%s", h.Table, h.SegmentID, h.AttemptID)
}
