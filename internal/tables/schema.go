package tables

import (
	"time"
)

// RecordRow is one loaded record as stored in a segment data file.
type RecordRow struct {
	// Identity within the segment
	SegmentID   string `parquet:"segment_id"`
	TaskID      string `parquet:"task_id"`
	RecordIndex int64  `parquet:"record_index"`

	// Raw payload preservation
	Payload       []byte `parquet:"payload"`
	PayloadLength int32  `parquet:"payload_length"`
	PayloadSHA256 string `parquet:"payload_sha256"` // hash of payload

	// Load metadata
	Partition     string `parquet:"partition,optional"`
	LoadTimestamp int64  `parquet:"load_timestamp"` // unix millis from the ledger entry
	SchemaVersion string `parquet:"schema_version"`

	// Ingestion metadata
	IngestedAt time.Time `parquet:"ingested_at,timestamp(millisecond)"`
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "none"
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{
		Compression: "snappy",
	}
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
