package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/source"
)

// Extractor converts input records into table rows for one load.
type Extractor struct {
	handle loadmodel.Handle
}

// NewExtractor creates a row extractor stamping rows with the load's identity.
func NewExtractor(h loadmodel.Handle) *Extractor {
	return &Extractor{handle: h}
}

// Extract builds the row for a record read by task taskID.
func (e *Extractor) Extract(taskID string, rec source.Record, ingestedAt time.Time) RecordRow {
	return RecordRow{
		SegmentID:     e.handle.SegmentID,
		TaskID:        taskID,
		RecordIndex:   rec.Index,
		Payload:       rec.Payload,
		PayloadLength: int32(len(rec.Payload)),
		PayloadSHA256: computeSHA256(rec.Payload),
		Partition:     e.handle.Partition,
		LoadTimestamp: e.handle.LoadTimestamp,
		SchemaVersion: SchemaVersion,
		IngestedAt:    ingestedAt,
	}
}

// computeSHA256 computes SHA256 hash of data and returns hex string.
func computeSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
