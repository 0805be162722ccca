package storage

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
)

const (
	factDir         = "Fact"
	partPrefix      = "Part_"
	segmentPrefix   = "Segment_"
	defaultPart     = "default"
	dataSuffix      = ".parquet"
	indexSuffix     = ".index.json"
	dataFilePattern = "part-%s"
)

// SegmentRef locates the files one load attempt writes.
type SegmentRef struct {
	Table     string
	Partition string // "" is the default partition
	SegmentID string
	AttemptID string
}

// RefFor returns the location of the attempt a handle identifies.
func RefFor(h loadmodel.Handle) SegmentRef {
	return SegmentRef{
		Table:     h.Table,
		Partition: h.Partition,
		SegmentID: h.SegmentID,
		AttemptID: h.AttemptID,
	}
}

// Dir returns the attempt directory:
// <prefix>/<table>/Fact/Part_<partition>/Segment_<id>/<attempt>
func (r SegmentRef) Dir(prefix string) string {
	part := r.Partition
	if part == "" {
		part = defaultPart
	}
	return path.Join(prefix, r.Table, factDir, partPrefix+part, segmentPrefix+r.SegmentID, r.AttemptID)
}

// DataPath returns the key of a task's data file.
func (r SegmentRef) DataPath(prefix, taskID string) string {
	return path.Join(r.Dir(prefix), fmt.Sprintf(dataFilePattern, taskID)+dataSuffix)
}

// IndexPath returns the key of a task's index file.
func (r SegmentRef) IndexPath(prefix, taskID string) string {
	return path.Join(r.Dir(prefix), fmt.Sprintf(dataFilePattern, taskID)+indexSuffix)
}

func (r SegmentRef) String() string {
	return r.Dir("")
}

// parseRef recovers a SegmentRef from an object key under the table's fact
// directory. ok is false for keys outside the layout.
func parseRef(prefix, table, key string) (SegmentRef, bool) {
	root := path.Join(prefix, table, factDir) + "/"
	if !strings.HasPrefix(key, root) {
		return SegmentRef{}, false
	}
	parts := strings.Split(strings.TrimPrefix(key, root), "/")
	if len(parts) < 4 {
		return SegmentRef{}, false
	}
	if !strings.HasPrefix(parts[0], partPrefix) || !strings.HasPrefix(parts[1], segmentPrefix) {
		return SegmentRef{}, false
	}
	part := strings.TrimPrefix(parts[0], partPrefix)
	if part == defaultPart {
		part = ""
	}
	return SegmentRef{
		Table:     table,
		Partition: part,
		SegmentID: strings.TrimPrefix(parts[1], segmentPrefix),
		AttemptID: parts[2],
	}, true
}

// IndexFile describes one task's data file. Its bytes count toward the
// segment's index size.
type IndexFile struct {
	Segment   SegmentInfo  `json:"segment"`
	Task      TaskInfo     `json:"task"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// SegmentInfo identifies the segment a file belongs to.
type SegmentInfo struct {
	Table         string `json:"table"`
	Partition     string `json:"partition,omitempty"`
	SegmentID     string `json:"segment_id"`
	AttemptID     string `json:"attempt_id"`
	LoadTimestamp int64  `json:"load_timestamp"`
}

// TaskInfo describes the data file a task produced.
type TaskInfo struct {
	ID       string `json:"id"`
	Input    string `json:"input,omitempty"`
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the segment.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the index file as indented JSON.
func (f *IndexFile) MarshalJSON() ([]byte, error) {
	type Alias IndexFile
	return json.MarshalIndent((*Alias)(f), "", "  ")
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// AttemptInfo summarizes one attempt directory found in storage.
type AttemptInfo struct {
	Ref     SegmentRef
	Objects int
	Bytes   int64
	ModTime time.Time // newest object
}
