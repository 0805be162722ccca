// Package audit emits hash-chained events recording segment lifecycle
// outcomes, one chain per table.
package audit

import (
	"time"
)

const eventVersion = "1.0"

// EventType names a segment lifecycle outcome.
type EventType string

const (
	EventCommitted EventType = "segment_committed"
	EventAborted   EventType = "segment_aborted"
	EventSwept     EventType = "segment_swept"
)

// Event is a single audit record.
type Event struct {
	Version   string    `json:"version"`
	EventType EventType `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Segment  SegmentInfo  `json:"segment"`
	Details  Details      `json:"details"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// SegmentInfo identifies the load the event describes.
type SegmentInfo struct {
	Table         string `json:"table"`
	Partition     string `json:"partition,omitempty"`
	SegmentID     string `json:"segment_id"`
	AttemptID     string `json:"attempt_id"`
	LoadTimestamp int64  `json:"load_timestamp,omitempty"`
}

// Details carries outcome specific data.
type Details struct {
	Tasks    int    `json:"tasks,omitempty"`
	RowCount int64  `json:"row_count,omitempty"`
	ByteSize int64  `json:"byte_size,omitempty"`
	Location string `json:"location,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ProducerInfo identifies the software that produced the event.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// ChainInfo provides hash chaining for tamper-evident audit log.
type ChainInfo struct {
	Sequence      uint64 `json:"sequence"`
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain the segment's events are linked on.
func (s SegmentInfo) ChainKey() string {
	return s.Table
}

// SetChainHashes links the event after prevHash and computes its hash.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}
