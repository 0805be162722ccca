package ledger

import (
	"strconv"
	"time"
)

// StatusInProgress
// The load has recorded itself and its write tasks may be producing files.
// Only the owning attempt (or a recovery sweep) may move it on.
const StatusInProgress Status = "IN_PROGRESS"

// StatusSuccess
// The load committed. Its segment is visible to readers.
const StatusSuccess Status = "SUCCESS"

// StatusFailed
// The load aborted, was superseded before committing, or was reclaimed
// by a recovery sweep. Its files are orphans.
const StatusFailed Status = "FAILED"

// StatusMarkedForDelete
// The segment was visible but a later overwrite load replaced it.
// Its files are reclaimable by cleanup.
const StatusMarkedForDelete Status = "MARKED_FOR_DELETE"

// Status is the lifecycle state of a segment entry.
//
//	IN_PROGRESS --commit--> SUCCESS --overwrite by later load--> MARKED_FOR_DELETE
//	     |
//	     +--abort / supersede / sweep--> FAILED
type Status string

// Terminal reports whether the owning load can no longer change the status.
func (s Status) Terminal() bool {
	return s != StatusInProgress
}

// Visible reports whether readers should see the segment's data.
func (s Status) Visible() bool {
	return s == StatusSuccess
}

// Sizes holds the byte counts of a committed segment. The pointer on Entry
// keeps the two values set or absent together.
type Sizes struct {
	DataSize  int64 `json:"data_size"`
	IndexSize int64 `json:"index_size"`
}

// Entry describes one load attempt in the status ledger.
type Entry struct {
	SegmentID     string     `json:"segment_id"`
	AttemptID     string     `json:"attempt_id"`
	Partition     string     `json:"partition,omitempty"`
	Status        Status     `json:"status"`
	LoadTimestamp int64      `json:"load_timestamp"`
	Overwrite     bool       `json:"overwrite,omitempty"`
	Sizes         *Sizes     `json:"sizes,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	out := e
	if e.Sizes != nil {
		s := *e.Sizes
		out.Sizes = &s
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Snapshot is one durably committed version of a table's ledger.
type Snapshot struct {
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Entries   []Entry   `json:"entries"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Entries = CloneEntries(s.Entries)
	return out
}

// CloneEntries deep-copies an entry slice.
func CloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// FindAttempt returns the index of the entry owned by attemptID, or -1.
func FindAttempt(entries []Entry, attemptID string) int {
	for i := range entries {
		if entries[i].AttemptID == attemptID {
			return i
		}
	}
	return -1
}

// Visible returns the entries readers should see, in ledger order.
func (s Snapshot) Visible() []Entry {
	var out []Entry
	for _, e := range s.Entries {
		if e.Status.Visible() {
			out = append(out, e.Clone())
		}
	}
	return out
}

// CountByStatus tallies entries per status.
func (s Snapshot) CountByStatus() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, e := range s.Entries {
		counts[e.Status]++
	}
	return counts
}

// LatestTimestamp returns the largest load timestamp in the ledger.
func LatestTimestamp(entries []Entry) int64 {
	var latest int64
	for _, e := range entries {
		if e.LoadTimestamp > latest {
			latest = e.LoadTimestamp
		}
	}
	return latest
}

// NextSegmentID returns one past the largest numeric segment id, or "0" for
// an empty ledger. Non-numeric ids are ignored.
func NextSegmentID(entries []Entry) string {
	next := int64(0)
	for _, e := range entries {
		n, err := strconv.ParseInt(e.SegmentID, 10, 64)
		if err != nil || n < 0 {
			continue
		}
		if n+1 > next {
			next = n + 1
		}
	}
	return strconv.FormatInt(next, 10)
}
