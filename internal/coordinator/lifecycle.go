package coordinator

import (
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
)

// setupResult is filled in by the setup mutator.
type setupResult struct {
	handle     loadmodel.Handle
	resumed    bool
	superseded []string
}

// setupMutator records model as a new IN_PROGRESS entry, or finds the entry
// its attempt already owns.
func setupMutator(model loadmodel.LoadModel, now time.Time, res *setupResult) ledger.Mutator {
	return func(entries []ledger.Entry) ([]ledger.Entry, error) {
		*res = setupResult{}

		if i := ledger.FindAttempt(entries, model.AttemptID); i >= 0 {
			e := entries[i]
			if e.Status != ledger.StatusInProgress {
				return nil, fmt.Errorf("%w: attempt %s already %s", ErrEntryNotInProgress, model.AttemptID, e.Status)
			}
			res.handle = handleFor(model.Table, e)
			res.resumed = true
			return nil, ledger.ErrNoChange
		}

		segmentID := model.SegmentID
		if segmentID == "" {
			segmentID = ledger.NextSegmentID(entries)
		}

		for i := range entries {
			e := &entries[i]
			if e.Status != ledger.StatusInProgress || e.SegmentID != segmentID {
				continue
			}
			if !model.Overwrite {
				return nil, fmt.Errorf("%w: segment %s held by attempt %s", ErrConcurrentLoadInProgress, segmentID, e.AttemptID)
			}
			e.Status = ledger.StatusFailed
			e.SupersededBy = model.AttemptID
			e.FailureReason = "superseded by overwrite load " + model.AttemptID
			e.FinishedAt = timePtr(now)
			res.superseded = append(res.superseded, e.AttemptID)
		}

		for _, e := range entries {
			if e.Status != ledger.StatusInProgress || e.Partition != model.Partition {
				continue
			}
			if model.Overwrite || e.Overwrite {
				return nil, fmt.Errorf("%w: partition %q has load %s (segment %s) in progress",
					ErrConcurrentLoadInProgress, model.Partition, e.AttemptID, e.SegmentID)
			}
		}

		if model.SegmentID != "" && !model.Overwrite {
			for _, e := range entries {
				if e.SegmentID == segmentID && e.Status == ledger.StatusSuccess {
					return nil, fmt.Errorf("%w: segment %s", ErrSegmentExists, segmentID)
				}
			}
		}

		ts := now.UnixMilli()
		if !model.FactTimestamp.IsZero() {
			ts = model.FactTimestamp.UnixMilli()
		}
		if latest := ledger.LatestTimestamp(entries); ts <= latest {
			ts = latest + 1
		}

		e := ledger.Entry{
			SegmentID:     segmentID,
			AttemptID:     model.AttemptID,
			Partition:     model.Partition,
			Status:        ledger.StatusInProgress,
			LoadTimestamp: ts,
			Overwrite:     model.Overwrite,
			StartedAt:     now,
		}
		res.handle = handleFor(model.Table, e)
		return append(entries, e), nil
	}
}

// commitMutator lands the attempt's entry as SUCCESS. An overwrite also marks
// every other visible entry of the partition, or of the same segment id,
// MARKED_FOR_DELETE in the same version.
func commitMutator(h loadmodel.Handle, sizes ledger.Sizes, now time.Time, superseded *[]string) ledger.Mutator {
	return func(entries []ledger.Entry) ([]ledger.Entry, error) {
		*superseded = nil

		i := ledger.FindAttempt(entries, h.AttemptID)
		if i < 0 {
			return nil, fmt.Errorf("%w: no entry for attempt %s", ErrEntryNotInProgress, h.AttemptID)
		}
		if entries[i].Status != ledger.StatusInProgress {
			return nil, fmt.Errorf("%w: attempt %s is %s", ErrEntryNotInProgress, h.AttemptID, entries[i].Status)
		}

		if h.Overwrite {
			for j := range entries {
				e := &entries[j]
				if j == i || e.Status != ledger.StatusSuccess {
					continue
				}
				if e.Partition == h.Partition || e.SegmentID == h.SegmentID {
					e.Status = ledger.StatusMarkedForDelete
					e.SupersededBy = h.AttemptID
					*superseded = append(*superseded, e.SegmentID)
				}
			}
		}

		e := &entries[i]
		e.Status = ledger.StatusSuccess
		e.Sizes = &ledger.Sizes{DataSize: sizes.DataSize, IndexSize: sizes.IndexSize}
		e.FinishedAt = timePtr(now)
		return entries, nil
	}
}

// abortMutator marks the attempt's entry FAILED. A missing or already
// terminal entry is left alone.
func abortMutator(h loadmodel.Handle, reason string, now time.Time) ledger.Mutator {
	return func(entries []ledger.Entry) ([]ledger.Entry, error) {
		i := ledger.FindAttempt(entries, h.AttemptID)
		if i < 0 || entries[i].Status != ledger.StatusInProgress {
			return nil, ledger.ErrNoChange
		}
		e := &entries[i]
		e.Status = ledger.StatusFailed
		e.FailureReason = reason
		e.FinishedAt = timePtr(now)
		return entries, nil
	}
}

func handleFor(table string, e ledger.Entry) loadmodel.Handle {
	return loadmodel.Handle{
		Table:         table,
		Partition:     e.Partition,
		SegmentID:     e.SegmentID,
		AttemptID:     e.AttemptID,
		LoadTimestamp: e.LoadTimestamp,
		Overwrite:     e.Overwrite,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
