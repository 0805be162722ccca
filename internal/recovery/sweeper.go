// Package recovery reclaims what crashed loads leave behind: IN_PROGRESS
// ledger entries nobody will finish, and attempt directories no visible
// segment refers to.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/storage"
)

// DefaultStaleAfter is how long an entry may stay IN_PROGRESS before a sweep
// reclaims it.
const DefaultStaleAfter = 24 * time.Hour

// AttemptStore lists and deletes attempt directories.
type AttemptStore interface {
	ListAttempts(ctx context.Context, table string) ([]storage.AttemptInfo, error)
	DeleteAttempt(ctx context.Context, ref storage.SegmentRef) (int, error)
}

// Options tunes a sweep.
type Options struct {
	StaleAfter time.Duration
	Clock      func() time.Time
	Emitter    audit.Emitter
	Producer   audit.ProducerInfo
}

// Sweeper runs recovery for one table.
type Sweeper struct {
	store      ledger.Store
	attempts   AttemptStore
	table      string
	staleAfter time.Duration
	clock      func() time.Time
	emitter    audit.Emitter
	producer   audit.ProducerInfo
	log        *slog.Logger
}

// Report summarizes a sweep.
type Report struct {
	Stale          []ledger.Entry // entries marked FAILED by this sweep
	OrphanAttempts int
	OrphanFiles    int
}

// New creates a sweeper for table.
func New(store ledger.Store, attempts AttemptStore, table string, opts Options) *Sweeper {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Emitter == nil {
		opts.Emitter = audit.Noop()
	}
	if opts.Producer.Name == "" {
		opts.Producer.Name = "segment-loader"
	}
	return &Sweeper{
		store:      store,
		attempts:   attempts,
		table:      table,
		staleAfter: opts.StaleAfter,
		clock:      opts.Clock,
		emitter:    opts.Emitter,
		producer:   opts.Producer,
		log:        logging.Component("recovery").With("table", table),
	}
}

// Run reclaims stale entries, then deletes orphaned attempt directories.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	stale, err := s.SweepStale(ctx)
	if err != nil {
		return Report{}, err
	}
	attempts, files, err := s.CleanOrphans(ctx)
	report := Report{Stale: stale, OrphanAttempts: attempts, OrphanFiles: files}
	if err != nil {
		return report, err
	}
	s.log.Info("sweep complete",
		"stale_entries", len(stale),
		"orphan_attempts", attempts,
		"orphan_files", files,
	)
	return report, nil
}

// SweepStale marks every IN_PROGRESS entry started more than StaleAfter ago
// as FAILED, in one ledger update. It returns the reclaimed entries.
func (s *Sweeper) SweepStale(ctx context.Context) ([]ledger.Entry, error) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.staleAfter)

	var swept []ledger.Entry
	_, err := s.store.Update(ctx, func(entries []ledger.Entry) ([]ledger.Entry, error) {
		for i := range entries {
			e := &entries[i]
			if e.Status != ledger.StatusInProgress || !startedAt(*e).Before(cutoff) {
				continue
			}
			e.Status = ledger.StatusFailed
			e.FinishedAt = &now
			e.FailureReason = fmt.Sprintf("reclaimed by sweep: in progress since %s", startedAt(*e).Format(time.RFC3339))
			swept = append(swept, e.Clone())
		}
		if len(swept) == 0 {
			return nil, ledger.ErrNoChange
		}
		return entries, nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep stale entries: %w", err)
	}

	if len(swept) == 0 {
		return nil, nil
	}
	if m := metrics.Get(); m != nil {
		m.AddSwept(s.table, len(swept))
	}
	for _, e := range swept {
		s.log.Warn("reclaimed stale in-progress entry",
			"segment_id", e.SegmentID,
			"attempt_id", e.AttemptID,
			"started_at", startedAt(e),
		)
		s.emit(ctx, e)
	}
	return swept, nil
}

// CleanOrphans deletes attempt directories whose entry is missing, FAILED or
// MARKED_FOR_DELETE. Storage is listed before the ledger is read: files are
// only written after setup records their entry, so every listed attempt of a
// live load is present in the later snapshot.
func (s *Sweeper) CleanOrphans(ctx context.Context) (attempts, files int, err error) {
	infos, err := s.attempts.ListAttempts(ctx, s.table)
	if err != nil {
		return 0, 0, fmt.Errorf("list attempts: %w", err)
	}
	if len(infos) == 0 {
		return 0, 0, nil
	}

	snap, err := s.store.Read(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read ledger: %w", err)
	}
	live := make(map[string]bool, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.Status == ledger.StatusInProgress || e.Status == ledger.StatusSuccess {
			live[e.AttemptID] = true
		}
	}

	var errs []error
	for _, info := range infos {
		if live[info.Ref.AttemptID] {
			continue
		}
		n, err := s.attempts.DeleteAttempt(ctx, info.Ref)
		files += n
		if err != nil {
			errs = append(errs, err)
			continue
		}
		attempts++
		s.log.Info("deleted orphaned attempt",
			"segment_id", info.Ref.SegmentID,
			"attempt_id", info.Ref.AttemptID,
			"files", n,
			"bytes", info.Bytes,
		)
	}

	if m := metrics.Get(); m != nil && attempts > 0 {
		m.AddOrphansDeleted(s.table, attempts)
	}
	if err := errors.Join(errs...); err != nil {
		return attempts, files, fmt.Errorf("delete orphaned attempts: %w", err)
	}
	return attempts, files, nil
}

func (s *Sweeper) emit(ctx context.Context, e ledger.Entry) {
	evt := audit.Event{
		EventType: audit.EventSwept,
		Segment: audit.SegmentInfo{
			Table:         s.table,
			Partition:     e.Partition,
			SegmentID:     e.SegmentID,
			AttemptID:     e.AttemptID,
			LoadTimestamp: e.LoadTimestamp,
		},
		Details:  audit.Details{Reason: e.FailureReason},
		Producer: s.producer,
	}
	if err := s.emitter.Emit(ctx, evt); err != nil {
		s.log.Warn("failed to emit audit event", "segment_id", e.SegmentID, "error", err)
	}
}

// startedAt falls back to the load timestamp for entries without a start
// time.
func startedAt(e ledger.Entry) time.Time {
	if !e.StartedAt.IsZero() {
		return e.StartedAt
	}
	return time.UnixMilli(e.LoadTimestamp).UTC()
}
