// Package coordinator drives one load through setup, commit and abort against
// the segment status ledger.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/metrics"
)

// State is the coordinator's position in the load lifecycle.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateSetupDone  State = "SETUP_DONE"
	StateCommitted  State = "COMMITTED"
	StateAborted    State = "ABORTED"
)

var (
	// ErrLedgerUnavailable means setup could not record the load. Write tasks
	// must not run.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrConcurrentLoadInProgress means another load already holds the
	// segment or the partition.
	ErrConcurrentLoadInProgress = errors.New("concurrent load in progress")

	// ErrSegmentExists means a pinned segment id is already visible and the
	// load did not ask to overwrite it.
	ErrSegmentExists = errors.New("segment already exists")

	// ErrEntryNotInProgress means the load's entry is missing or was already
	// finalized, e.g. superseded by an overwrite or reclaimed by a sweep.
	ErrEntryNotInProgress = errors.New("segment entry not in progress")

	// ErrInvalidTransition means a phase was called out of order.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrSizeQuery means the segment's artifact sizes could not be determined.
	ErrSizeQuery = errors.New("segment size query failed")
)

// SizeQuery reports the bytes a load wrote.
type SizeQuery interface {
	SegmentSizes(ctx context.Context, h loadmodel.Handle) (dataSize, indexSize int64, err error)
}

// Options tunes commit retries.
type Options struct {
	// CommitRetries is how many times a commit that hit a ledger lock timeout
	// is retried.
	CommitRetries int
	// RetryBackoff is the first retry delay; later delays grow exponentially.
	RetryBackoff time.Duration
	// Clock supplies timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		CommitRetries: 3,
		RetryBackoff:  200 * time.Millisecond,
		Clock:         time.Now,
	}
}

// Coordinator runs the lifecycle of a single load. Phases are expected from
// one control goroutine; the mutex only turns misuse into errors.
type Coordinator struct {
	mu     sync.Mutex
	store  ledger.Store
	sizer  SizeQuery
	opts   Options
	state  State
	table  string
	handle loadmodel.Handle
	log    *slog.Logger
}

// New creates a coordinator in state NOT_STARTED.
func New(store ledger.Store, sizer SizeQuery, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.CommitRetries < 0 {
		opts.CommitRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions().RetryBackoff
	}
	return &Coordinator{
		store: store,
		sizer: sizer,
		opts:  opts,
		state: StateNotStarted,
		log:   logging.Component("coordinator"),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle returns the handle recorded by setup, or the zero handle.
func (c *Coordinator) Handle() loadmodel.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Setup records an IN_PROGRESS entry for model, or resumes the one its
// attempt already owns, and returns the handle identifying it.
func (c *Coordinator) Setup(ctx context.Context, model loadmodel.LoadModel) (loadmodel.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNotStarted {
		return loadmodel.Handle{}, fmt.Errorf("%w: setup from %s", ErrInvalidTransition, c.state)
	}
	if err := model.Validate(); err != nil {
		return loadmodel.Handle{}, fmt.Errorf("invalid load model: %w", err)
	}
	c.table = model.Table

	var res setupResult
	_, err := c.store.Update(ctx, setupMutator(model, c.opts.Clock().UTC(), &res))
	if err != nil {
		result := "rejected"
		if !isRejection(err) {
			err = fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
			result = "unavailable"
		}
		c.incSetup(result)
		c.log.Error("setup failed",
			"table", model.Table,
			"attempt_id", model.AttemptID,
			"error", err,
		)
		return loadmodel.Handle{}, err
	}

	c.handle = res.handle
	c.state = StateSetupDone

	log := logging.LoadLogger(ctx, res.handle.Table, res.handle.Partition, res.handle.SegmentID, res.handle.AttemptID)
	if res.resumed {
		c.incSetup("resumed")
		log.Info("resumed in-progress segment entry", "load_timestamp", res.handle.LoadTimestamp)
	} else {
		c.incSetup("ok")
		log.Info("recorded in-progress segment entry",
			"load_timestamp", res.handle.LoadTimestamp,
			"overwrite", res.handle.Overwrite,
		)
	}
	for _, attempt := range res.superseded {
		log.Warn("superseded in-progress load", "superseded_attempt_id", attempt)
	}
	return res.handle, nil
}

// Commit sizes the load's artifacts and marks its entry SUCCESS in a single
// ledger update. On failure the coordinator stays in SETUP_DONE so the commit
// may be retried.
func (c *Coordinator) Commit(ctx context.Context, h loadmodel.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSetupDone {
		return fmt.Errorf("%w: commit from %s", ErrInvalidTransition, c.state)
	}
	if h != c.handle {
		return fmt.Errorf("%w: handle %s does not match setup handle %s", ErrInvalidTransition, h, c.handle)
	}

	log := logging.LoadLogger(ctx, h.Table, h.Partition, h.SegmentID, h.AttemptID)
	start := time.Now()

	dataSize, indexSize, err := c.sizer.SegmentSizes(ctx, h)
	if err != nil {
		c.incCommit("size_query_failed")
		log.Error("commit failed: cannot size segment", "error", err)
		return fmt.Errorf("%w: %w", ErrSizeQuery, err)
	}
	sizes := ledger.Sizes{DataSize: dataSize, IndexSize: indexSize}

	var superseded []string
	mutate := commitMutator(h, sizes, c.opts.Clock().UTC(), &superseded)

	attempt := 0
	op := func() error {
		attempt++
		_, err := c.store.Update(ctx, mutate)
		if err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrLockTimeout) {
			if attempt <= c.opts.CommitRetries {
				if m := metrics.Get(); m != nil {
					m.IncRetryAttempts(h.Table, "commit")
				}
				log.Warn("commit hit ledger lock timeout", "attempt", attempt, "error", err)
			}
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.CommitRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		c.incCommit(commitResult(err))
		log.Error("commit failed; entry left in progress", "attempts", attempt, "error", err)
		return fmt.Errorf("commit segment %s: %w", h.SegmentID, err)
	}

	c.state = StateCommitted
	c.incCommit("ok")
	if m := metrics.Get(); m != nil {
		m.ObserveCommitDuration(h.Table, time.Since(start).Seconds())
	}
	log.Info("segment committed",
		"data_size", dataSize,
		"index_size", indexSize,
		"attempts", attempt,
	)
	for _, segmentID := range superseded {
		log.Info("segment marked for delete by overwrite", "superseded_segment_id", segmentID)
	}
	return nil
}

// Abort marks the load's entry FAILED. It never fails the caller: ledger
// errors are logged and counted, and a stuck IN_PROGRESS entry is left for a
// recovery sweep. Abort only ever touches the entry recorded by setup: a zero
// or foreign handle is replaced by the setup handle.
func (c *Coordinator) Abort(ctx context.Context, h loadmodel.Handle, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateAborted:
		c.log.Debug("abort ignored: already aborted", "table", c.table)
		return
	case StateCommitted:
		c.log.Warn("abort ignored: load already committed",
			"table", c.table,
			"segment_id", c.handle.SegmentID,
			"reason", reason,
		)
		return
	case StateNotStarted:
		c.state = StateAborted
		c.incAbort()
		c.log.Info("load aborted before setup; nothing recorded", "table", c.table, "reason", reason)
		return
	}

	if !h.IsZero() && h != c.handle {
		c.log.Warn("abort handle does not match setup handle; aborting setup handle",
			"table", c.table,
			"handle", h.String(),
			"setup_handle", c.handle.String(),
		)
	}
	h = c.handle
	c.state = StateAborted
	c.incAbort()

	if reason == "" {
		reason = "aborted"
	}
	log := logging.LoadLogger(ctx, h.Table, h.Partition, h.SegmentID, h.AttemptID)

	snap, err := c.store.Update(ctx, abortMutator(h, reason, c.opts.Clock().UTC()))
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncAbortFailure(h.Table)
		}
		log.Error("abort could not update ledger; entry left for recovery sweep",
			"reason", reason,
			"error", err,
		)
		return
	}

	log.Warn("load aborted", "reason", reason, "ledger_version", snap.Version)
}

// isRejection reports whether err came from the setup rules rather than the
// store.
func isRejection(err error) bool {
	return errors.Is(err, ErrConcurrentLoadInProgress) ||
		errors.Is(err, ErrSegmentExists) ||
		errors.Is(err, ErrEntryNotInProgress)
}

func commitResult(err error) string {
	switch {
	case errors.Is(err, ledger.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrEntryNotInProgress):
		return "not_in_progress"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "io_failure"
	}
}

func (c *Coordinator) incSetup(result string) {
	if m := metrics.Get(); m != nil {
		m.IncSetup(c.table, result)
	}
}

func (c *Coordinator) incCommit(result string) {
	if m := metrics.Get(); m != nil {
		m.IncCommit(c.table, result)
	}
}

func (c *Coordinator) incAbort() {
	if m := metrics.Get(); m != nil {
		m.IncAbort(c.table)
	}
}
