// Package loader runs one segment load: it records the load in the status
// ledger, writes every input split as a parquet task file, validates the
// outputs and commits the segment, aborting on any failure before commit.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/coordinator"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/jobconf"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/source"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/storage"
)

var (
	// ErrValidation is returned when task outputs fail pre-commit checks.
	ErrValidation = errors.New("task output validation failed")
)

const abortTimeout = 30 * time.Second

// Config tunes the write pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
	// ConfPath, if set, receives the job configuration after setup so task
	// processes can read the handle.
	ConfPath string
}

// Loader drives a single load end to end.
type Loader struct {
	cfg        Config
	committer  *OutputCommitter
	src        source.Source
	writer     TaskWriter
	checkpoint checkpoint.Manager
	emitter    audit.Emitter
	log        *slog.Logger
}

// New creates a loader. coord must not have been set up. cp and emitter may
// be nil.
func New(cfg Config, coord *coordinator.Coordinator, src source.Source, w TaskWriter, cp checkpoint.Manager, emitter audit.Emitter) *Loader {
	if cp == nil {
		cp, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	if emitter == nil {
		emitter = audit.Noop()
	}
	return &Loader{
		cfg:        cfg,
		committer:  NewOutputCommitter(coord),
		src:        src,
		writer:     w,
		checkpoint: cp,
		emitter:    emitter,
		log:        logging.Component("loader"),
	}
}

// Run loads every split from the source as one segment and returns the
// committed handle. A checkpointed attempt for the same target is resumed.
func (l *Loader) Run(ctx context.Context, model loadmodel.LoadModel) (loadmodel.Handle, error) {
	model, err := l.resume(ctx, model)
	if err != nil {
		return loadmodel.Handle{}, err
	}

	if err := l.saveCheckpoint(ctx, model, checkpoint.PhaseStarted, loadmodel.Handle{}); err != nil {
		return loadmodel.Handle{}, err
	}

	conf := jobconf.New()
	if err := conf.SetLoadModel(model); err != nil {
		return loadmodel.Handle{}, err
	}
	conf.SetOverwrite(model.Overwrite)

	// Step 1: Setup
	if err := l.committer.SetupJob(ctx, conf); err != nil {
		if !errors.Is(err, coordinator.ErrLedgerUnavailable) {
			// Rejected attempts can never resume.
			l.clearCheckpoint(ctx, model.Table)
		}
		return loadmodel.Handle{}, fmt.Errorf("setup: %w", err)
	}
	h, err := conf.GetHandle()
	if err != nil {
		return loadmodel.Handle{}, l.fail(ctx, conf, model.Table, err)
	}

	log := logging.LoadLogger(ctx, h.Table, h.Partition, h.SegmentID, h.AttemptID)

	if err := l.saveCheckpoint(ctx, model, checkpoint.PhaseSetupDone, h); err != nil {
		return loadmodel.Handle{}, l.fail(ctx, conf, h.Table, err)
	}
	if l.cfg.ConfPath != "" {
		if err := conf.WriteFile(l.cfg.ConfPath); err != nil {
			return loadmodel.Handle{}, l.fail(ctx, conf, h.Table, err)
		}
	}

	// Step 2: Write tasks
	splits, err := l.src.Splits(ctx)
	if err != nil {
		return loadmodel.Handle{}, l.fail(ctx, conf, h.Table, fmt.Errorf("list splits: %w", err))
	}

	p := NewPipeline(l.writer, l.cfg.Workers, l.cfg.QueueSize, l.cfg.RetryAttempts, l.cfg.RetryBackoff)
	outputs, err := p.Run(ctx, h, splits)
	if err != nil {
		return loadmodel.Handle{}, l.fail(ctx, conf, h.Table, err)
	}

	// Step 3: Validate
	result := ValidateTasks(splits, outputs)
	for _, w := range result.Warnings {
		log.Warn("validation warning", "warning", w)
	}
	if !result.Passed {
		return loadmodel.Handle{}, l.fail(ctx, conf, h.Table, fmt.Errorf("%w: %s", ErrValidation, result.Summary()))
	}

	// Step 4: Commit. A failed commit leaves the entry IN_PROGRESS and the
	// checkpoint in place so a rerun resumes this attempt.
	if err := l.committer.CommitJob(ctx, conf); err != nil {
		return loadmodel.Handle{}, err
	}

	l.clearCheckpoint(ctx, h.Table)
	log.Info("load complete",
		"tasks", len(outputs),
		"rows", result.RowCount,
		"bytes", result.ByteSize,
	)
	l.emit(ctx, audit.EventCommitted, h, audit.Details{
		Tasks:    len(outputs),
		RowCount: result.RowCount,
		ByteSize: result.ByteSize,
		Location: storage.RefFor(h).String(),
	})
	return h, nil
}

// resume adopts the checkpointed attempt id when the checkpoint targets the
// same table, partition and overwrite mode.
func (l *Loader) resume(ctx context.Context, model loadmodel.LoadModel) (loadmodel.LoadModel, error) {
	cp, err := l.checkpoint.Load(ctx, model.Table)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return model, nil
		}
		return model, fmt.Errorf("load checkpoint: %w", err)
	}

	if !cp.Matches(model.Table, model.Partition, model.Overwrite) {
		l.log.Warn("ignoring checkpoint for a different load",
			"table", model.Table,
			"checkpoint_attempt_id", cp.AttemptID,
			"checkpoint_partition", cp.Partition,
		)
		return model, nil
	}
	if model.SegmentID != "" && cp.SegmentID != "" && model.SegmentID != cp.SegmentID {
		l.log.Warn("ignoring checkpoint for a different segment",
			"table", model.Table,
			"segment_id", model.SegmentID,
			"checkpoint_segment_id", cp.SegmentID,
		)
		return model, nil
	}

	l.log.Info("resuming checkpointed attempt",
		"table", model.Table,
		"attempt_id", cp.AttemptID,
		"phase", cp.Phase,
	)
	model.AttemptID = cp.AttemptID
	if model.SegmentID == "" {
		model.SegmentID = cp.SegmentID
	}
	return model, model.Validate()
}

func (l *Loader) saveCheckpoint(ctx context.Context, model loadmodel.LoadModel, phase checkpoint.Phase, h loadmodel.Handle) error {
	cp := &checkpoint.Checkpoint{
		Table:         model.Table,
		Partition:     model.Partition,
		SegmentID:     h.SegmentID,
		AttemptID:     model.AttemptID,
		Overwrite:     model.Overwrite,
		Phase:         phase,
		LoadTimestamp: h.LoadTimestamp,
	}
	if cp.SegmentID == "" {
		cp.SegmentID = model.SegmentID
	}
	if err := l.checkpoint.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (l *Loader) clearCheckpoint(ctx context.Context, table string) {
	if err := l.checkpoint.Clear(context.WithoutCancel(ctx), table); err != nil {
		l.log.Warn("failed to clear checkpoint", "table", table, "error", err)
	}
}

// fail aborts the load and returns cause. Abort runs on a context detached
// from ctx so a cancelled job still finalizes its entry.
func (l *Loader) fail(ctx context.Context, conf *jobconf.Conf, table string, cause error) error {
	state := JobFailed
	if ctx.Err() != nil {
		state = JobKilled
	}

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	l.committer.AbortJob(abortCtx, conf, state, cause)
	l.clearCheckpoint(ctx, table)

	if h, err := conf.GetHandle(); err == nil {
		l.emit(abortCtx, audit.EventAborted, h, audit.Details{
			Reason: fmt.Sprintf("job %s: %v", state, cause),
		})
	}
	return cause
}

// emit records an audit event. Failures are logged, never returned.
func (l *Loader) emit(ctx context.Context, typ audit.EventType, h loadmodel.Handle, details audit.Details) {
	evt := audit.Event{
		EventType: typ,
		Segment: audit.SegmentInfo{
			Table:         h.Table,
			Partition:     h.Partition,
			SegmentID:     h.SegmentID,
			AttemptID:     h.AttemptID,
			LoadTimestamp: h.LoadTimestamp,
		},
		Details: details,
		Producer: audit.ProducerInfo{
			Name:    "segment-loader",
			Version: Version,
			GitSHA:  GitSHA,
		},
	}
	if err := l.emitter.Emit(ctx, evt); err != nil {
		l.log.Warn("failed to emit audit event", "event_type", typ, "segment_id", h.SegmentID, "error", err)
	}
}
