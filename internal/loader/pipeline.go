package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/source"
)

// Pipeline implements the dispatcher → workers → collector flow.
// Workers write task files in parallel; the collector stops the run on the
// first task that exhausts its retries.
type Pipeline struct {
	writer    TaskWriter
	workers   int
	queueSize int
	maxRetry  int
	backoff   time.Duration
	log       *slog.Logger

	workQueue  chan WriteTask
	resultChan chan TaskResult
	wg         sync.WaitGroup
}

// NewPipeline creates a new worker pipeline.
func NewPipeline(w TaskWriter, workers, queueSize, maxRetry int, retryBackoff time.Duration) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 2
	}
	if maxRetry < 1 {
		maxRetry = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}

	return &Pipeline{
		writer:     w,
		workers:    workers,
		queueSize:  queueSize,
		maxRetry:   maxRetry,
		backoff:    retryBackoff,
		log:        logging.Component("pipeline"),
		workQueue:  make(chan WriteTask, queueSize),
		resultChan: make(chan TaskResult, queueSize),
	}
}

// Run writes every split under the handle's attempt directory and returns the
// task outputs ordered by task id. A Pipeline runs once.
func (p *Pipeline) Run(ctx context.Context, h loadmodel.Handle, splits []source.Split) ([]TaskOutput, error) {
	if len(splits) == 0 {
		close(p.workQueue)
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logging.LoadLogger(ctx, h.Table, h.Partition, h.SegmentID, h.AttemptID)
	log.Info("starting write tasks", "tasks", len(splits), "workers", p.workers)

	// Start worker pool
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i, h, log)
	}

	// Start dispatcher
	errChan := make(chan error, 1)
	go func() {
		errChan <- p.dispatcherLoop(ctx, splits)
	}()

	// Close results when workers finish
	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	outputs, err := p.collectorLoop(cancel, len(splits), log)
	if dispatchErr := <-errChan; err == nil && dispatchErr != nil {
		err = dispatchErr
	}
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// dispatcherLoop sends write tasks to workers.
func (p *Pipeline) dispatcherLoop(ctx context.Context, splits []source.Split) error {
	defer close(p.workQueue)

	for _, split := range splits {
		task := WriteTask{
			Split:    split,
			MaxRetry: p.maxRetry,
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.workQueue <- task:
		}
	}

	return nil
}

// workerLoop processes write tasks.
func (p *Pipeline) workerLoop(ctx context.Context, workerID int, h loadmodel.Handle, base *slog.Logger) {
	defer p.wg.Done()

	for task := range p.workQueue {
		if ctx.Err() != nil {
			p.resultChan <- TaskResult{Task: task, Err: ctx.Err()}
			continue
		}
		p.resultChan <- p.processTask(ctx, workerID, h, task, base)
	}
}

// processTask writes one split, retrying failures with exponential backoff.
func (p *Pipeline) processTask(ctx context.Context, workerID int, h loadmodel.Handle, task WriteTask, base *slog.Logger) TaskResult {
	log := logging.TaskLogger(base, workerID, task.Split.TaskID).With("input", task.Split.Key)
	log.Debug("processing task")

	startTime := time.Now()
	attempts := 0

	var out *TaskOutput
	op := func() error {
		attempts++
		var err error
		out, err = p.writer.WriteTask(ctx, h, task.Split)
		if err != nil && (errors.Is(err, source.ErrDecode) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.backoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(task.MaxRetry-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn("task failed, retrying", "error", err, "attempt", attempts, "backoff", wait)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(h.Table, "write_task")
		}
	})
	if err != nil {
		if m := metrics.Get(); m != nil {
			m.IncTaskFailed(h.Table)
		}
		return TaskResult{
			Task: task,
			Err:  fmt.Errorf("task %s failed after %d attempts: %w", task.Split.TaskID, attempts, err),
		}
	}

	out.Attempts = attempts
	log.Info("task written",
		"duration_ms", time.Since(startTime).Milliseconds(),
		"rows", out.RowCount,
		"bytes", out.ByteSize,
	)

	if m := metrics.Get(); m != nil {
		m.AddTaskOutput(h.Table, out.RowCount, out.ByteSize)
	}

	return TaskResult{Task: task, Output: out}
}

// collectorLoop gathers task results. The first failure cancels outstanding
// work; results are still drained so workers never block.
func (p *Pipeline) collectorLoop(cancel context.CancelFunc, expected int, log *slog.Logger) ([]TaskOutput, error) {
	outputs := make([]TaskOutput, 0, expected)
	var firstErr error

	for result := range p.resultChan {
		if result.Err != nil {
			if firstErr == nil {
				firstErr = result.Err
				cancel()
			}
			continue
		}
		outputs = append(outputs, *result.Output)
		log.Debug("collector progress", "done", len(outputs), "total", expected)
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if len(outputs) != expected {
		return nil, fmt.Errorf("results closed early: %d of %d tasks reported", len(outputs), expected)
	}

	sort.Slice(outputs, func(i, j int) bool {
		return outputs[i].TaskID < outputs[j].TaskID
	})
	return outputs, nil
}
