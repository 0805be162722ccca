package loader

import (
	"context"
	"fmt"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/coordinator"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/jobconf"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
)

// JobState is the terminal state a job framework reports to AbortJob.
type JobState string

const (
	JobFailed JobState = "FAILED"
	JobKilled JobState = "KILLED"
)

// OutputCommitter adapts a Coordinator to job-level lifecycle callbacks. The
// load model and handle travel in the job configuration.
type OutputCommitter struct {
	coord *coordinator.Coordinator
}

// NewOutputCommitter wraps a coordinator that has not been set up yet.
func NewOutputCommitter(coord *coordinator.Coordinator) *OutputCommitter {
	return &OutputCommitter{coord: coord}
}

// SetupJob records the load described by conf and stores the resulting
// handle back into conf. The overwrite flag in conf wins over the model's.
func (oc *OutputCommitter) SetupJob(ctx context.Context, conf *jobconf.Conf) error {
	model, err := conf.GetLoadModel()
	if err != nil {
		return fmt.Errorf("setup job: %w", err)
	}
	if conf.IsOverwriteSet() {
		model.Overwrite = true
	}

	h, err := oc.coord.Setup(ctx, model)
	if err != nil {
		return err
	}
	if err := conf.SetHandle(h); err != nil {
		return fmt.Errorf("setup job: store handle: %w", err)
	}
	return nil
}

// CommitJob commits the load whose handle SetupJob stored in conf.
func (oc *OutputCommitter) CommitJob(ctx context.Context, conf *jobconf.Conf) error {
	h, err := conf.GetHandle()
	if err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return oc.coord.Commit(ctx, h)
}

// AbortJob aborts the load. A conf without a handle aborts whatever setup
// recorded, if anything.
func (oc *OutputCommitter) AbortJob(ctx context.Context, conf *jobconf.Conf, state JobState, cause error) {
	h, err := conf.GetHandle()
	if err != nil {
		h = loadmodel.Handle{}
	}
	reason := fmt.Sprintf("job %s", state)
	if cause != nil {
		reason = fmt.Sprintf("job %s: %v", state, cause)
	}
	oc.coord.Abort(ctx, h, reason)
}

// State returns the coordinator's lifecycle state.
func (oc *OutputCommitter) State() coordinator.State {
	return oc.coord.State()
}
