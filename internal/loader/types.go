package loader

import (
	"time"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/source"
)

// WriteTask is sent to workers for processing.
type WriteTask struct {
	Split    source.Split
	MaxRetry int // attempts before the task fails
}

// TaskOutput describes the files one task wrote under the attempt directory.
type TaskOutput struct {
	TaskID   string
	Input    string // split key the task read
	DataKey  string
	IndexKey string
	Checksum string
	RowCount int64
	ByteSize int64
	Attempts int
	BuiltAt  time.Time
}

// TaskResult is returned from workers to the collector.
type TaskResult struct {
	Task   WriteTask
	Output *TaskOutput
	Err    error
}
