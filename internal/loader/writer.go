package loader

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/source"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/storage"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/tables"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// TaskWriter turns one input split into segment files for a load.
type TaskWriter interface {
	WriteTask(ctx context.Context, h loadmodel.Handle, split source.Split) (*TaskOutput, error)
}

// SegmentWriter reads a split, encodes it as parquet and writes the data and
// index files under the handle's attempt directory.
type SegmentWriter struct {
	src     source.Source
	store   *storage.SegmentStore
	parquet tables.ParquetConfig
	now     func() time.Time
}

// NewSegmentWriter creates a task writer.
func NewSegmentWriter(src source.Source, store *storage.SegmentStore, cfg tables.ParquetConfig) *SegmentWriter {
	return &SegmentWriter{
		src:     src,
		store:   store,
		parquet: cfg,
		now:     time.Now,
	}
}

// WriteTask writes the split's data file, then its index file. Rewriting a
// task of the same attempt replaces both files.
func (w *SegmentWriter) WriteTask(ctx context.Context, h loadmodel.Handle, split source.Split) (*TaskOutput, error) {
	records, err := w.src.Read(ctx, split)
	if err != nil {
		return nil, fmt.Errorf("read split: %w", err)
	}

	builtAt := w.now().UTC()
	batch := tables.NewBatch(tables.NewExtractor(h), split.TaskID, records, builtAt)
	out, err := batch.ToParquet(w.parquet)
	if err != nil {
		return nil, fmt.Errorf("generate parquet: %w", err)
	}

	ref := storage.RefFor(h)
	dataKey, err := w.store.WriteDataFile(ctx, ref, split.TaskID, out.Data)
	if err != nil {
		return nil, fmt.Errorf("write data file: %w", err)
	}

	idx := buildIndexFile(h, split, dataKey, out, builtAt)
	indexKey, err := w.store.WriteIndexFile(ctx, ref, split.TaskID, idx)
	if err != nil {
		return nil, fmt.Errorf("write index file: %w", err)
	}

	return &TaskOutput{
		TaskID:   split.TaskID,
		Input:    split.Key,
		DataKey:  dataKey,
		IndexKey: indexKey,
		Checksum: out.Checksum,
		RowCount: out.RowCount,
		ByteSize: int64(len(out.Data)),
		BuiltAt:  builtAt,
	}, nil
}

// buildIndexFile creates the index file describing a task's data file.
func buildIndexFile(h loadmodel.Handle, split source.Split, dataKey string, out *tables.ParquetOutput, builtAt time.Time) *storage.IndexFile {
	return &storage.IndexFile{
		Segment: storage.SegmentInfo{
			Table:         h.Table,
			Partition:     h.Partition,
			SegmentID:     h.SegmentID,
			AttemptID:     h.AttemptID,
			LoadTimestamp: h.LoadTimestamp,
		},
		Task: storage.TaskInfo{
			ID:       split.TaskID,
			Input:    split.Key,
			File:     path.Base(dataKey),
			Checksum: out.Checksum,
			RowCount: out.RowCount,
			ByteSize: int64(len(out.Data)),
		},
		Producer: storage.ProducerInfo{
			Name:    "segment-loader",
			Version: Version,
			GitSHA:  GitSHA,
		},
		CreatedAt: builtAt,
	}
}
