package tables

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/source"
)

// Batch is the set of rows one write task turns into a data file.
type Batch struct {
	TaskID string
	Rows   []RecordRow
}

// NewBatch extracts a batch from a split's records.
func NewBatch(e *Extractor, taskID string, records []source.Record, ingestedAt time.Time) Batch {
	b := Batch{TaskID: taskID, Rows: make([]RecordRow, 0, len(records))}
	for _, rec := range records {
		b.Rows = append(b.Rows, e.Extract(taskID, rec, ingestedAt))
	}
	return b
}

// ParquetOutput is an encoded data file with its checksum and row count.
type ParquetOutput struct {
	Data     []byte
	Checksum string
	RowCount int64
}

// ToParquet encodes the batch as a parquet file.
func (b Batch) ToParquet(cfg ParquetConfig) (*ParquetOutput, error) {
	var buf bytes.Buffer

	codec, err := compressionOption(cfg.Compression)
	if err != nil {
		return nil, err
	}

	w := parquet.NewGenericWriter[RecordRow](&buf, codec)
	if len(b.Rows) > 0 {
		if _, err := w.Write(b.Rows); err != nil {
			return nil, fmt.Errorf("write rows for task %s: %w", b.TaskID, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer for task %s: %w", b.TaskID, err)
	}

	data := buf.Bytes()
	return &ParquetOutput{
		Data:     data,
		Checksum: ComputeChecksum(data),
		RowCount: int64(len(b.Rows)),
	}, nil
}

func compressionOption(name string) (parquet.WriterOption, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return parquet.Compression(&parquet.Snappy), nil
	case "zstd":
		return parquet.Compression(&parquet.Zstd), nil
	case "none":
		return parquet.Compression(&parquet.Uncompressed), nil
	default:
		return nil, fmt.Errorf("unknown parquet compression: %s", name)
	}
}
