// Package source lists and reads the input splits a load turns into segment
// files.
package source

import (
	"context"
	"errors"
)

var (
	// ErrNoSplits is returned when the input location holds no readable splits.
	ErrNoSplits = errors.New("no input splits found")

	// ErrDecode is returned when a split's contents cannot be decoded.
	ErrDecode = errors.New("decode split")
)

// Split is one input object processed by a single write task.
type Split struct {
	TaskID string // stable per load, derived from the split's position
	Key    string
	Size   int64
}

// Record is one newline-delimited payload read from a split.
type Record struct {
	Index   int64 // position within the split
	Payload []byte
}

// Source enumerates input splits and reads their records.
type Source interface {
	Splits(ctx context.Context) ([]Split, error)
	Read(ctx context.Context, split Split) ([]Record, error)
	Close() error
}

// Config selects where input splits are read from.
type Config struct {
	// URL is a gocloud bucket URL: file:///input, s3://bucket, gs://bucket
	// or mem://.
	URL    string
	Prefix string
}
