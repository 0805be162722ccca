package source

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// BlobSource reads splits from a gocloud bucket.
type BlobSource struct {
	bucket  *blob.Bucket
	prefix  string
	decoder *Decoder
}

// Open opens the bucket named by cfg.URL.
func Open(ctx context.Context, cfg Config) (*BlobSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("source URL required")
	}

	if u, err := url.Parse(cfg.URL); err == nil && u.Scheme == "file" {
		info, err := os.Stat(u.Path)
		if err != nil {
			return nil, fmt.Errorf("invalid local path %s: %w", u.Path, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("local path %s is not a directory", u.Path)
		}
	}

	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.URL, err)
	}

	src, err := NewBlobSource(bucket, cfg.Prefix)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return src, nil
}

// NewBlobSource wraps an open bucket.
func NewBlobSource(bucket *blob.Bucket, prefix string) (*BlobSource, error) {
	decoder, err := NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &BlobSource{
		bucket:  bucket,
		prefix:  prefix,
		decoder: decoder,
	}, nil
}

// Splits lists every input object under the prefix in key order.
func (s *BlobSource) Splits(ctx context.Context) ([]Split, error) {
	idx := NewSplitIndex()

	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.prefix, err)
		}
		if obj.IsDir {
			continue
		}
		idx.Add(obj.Key, obj.Size)
	}

	splits := idx.Splits()
	if len(splits) == 0 {
		return nil, fmt.Errorf("%w: prefix %q", ErrNoSplits, s.prefix)
	}
	log.Printf("[source] indexed %d splits under %q", len(splits), s.prefix)
	return splits, nil
}

// Read downloads a split and decodes its records.
func (s *BlobSource) Read(ctx context.Context, split Split) ([]Record, error) {
	r, err := s.bucket.NewReader(ctx, split.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", split.Key, err)
	}
	defer r.Close()

	records, err := s.decoder.DecodeFromReader(r, IsCompressed(split.Key))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", split.Key, err)
	}
	return records, nil
}

// Close releases the bucket and decoder.
func (s *BlobSource) Close() error {
	s.decoder.Close()
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ Source = (*BlobSource)(nil)
