package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
)

// Config selects the bucket segment files are written to.
type Config struct {
	// URL is a gocloud bucket URL: file:///data, s3://bucket?region=...,
	// gs://bucket or mem://.
	URL    string
	Prefix string
}

// SegmentStore writes and inspects segment files in a blob bucket.
type SegmentStore struct {
	bucket *blob.Bucket
	url    string
	prefix string
}

// Open opens the configured bucket. Local directories are created if missing.
func Open(ctx context.Context, cfg Config) (*SegmentStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("storage URL required")
	}

	if u, err := url.Parse(cfg.URL); err == nil && u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0755); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", u.Path, err)
		}
	}

	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.URL, err)
	}

	s := NewSegmentStore(bucket, cfg.Prefix)
	s.url = strings.TrimSuffix(cfg.URL, "/")
	return s, nil
}

// NewSegmentStore wraps an open bucket.
func NewSegmentStore(bucket *blob.Bucket, prefix string) *SegmentStore {
	return &SegmentStore{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// WriteDataFile writes a task's data file and returns its key.
func (s *SegmentStore) WriteDataFile(ctx context.Context, ref SegmentRef, taskID string, data []byte) (string, error) {
	key := ref.DataPath(s.prefix, taskID)
	if err := s.write(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

// WriteIndexFile writes a task's index file and returns its key.
func (s *SegmentStore) WriteIndexFile(ctx context.Context, ref SegmentRef, taskID string, idx *IndexFile) (string, error) {
	data, err := idx.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal index file: %w", err)
	}
	key := ref.IndexPath(s.prefix, taskID)
	if err := s.write(ctx, key, data); err != nil {
		return "", err
	}
	return key, nil
}

func (s *SegmentStore) write(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// ReadFile returns an object's contents.
func (s *SegmentStore) ReadFile(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// SegmentSizes sums the data and index files under the handle's attempt
// directory.
func (s *SegmentStore) SegmentSizes(ctx context.Context, h loadmodel.Handle) (dataSize, indexSize int64, err error) {
	objs, err := s.list(ctx, RefFor(h).Dir(s.prefix)+"/")
	if err != nil {
		return 0, 0, err
	}
	for _, obj := range objs {
		switch {
		case strings.HasSuffix(obj.Key, indexSuffix):
			indexSize += obj.Size
		case strings.HasSuffix(obj.Key, dataSuffix):
			dataSize += obj.Size
		}
	}
	return dataSize, indexSize, nil
}

// ListAttempts returns every attempt directory stored for table, ordered by
// segment then attempt.
func (s *SegmentStore) ListAttempts(ctx context.Context, table string) ([]AttemptInfo, error) {
	root := path.Join(s.prefix, table, factDir) + "/"

	objs, err := s.list(ctx, root)
	if err != nil {
		return nil, err
	}

	byDir := make(map[string]*AttemptInfo)
	for _, obj := range objs {
		ref, ok := parseRef(s.prefix, table, obj.Key)
		if !ok {
			continue
		}
		dir := ref.Dir(s.prefix)
		info, ok := byDir[dir]
		if !ok {
			info = &AttemptInfo{Ref: ref}
			byDir[dir] = info
		}
		info.Objects++
		info.Bytes += obj.Size
		if obj.ModTime.After(info.ModTime) {
			info.ModTime = obj.ModTime
		}
	}

	out := make([]AttemptInfo, 0, len(byDir))
	for _, info := range byDir {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.SegmentID != out[j].Ref.SegmentID {
			return out[i].Ref.SegmentID < out[j].Ref.SegmentID
		}
		return out[i].Ref.AttemptID < out[j].Ref.AttemptID
	})
	return out, nil
}

// DeleteAttempt removes every file of an attempt and returns how many were
// deleted.
func (s *SegmentStore) DeleteAttempt(ctx context.Context, ref SegmentRef) (int, error) {
	objs, err := s.list(ctx, ref.Dir(s.prefix)+"/")
	if err != nil {
		return 0, err
	}

	deleted := 0
	var errs []error
	for _, obj := range objs {
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				continue
			}
			errs = append(errs, fmt.Errorf("delete %s: %w", obj.Key, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// Head returns metadata about a stored object.
func (s *SegmentStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// AttemptDir returns the key prefix holding an attempt's files.
func (s *SegmentStore) AttemptDir(ref SegmentRef) string {
	return ref.Dir(s.prefix)
}

// URI returns the canonical URI for the given key.
func (s *SegmentStore) URI(key string) string {
	if s.url == "" {
		return key
	}
	base, _, _ := strings.Cut(s.url, "?")
	return base + "/" + key
}

// Close releases the bucket.
func (s *SegmentStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *SegmentStore) list(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objs []ObjectInfo

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		objs = append(objs, ObjectInfo{
			Key:     obj.Key,
			Size:    obj.Size,
			ModTime: obj.ModTime,
		})
	}

	return objs, nil
}
