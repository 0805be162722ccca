package source

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// SplitIndex collects input objects and assigns task ids in key order.
type SplitIndex struct {
	splits []Split
	byKey  map[string]int
}

// NewSplitIndex creates an empty split index.
func NewSplitIndex() *SplitIndex {
	return &SplitIndex{byKey: make(map[string]int)}
}

// Add records an object if it looks like an input split. Hidden files,
// empty objects and duplicates are skipped.
func (idx *SplitIndex) Add(key string, size int64) bool {
	if !IsInputFile(key) || size == 0 {
		return false
	}
	if _, ok := idx.byKey[key]; ok {
		return false
	}
	idx.byKey[key] = len(idx.splits)
	idx.splits = append(idx.splits, Split{Key: key, Size: size})
	return true
}

// Count returns the number of indexed splits.
func (idx *SplitIndex) Count() int {
	return len(idx.splits)
}

// Splits returns the splits sorted by key with task ids assigned.
func (idx *SplitIndex) Splits() []Split {
	out := make([]Split, len(idx.splits))
	copy(out, idx.splits)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	for i := range out {
		out[i].TaskID = fmt.Sprintf("%05d", i)
	}
	return out
}

// TotalBytes sums the size of every indexed split.
func (idx *SplitIndex) TotalBytes() int64 {
	var n int64
	for _, s := range idx.splits {
		n += s.Size
	}
	return n
}

// IsInputFile reports whether key names a readable split.
func IsInputFile(key string) bool {
	base := path.Base(key)
	return base != "" && !strings.HasPrefix(base, ".") && !strings.HasPrefix(base, "_")
}

// IsCompressed checks if a file is zstd compressed.
func IsCompressed(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), ".zst")
}
