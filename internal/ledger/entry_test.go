package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSegmentID(t *testing.T) {
	assert.Equal(t, "0", NextSegmentID(nil))

	entries := []Entry{
		{SegmentID: "0"},
		{SegmentID: "7"},
		{SegmentID: "custom"},
		{SegmentID: "3"},
	}
	assert.Equal(t, "8", NextSegmentID(entries))
}

func TestLatestTimestamp(t *testing.T) {
	assert.Equal(t, int64(0), LatestTimestamp(nil))
	entries := []Entry{
		{LoadTimestamp: 100},
		{LoadTimestamp: 300},
		{LoadTimestamp: 200},
	}
	assert.Equal(t, int64(300), LatestTimestamp(entries))
}

func TestEntryCloneIsDeep(t *testing.T) {
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := Entry{
		SegmentID:  "1",
		Sizes:      &Sizes{DataSize: 10, IndexSize: 2},
		FinishedAt: &finished,
	}

	c := e.Clone()
	c.Sizes.DataSize = 99
	*c.FinishedAt = finished.Add(time.Hour)

	assert.Equal(t, int64(10), e.Sizes.DataSize)
	assert.Equal(t, finished, *e.FinishedAt)
}

func TestSnapshotVisibleAndCounts(t *testing.T) {
	snap := Snapshot{Entries: []Entry{
		{SegmentID: "0", Status: StatusMarkedForDelete},
		{SegmentID: "1", Status: StatusSuccess},
		{SegmentID: "2", Status: StatusFailed},
		{SegmentID: "3", Status: StatusInProgress},
		{SegmentID: "4", Status: StatusSuccess},
	}}

	visible := snap.Visible()
	require.Len(t, visible, 2)
	assert.Equal(t, "1", visible[0].SegmentID)
	assert.Equal(t, "4", visible[1].SegmentID)

	counts := snap.CountByStatus()
	assert.Equal(t, 2, counts[StatusSuccess])
	assert.Equal(t, 1, counts[StatusInProgress])
	assert.Equal(t, 1, counts[StatusFailed])
	assert.Equal(t, 1, counts[StatusMarkedForDelete])
}

func TestFindAttempt(t *testing.T) {
	entries := []Entry{{AttemptID: "a"}, {AttemptID: "b"}}
	assert.Equal(t, 1, FindAttempt(entries, "b"))
	assert.Equal(t, -1, FindAttempt(entries, "c"))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusMarkedForDelete.Terminal())
}
