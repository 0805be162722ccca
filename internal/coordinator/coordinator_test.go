package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/loadmodel"
)

// faultyStore fails the next Update calls with queued errors before
// delegating to the wrapped store.
type faultyStore struct {
	ledger.Store

	mu       sync.Mutex
	failures []error
	updates  int
}

func (s *faultyStore) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *faultyStore) Update(ctx context.Context, fn ledger.Mutator) (ledger.Snapshot, error) {
	s.mu.Lock()
	s.updates++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return ledger.Snapshot{}, err
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, fn)
}

type fixedSizes struct {
	data, index int64
	err         error
}

func (f fixedSizes) SegmentSizes(context.Context, loadmodel.Handle) (int64, int64, error) {
	return f.data, f.index, f.err
}

var (
	lockTimeout = fmt.Errorf("%w: injected", ledger.ErrLockTimeout)
	ioFailure   = fmt.Errorf("%w: injected", ledger.ErrIOFailure)
)

func newStore(t *testing.T) *faultyStore {
	t.Helper()
	fs, err := ledger.NewFileStore(t.TempDir(), "sales", 5*time.Second)
	require.NoError(t, err)
	return &faultyStore{Store: fs}
}

func testOptions() Options {
	return Options{CommitRetries: 0, RetryBackoff: time.Millisecond}
}

func newCoordinator(store ledger.Store) *Coordinator {
	return New(store, fixedSizes{data: 1024, index: 64}, testOptions())
}

func model(t *testing.T, opts ...loadmodel.Option) loadmodel.LoadModel {
	t.Helper()
	m, err := loadmodel.New("sales", opts...)
	require.NoError(t, err)
	return m
}

func read(t *testing.T, s ledger.Store) ledger.Snapshot {
	t.Helper()
	snap, err := s.Read(context.Background())
	require.NoError(t, err)
	return snap
}

func entryFor(t *testing.T, snap ledger.Snapshot, attemptID string) ledger.Entry {
	t.Helper()
	i := ledger.FindAttempt(snap.Entries, attemptID)
	require.GreaterOrEqual(t, i, 0, "no entry for attempt %s", attemptID)
	return snap.Entries[i]
}

func TestSetupThenCommit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCoordinator(store)
	m := model(t)

	h, err := c.Setup(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, StateSetupDone, c.State())
	assert.Equal(t, "0", h.SegmentID)
	assert.Equal(t, m.AttemptID, h.AttemptID)

	e := entryFor(t, read(t, store), m.AttemptID)
	assert.Equal(t, ledger.StatusInProgress, e.Status)
	assert.Nil(t, e.Sizes)

	require.NoError(t, c.Commit(ctx, h))
	assert.Equal(t, StateCommitted, c.State())

	snap := read(t, store)
	var success []ledger.Entry
	for _, e := range snap.Entries {
		if e.SegmentID == h.SegmentID && e.Status == ledger.StatusSuccess {
			success = append(success, e)
		}
	}
	require.Len(t, success, 1)
	require.NotNil(t, success[0].Sizes)
	assert.Equal(t, int64(1024), success[0].Sizes.DataSize)
	assert.Equal(t, int64(64), success[0].Sizes.IndexSize)
	assert.NotNil(t, success[0].FinishedAt)
}

func TestSegmentIDsAreSequential(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for i := 0; i < 3; i++ {
		c := newCoordinator(store)
		h, err := c.Setup(ctx, model(t))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), h.SegmentID)
		require.NoError(t, c.Commit(ctx, h))
	}
}

func TestSetupThenAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCoordinator(store)
	m := model(t)

	h, err := c.Setup(ctx, m)
	require.NoError(t, err)

	// write tasks fail
	c.Abort(ctx, h, "task 3 failed")
	assert.Equal(t, StateAborted, c.State())

	snap := read(t, store)
	e := entryFor(t, snap, m.AttemptID)
	assert.Equal(t, ledger.StatusFailed, e.Status)
	assert.Equal(t, "task 3 failed", e.FailureReason)
	assert.Nil(t, e.Sizes)
	assert.Empty(t, snap.Visible())

	c.Abort(ctx, h, "again")
	assert.Equal(t, snap.Version, read(t, store).Version)

	// a second coordinator aborting the same attempt writes nothing
	again, err := store.Update(ctx, abortMutator(h, "late", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, snap.Version, again.Version)
}

func TestAbortBeforeSetupIsNoop(t *testing.T) {
	store := newStore(t)
	c := newCoordinator(store)

	c.Abort(context.Background(), loadmodel.Handle{}, "driver failed")
	assert.Equal(t, StateAborted, c.State())
	assert.Equal(t, uint64(0), read(t, store).Version)
	assert.Equal(t, 0, store.updates)
}

func TestSetupLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	store.failNext(ioFailure)
	c := newCoordinator(store)

	_, err := c.Setup(ctx, model(t))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, ledger.ErrIOFailure)
	assert.Equal(t, StateNotStarted, c.State())

	store.failNext(lockTimeout)
	_, err = newCoordinator(store).Setup(ctx, model(t))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)

	c.Abort(ctx, loadmodel.Handle{}, "setup failed")
	assert.Equal(t, StateAborted, c.State())
	assert.Empty(t, read(t, store).Entries)
}

func TestConcurrentSetupsSameSegment(t *testing.T) {
	root := t.TempDir()
	const loads = 6

	var wg sync.WaitGroup
	errs := make([]error, loads)
	for i := 0; i < loads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fs, err := ledger.NewFileStore(root, "sales", 10*time.Second)
			if err != nil {
				errs[i] = err
				return
			}
			m, err := loadmodel.New("sales", loadmodel.WithSegmentID("7"))
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = newCoordinator(fs).Setup(context.Background(), m)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, ErrConcurrentLoadInProgress)
	}
	assert.Equal(t, 1, won)

	fs, err := ledger.NewFileStore(root, "sales", time.Second)
	require.NoError(t, err)
	snap := read(t, fs)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, ledger.StatusInProgress, snap.Entries[0].Status)
}

func TestOverwriteCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// load A leaves E0 visible
	a := newCoordinator(store)
	ma := model(t)
	ha, err := a.Setup(ctx, ma)
	require.NoError(t, err)
	require.NoError(t, a.Commit(ctx, ha))

	// load B overwrites
	b := newCoordinator(store)
	mb := model(t, loadmodel.WithOverwrite(true))
	hb, err := b.Setup(ctx, mb)
	require.NoError(t, err)

	before := read(t, store)
	assert.Equal(t, ledger.StatusSuccess, entryFor(t, before, ma.AttemptID).Status)
	assert.Equal(t, ledger.StatusInProgress, entryFor(t, before, mb.AttemptID).Status)

	require.NoError(t, b.Commit(ctx, hb))

	after := read(t, store)
	assert.Equal(t, before.Version+1, after.Version)

	e0 := entryFor(t, after, ma.AttemptID)
	e2 := entryFor(t, after, mb.AttemptID)
	assert.Equal(t, ledger.StatusMarkedForDelete, e0.Status)
	assert.Equal(t, mb.AttemptID, e0.SupersededBy)
	assert.Equal(t, ledger.StatusSuccess, e2.Status)

	visible := after.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, hb.SegmentID, visible[0].SegmentID)
}

func TestOverwriteLeavesOtherPartitionsVisible(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	eu := newCoordinator(store)
	heu, err := eu.Setup(ctx, model(t, loadmodel.WithPartition("eu")))
	require.NoError(t, err)
	require.NoError(t, eu.Commit(ctx, heu))

	us := newCoordinator(store)
	hus, err := us.Setup(ctx, model(t, loadmodel.WithPartition("us")))
	require.NoError(t, err)
	require.NoError(t, us.Commit(ctx, hus))

	ow := newCoordinator(store)
	how, err := ow.Setup(ctx, model(t, loadmodel.WithPartition("eu"), loadmodel.WithOverwrite(true)))
	require.NoError(t, err)
	require.NoError(t, ow.Commit(ctx, how))

	var visible []string
	for _, e := range read(t, store).Visible() {
		visible = append(visible, e.SegmentID)
	}
	assert.ElementsMatch(t, []string{hus.SegmentID, how.SegmentID}, visible)
}

func TestCommitLockTimeoutLeavesLedgerUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCoordinator(store)
	m := model(t)

	h, err := c.Setup(ctx, m)
	require.NoError(t, err)
	before := read(t, store)

	store.failNext(lockTimeout)
	err = c.Commit(ctx, h)
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	assert.Equal(t, StateSetupDone, c.State())

	after := read(t, store)
	assert.Equal(t, before, after)
	assert.Equal(t, ledger.StatusInProgress, entryFor(t, after, m.AttemptID).Status)

	// the retried commit lands
	require.NoError(t, c.Commit(ctx, h))
	assert.Equal(t, ledger.StatusSuccess, entryFor(t, read(t, store), m.AttemptID).Status)
}

func TestCommitRetriesLockTimeouts(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := New(store, fixedSizes{data: 1, index: 1}, Options{CommitRetries: 2, RetryBackoff: time.Millisecond})

	h, err := c.Setup(ctx, model(t))
	require.NoError(t, err)
	updatesAfterSetup := store.updates

	store.failNext(lockTimeout, lockTimeout)
	require.NoError(t, c.Commit(ctx, h))
	assert.Equal(t, 3, store.updates-updatesAfterSetup)
	assert.Equal(t, StateCommitted, c.State())
}

func TestCommitGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := New(store, fixedSizes{data: 1, index: 1}, Options{CommitRetries: 1, RetryBackoff: time.Millisecond})

	h, err := c.Setup(ctx, model(t))
	require.NoError(t, err)
	updatesAfterSetup := store.updates

	store.failNext(lockTimeout, lockTimeout, lockTimeout)
	err = c.Commit(ctx, h)
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	assert.Equal(t, 2, store.updates-updatesAfterSetup)
}

func TestCommitDoesNotRetryIOFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := New(store, fixedSizes{data: 1, index: 1}, Options{CommitRetries: 3, RetryBackoff: time.Millisecond})

	h, err := c.Setup(ctx, model(t))
	require.NoError(t, err)
	updatesAfterSetup := store.updates

	store.failNext(ioFailure)
	err = c.Commit(ctx, h)
	assert.ErrorIs(t, err, ledger.ErrIOFailure)
	assert.Equal(t, 1, store.updates-updatesAfterSetup)
	assert.Equal(t, StateSetupDone, c.State())
}

func TestCommitSizeQueryFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := New(store, fixedSizes{err: errors.New("bucket gone")}, testOptions())
	m := model(t)

	h, err := c.Setup(ctx, m)
	require.NoError(t, err)

	err = c.Commit(ctx, h)
	assert.ErrorIs(t, err, ErrSizeQuery)
	assert.Equal(t, StateSetupDone, c.State())
	assert.Equal(t, ledger.StatusInProgress, entryFor(t, read(t, store), m.AttemptID).Status)
}

func TestAbortLedgerFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCoordinator(store)
	m := model(t)

	h, err := c.Setup(ctx, m)
	require.NoError(t, err)

	store.failNext(lockTimeout)
	c.Abort(ctx, h, "tasks failed")
	assert.Equal(t, StateAborted, c.State())
	assert.Equal(t, ledger.StatusInProgress, entryFor(t, read(t, store), m.AttemptID).Status)
}

func TestAbortWithZeroHandleUsesSetupHandle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCoordinator(store)
	m := model(t)

	_, err := c.Setup(ctx, m)
	require.NoError(t, err)

	c.Abort(ctx, loadmodel.Handle{}, "")
	e := entryFor(t, read(t, store), m.AttemptID)
	assert.Equal(t, ledger.StatusFailed, e.Status)
	assert.Equal(t, "aborted", e.FailureReason)
}

func TestAbortIgnoresForeignHandle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	mine, other := newCoordinator(store), newCoordinator(store)
	m1, m2 := model(t), model(t)

	_, err := mine.Setup(ctx, m1)
	require.NoError(t, err)
	h2, err := other.Setup(ctx, m2)
	require.NoError(t, err)

	mine.Abort(ctx, h2, "task failed")

	snap := read(t, store)
	assert.Equal(t, ledger.StatusFailed, entryFor(t, snap, m1.AttemptID).Status)
	assert.Equal(t, "task failed", entryFor(t, snap, m1.AttemptID).FailureReason)
	assert.Equal(t, ledger.StatusInProgress, entryFor(t, snap, m2.AttemptID).Status)

	require.NoError(t, other.Commit(ctx, h2))
	assert.Equal(t, ledger.StatusSuccess, entryFor(t, read(t, store), m2.AttemptID).Status)
}

func TestSetupResumesOwnAttempt(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := model(t, loadmodel.WithSegmentID("4"))

	first, err := newCoordinator(store).Setup(ctx, m)
	require.NoError(t, err)
	version := read(t, store).Version

	// the driver restarted and retries setup with the same attempt
	c := newCoordinator(store)
	second, err := c.Setup(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, version, read(t, store).Version)
	assert.Len(t, read(t, store).Entries, 1)

	require.NoError(t, c.Commit(ctx, second))
}

func TestSetupRejectsFinishedAttempt(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := model(t)

	c := newCoordinator(store)
	h, err := c.Setup(ctx, m)
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, h))

	_, err = newCoordinator(store).Setup(ctx, m)
	assert.ErrorIs(t, err, ErrEntryNotInProgress)
}

func TestPinnedSegmentExists(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	c := newCoordinator(store)
	h, err := c.Setup(ctx, model(t, loadmodel.WithSegmentID("9")))
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, h))

	_, err = newCoordinator(store).Setup(ctx, model(t, loadmodel.WithSegmentID("9")))
	assert.ErrorIs(t, err, ErrSegmentExists)

	ow := newCoordinator(store)
	how, err := ow.Setup(ctx, model(t, loadmodel.WithSegmentID("9"), loadmodel.WithOverwrite(true)))
	require.NoError(t, err)
	require.NoError(t, ow.Commit(ctx, how))

	visible := read(t, store).Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, how.AttemptID, visible[0].AttemptID)
}

func TestOverwriteSupersedesInProgressSegment(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	x := newCoordinator(store)
	mx := model(t, loadmodel.WithSegmentID("3"))
	hx, err := x.Setup(ctx, mx)
	require.NoError(t, err)

	y := newCoordinator(store)
	my := model(t, loadmodel.WithSegmentID("3"), loadmodel.WithOverwrite(true))
	hy, err := y.Setup(ctx, my)
	require.NoError(t, err)

	snap := read(t, store)
	ex := entryFor(t, snap, mx.AttemptID)
	assert.Equal(t, ledger.StatusFailed, ex.Status)
	assert.Equal(t, my.AttemptID, ex.SupersededBy)
	assert.NotEmpty(t, ex.FailureReason)

	err = x.Commit(ctx, hx)
	assert.ErrorIs(t, err, ErrEntryNotInProgress)

	require.NoError(t, y.Commit(ctx, hy))
	assert.Len(t, read(t, store).Visible(), 1)
}

func TestOverwriteConflictsWithinPartition(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := newCoordinator(store).Setup(ctx, model(t, loadmodel.WithPartition("eu")))
	require.NoError(t, err)

	_, err = newCoordinator(store).Setup(ctx, model(t, loadmodel.WithPartition("eu"), loadmodel.WithOverwrite(true)))
	assert.ErrorIs(t, err, ErrConcurrentLoadInProgress)

	_, err = newCoordinator(store).Setup(ctx, model(t, loadmodel.WithPartition("us"), loadmodel.WithOverwrite(true)))
	require.NoError(t, err)

	// appends to a partition being overwritten also conflict
	_, err = newCoordinator(store).Setup(ctx, model(t, loadmodel.WithPartition("us")))
	assert.ErrorIs(t, err, ErrConcurrentLoadInProgress)

	// plain appends to the same partition run side by side
	_, err = newCoordinator(store).Setup(ctx, model(t, loadmodel.WithPartition("eu")))
	require.NoError(t, err)
}

func TestLoadTimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	opts := Options{RetryBackoff: time.Millisecond, Clock: func() time.Time { return now }}

	h1, err := New(store, fixedSizes{}, opts).Setup(ctx, model(t))
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), h1.LoadTimestamp)

	h2, err := New(store, fixedSizes{}, opts).Setup(ctx, model(t))
	require.NoError(t, err)
	assert.Equal(t, h1.LoadTimestamp+1, h2.LoadTimestamp)

	// an older fact time cannot move the watermark backwards
	h3, err := New(store, fixedSizes{}, opts).Setup(ctx, model(t, loadmodel.WithFactTimestamp(now.Add(-time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, h2.LoadTimestamp+1, h3.LoadTimestamp)

	future := now.Add(time.Hour)
	h4, err := New(store, fixedSizes{}, opts).Setup(ctx, model(t, loadmodel.WithFactTimestamp(future)))
	require.NoError(t, err)
	assert.Equal(t, future.UnixMilli(), h4.LoadTimestamp)
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := newCoordinator(store)

	err := c.Commit(ctx, loadmodel.Handle{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	m := model(t)
	h, err := c.Setup(ctx, m)
	require.NoError(t, err)

	_, err = c.Setup(ctx, m)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	wrong := h
	wrong.AttemptID = "someone-else"
	assert.ErrorIs(t, c.Commit(ctx, wrong), ErrInvalidTransition)

	require.NoError(t, c.Commit(ctx, h))
	assert.ErrorIs(t, c.Commit(ctx, h), ErrInvalidTransition)

	c.Abort(ctx, h, "too late")
	assert.Equal(t, StateCommitted, c.State())
	assert.Equal(t, ledger.StatusSuccess, entryFor(t, read(t, store), m.AttemptID).Status)
}

func TestSetupRejectsInvalidModel(t *testing.T) {
	c := newCoordinator(newStore(t))
	_, err := c.Setup(context.Background(), loadmodel.LoadModel{})
	assert.Error(t, err)
	assert.Equal(t, StateNotStarted, c.State())
}
