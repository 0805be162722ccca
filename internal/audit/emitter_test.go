package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvent(t *testing.T, path string) Event {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var evt Event
	require.NoError(t, json.Unmarshal(data, &evt))
	return evt
}

func TestFileOnlyEmitterChainsEvents(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileOnlyEmitter(dir)
	require.NoError(t, err)

	first := testEvent()
	require.NoError(t, e.Emit(&first))

	second := testEvent()
	second.EventType = EventAborted
	second.Segment.SegmentID = "4"
	second.Details = Details{Reason: "job FAILED"}
	require.NoError(t, e.Emit(&second))

	assert.Empty(t, first.Chain.PrevEventHash)
	assert.Equal(t, first.Chain.EventHash, second.Chain.PrevEventHash)
	assert.NotEmpty(t, second.EventID)
	assert.NotEqual(t, first.EventID, second.EventID)

	saved := readEvent(t, e.backup.Path(&second))
	assert.Equal(t, second.Chain, saved.Chain)
	assert.Equal(t, ComputeEventHash(&saved), saved.Chain.EventHash)
}

func TestChainHeadsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileOnlyEmitter(dir)
	require.NoError(t, err)

	first := testEvent()
	require.NoError(t, e.Emit(&first))

	reopened, err := NewFileOnlyEmitter(dir)
	require.NoError(t, err)
	next := testEvent()
	next.Segment.SegmentID = "5"
	require.NoError(t, reopened.Emit(&next))

	assert.Equal(t, first.Chain.EventHash, next.Chain.PrevEventHash)
}

func TestChainHeadTracksSegment(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileOnlyEmitter(dir)
	require.NoError(t, err)

	var emitted []Event
	for _, id := range []string{"3", "4", "5"} {
		evt := testEvent()
		evt.Segment.SegmentID = id
		require.NoError(t, e.Emit(&evt))
		emitted = append(emitted, evt)
	}

	assert.Equal(t, uint64(3), emitted[2].Chain.Sequence)
	require.NoError(t, VerifyChain(emitted))

	reopened, err := NewChainTracker(dir)
	require.NoError(t, err)
	head, err := reopened.GetHead("events")
	require.NoError(t, err)
	assert.Equal(t, "5", head.SegmentID)
	assert.Equal(t, emitted[2].Segment.AttemptID, head.AttemptID)
	assert.Equal(t, emitted[2].EventID, head.EventID)
	assert.Equal(t, uint64(3), head.Sequence)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	e, err := NewFileOnlyEmitter(t.TempDir())
	require.NoError(t, err)

	var emitted []Event
	for i := 0; i < 3; i++ {
		evt := testEvent()
		require.NoError(t, e.Emit(&evt))
		emitted = append(emitted, evt)
	}

	edited := append([]Event(nil), emitted...)
	edited[1].Details.RowCount = 999
	assert.ErrorIs(t, VerifyChain(edited), ErrChainBroken)

	dropped := []Event{emitted[0], emitted[2]}
	assert.ErrorIs(t, VerifyChain(dropped), ErrChainBroken)
}

func TestAdvanceRejectsForkedEvent(t *testing.T) {
	ct, err := NewChainTracker(t.TempDir())
	require.NoError(t, err)

	a := testEvent()
	prepare(&a)
	ct.Link(&a)
	b := testEvent()
	prepare(&b)
	ct.Link(&b)

	require.NoError(t, ct.Advance(&a))
	assert.ErrorIs(t, ct.Advance(&b), ErrChainFork)

	head, err := ct.GetHead("events")
	require.NoError(t, err)
	assert.Equal(t, a.EventID, head.EventID)
}

func TestChainsArePerTable(t *testing.T) {
	e, err := NewFileOnlyEmitter(t.TempDir())
	require.NoError(t, err)

	a := testEvent()
	require.NoError(t, e.Emit(&a))

	b := testEvent()
	b.Segment.Table = "orders"
	require.NoError(t, e.Emit(&b))

	assert.Empty(t, b.Chain.PrevEventHash)
}

func TestHTTPEmitterRetriesServerErrors(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
		received Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests++
		if requests == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: t.TempDir()})
	require.NoError(t, err)
	e.retryBackoff = time.Millisecond

	evt := testEvent()
	require.NoError(t, e.Emit(context.Background(), &evt))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, requests)
	assert.Equal(t, evt.Chain.EventHash, received.Chain.EventHash)

	head, err := e.chainTracker.GetHead("events")
	require.NoError(t, err)
	assert.Equal(t, evt.Chain.EventHash, head.EventHash)
	assert.Equal(t, uint64(1), head.Sequence)
}

func TestHTTPEmitterClientErrorNotRetried(t *testing.T) {
	var (
		mu       sync.Mutex
		requests int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: t.TempDir()})
	require.NoError(t, err)
	e.retryBackoff = time.Millisecond

	evt := testEvent()
	err = e.Emit(context.Background(), &evt)
	require.Error(t, err)

	mu.Lock()
	assert.Equal(t, 1, requests)
	mu.Unlock()

	// The chain head only advances once the collector accepts the event.
	_, err = e.chainTracker.GetHead("events")
	assert.ErrorIs(t, err, ErrNoChainHead)
}

func TestNewEmitterDisabled(t *testing.T) {
	e := NewEmitter(Config{})
	assert.NoError(t, e.Emit(context.Background(), testEvent()))
	assert.NoError(t, e.Close())
}
