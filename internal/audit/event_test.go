package audit

import (
	"testing"
	"time"
)

func testEvent() Event {
	return Event{
		Version:   eventVersion,
		EventType: EventCommitted,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Segment: SegmentInfo{
			Table:         "events",
			Partition:     "eu",
			SegmentID:     "3",
			AttemptID:     "attempt-1",
			LoadTimestamp: 1767225600000,
		},
		Details: Details{
			Tasks:    2,
			RowCount: 10,
			ByteSize: 1234,
			Location: "warehouse/events/Fact/Part_eu/Segment_3/attempt-1",
		},
		Producer: ProducerInfo{
			Name:    "segment-loader",
			Version: "v0.1.0",
			GitSHA:  "abcdef",
		},
	}
}

func TestComputeEventHash(t *testing.T) {
	event := testEvent()

	// Compute hash with empty prev_event_hash (first in chain)
	event.SetChainHashes("")

	if event.Chain.EventHash == "" {
		t.Error("EventHash should be computed")
	}
	if len(event.Chain.EventHash) < 7 || event.Chain.EventHash[:7] != "sha256:" {
		t.Errorf("EventHash should start with 'sha256:', got: %s", event.Chain.EventHash)
	}
	if event.Chain.PrevEventHash != "" {
		t.Errorf("PrevEventHash should be empty for first in chain, got: %s", event.Chain.PrevEventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	event1 := testEvent()
	event1.SetChainHashes("prev_hash_123")

	event2 := testEvent()
	event2.SetChainHashes("prev_hash_123")

	// Same content + same prev_hash = same event_hash
	if event1.Chain.EventHash != event2.Chain.EventHash {
		t.Errorf("Identical events should produce identical hashes.\n  Event1: %s\n  Event2: %s",
			event1.Chain.EventHash, event2.Chain.EventHash)
	}
}

func TestHashChainDifferentPrevHash(t *testing.T) {
	event1 := testEvent()
	event1.SetChainHashes("prev_hash_A")

	event2 := testEvent()
	event2.SetChainHashes("prev_hash_B")

	if event1.Chain.EventHash == event2.Chain.EventHash {
		t.Error("Different prev_hash should produce different event_hash")
	}
}

func TestHashChainDifferentContent(t *testing.T) {
	event1 := testEvent()
	event1.SetChainHashes("")

	event2 := testEvent()
	event2.Details.RowCount = 11
	event2.SetChainHashes("")

	// Different content = different event_hash (tamper evident)
	if event1.Chain.EventHash == event2.Chain.EventHash {
		t.Error("Different content should produce different event_hash")
	}
}

func TestHashIgnoresExistingEventHash(t *testing.T) {
	event := testEvent()
	event.SetChainHashes("prev")
	first := event.Chain.EventHash

	event.SetChainHashes("prev")
	if event.Chain.EventHash != first {
		t.Errorf("Rehashing should be stable, got %s then %s", first, event.Chain.EventHash)
	}
}

func TestChainKey(t *testing.T) {
	s := SegmentInfo{Table: "events", Partition: "eu", SegmentID: "3"}

	if s.ChainKey() != "events" {
		t.Errorf("ChainKey() = %s, want events", s.ChainKey())
	}
}
