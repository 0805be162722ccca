package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoChainHead indicates no previous event exists for this chain.
	ErrNoChainHead = errors.New("no chain head found")
	// ErrChainFork is returned when an event was not linked on the current
	// head, e.g. two drivers of one table emitting against a shared directory.
	ErrChainFork = errors.New("event does not extend chain head")
	// ErrChainBroken is returned by VerifyChain for a tampered or gapped chain.
	ErrChainBroken = errors.New("audit chain broken")
)

const (
	chainHeadsFile    = "audit-chain-heads.json"
	chainHeadsVersion = 1
)

// ComputeEventHash computes the SHA256 hash of an event's JSON form with the
// event_hash field cleared.
func ComputeEventHash(evt *Event) string {
	evtCopy := *evt
	evtCopy.Chain.EventHash = ""

	canonical, err := json.Marshal(evtCopy)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// ChainHead is the last event linked on a table's chain, with enough of the
// segment it described to tell which load wrote it.
type ChainHead struct {
	EventHash     string    `json:"event_hash"`
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	Sequence      uint64    `json:"sequence"`
	SegmentID     string    `json:"segment_id"`
	AttemptID     string    `json:"attempt_id"`
	LoadTimestamp int64     `json:"load_timestamp,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type chainHeads struct {
	Version int                  `json:"version"`
	Tables  map[string]ChainHead `json:"tables"`
}

// ChainTracker keeps one chain head per table and persists them.
type ChainTracker struct {
	mu       sync.RWMutex
	heads    map[string]ChainHead
	filePath string
}

// NewChainTracker creates a chain tracker that persists to the given directory.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if dir == "" {
		dir = "./state"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain tracker dir: %w", err)
	}

	ct := &ChainTracker{
		heads:    make(map[string]ChainHead),
		filePath: filepath.Join(dir, chainHeadsFile),
	}

	if err := ct.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load chain heads: %w", err)
	}

	return ct, nil
}

// GetHead returns the head of a table's chain.
func (ct *ChainTracker) GetHead(chainKey string) (ChainHead, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	head, ok := ct.heads[chainKey]
	if !ok || head.EventHash == "" {
		return ChainHead{}, ErrNoChainHead
	}
	return head, nil
}

// Link places evt after the current head of its table's chain: it sets the
// sequence number and previous hash, then hashes the event. The head itself
// only moves on Advance.
func (ct *ChainTracker) Link(evt *Event) {
	head, err := ct.GetHead(evt.Segment.ChainKey())
	if err != nil {
		head = ChainHead{}
	}
	evt.Chain.Sequence = head.Sequence + 1
	evt.SetChainHashes(head.EventHash)
}

// Advance makes evt the head of its table's chain. evt must have been linked
// on the current head.
func (ct *ChainTracker) Advance(evt *Event) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	key := evt.Segment.ChainKey()
	head := ct.heads[key]
	if evt.Chain.PrevEventHash != head.EventHash || evt.Chain.Sequence != head.Sequence+1 {
		return fmt.Errorf("%w: %s event %s at sequence %d, head is %d",
			ErrChainFork, key, evt.EventID, evt.Chain.Sequence, head.Sequence)
	}

	ct.heads[key] = ChainHead{
		EventHash:     evt.Chain.EventHash,
		EventID:       evt.EventID,
		EventType:     evt.EventType,
		Sequence:      evt.Chain.Sequence,
		SegmentID:     evt.Segment.SegmentID,
		AttemptID:     evt.Segment.AttemptID,
		LoadTimestamp: evt.Segment.LoadTimestamp,
		UpdatedAt:     evt.Timestamp,
	}
	return ct.save()
}

func (ct *ChainTracker) load() error {
	data, err := os.ReadFile(ct.filePath)
	if err != nil {
		return err
	}
	var heads chainHeads
	if err := json.Unmarshal(data, &heads); err != nil {
		return err
	}
	if heads.Version != chainHeadsVersion {
		return fmt.Errorf("unsupported chain heads version %d", heads.Version)
	}
	for k, v := range heads.Tables {
		ct.heads[k] = v
	}
	return nil
}

func (ct *ChainTracker) save() error {
	data, err := json.MarshalIndent(chainHeads{Version: chainHeadsVersion, Tables: ct.heads}, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := ct.filePath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, ct.filePath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// VerifyChain checks that events, in emission order, form unbroken chains:
// per table, sequences start at 1 and are contiguous, every event links the
// previous one's hash, and every hash matches the event's content.
func VerifyChain(events []Event) error {
	last := make(map[string]ChainInfo)
	for i := range events {
		evt := &events[i]
		key := evt.Segment.ChainKey()
		prev := last[key]

		if got := ComputeEventHash(evt); got != evt.Chain.EventHash {
			return fmt.Errorf("%w: %s event %s content does not match its hash", ErrChainBroken, key, evt.EventID)
		}
		if evt.Chain.Sequence != prev.Sequence+1 {
			return fmt.Errorf("%w: %s event %s has sequence %d, want %d",
				ErrChainBroken, key, evt.EventID, evt.Chain.Sequence, prev.Sequence+1)
		}
		if evt.Chain.PrevEventHash != prev.EventHash {
			return fmt.Errorf("%w: %s event %s does not link the previous event", ErrChainBroken, key, evt.EventID)
		}
		last[key] = evt.Chain
	}
	return nil
}

// GenerateEventID creates a unique event ID.
func GenerateEventID() string {
	return "evt_" + uuid.NewString()
}
