package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPEmitter sends events to an HTTP endpoint, keeping a local copy.
type HTTPEmitter struct {
	endpoint     string
	retries      int
	retryBackoff time.Duration
	client       *http.Client
	chainTracker *ChainTracker
	backup       *FileBackup
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chainTracker, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &HTTPEmitter{
		endpoint:     cfg.Endpoint,
		retries:      3,
		retryBackoff: time.Second,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		chainTracker: chainTracker,
		backup:       backup,
	}, nil
}

// Emit sends an event to the configured endpoint.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	chainKey := evt.Segment.ChainKey()

	// 1. Link on the table's chain head
	prepare(evt)
	e.chainTracker.Link(evt)

	log.Printf("[audit] emitting %s for %s segment=%s sequence=%d",
		evt.EventType, chainKey, evt.Segment.SegmentID, evt.Chain.Sequence)
	if evt.Chain.PrevEventHash == "" {
		log.Printf("[audit] prev_hash=null (first in chain)")
	}

	// 2. Backup to local file (always, before HTTP)
	if err := e.backup.Save(evt); err != nil {
		log.Printf("[audit] warning: backup failed: %v", err)
	}

	// 3. POST to endpoint (with retry)
	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}

	// 4. Advance chain head
	if err := e.chainTracker.Advance(evt); err != nil {
		log.Printf("[audit] warning: failed to update chain head: %v", err)
	}

	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.retries-1)), ctx)

	return backoff.RetryNotify(func() error {
		return e.post(ctx, evt)
	}, policy, func(err error, wait time.Duration) {
		log.Printf("[audit] POST failed: %v, retrying in %v", err, wait)
	})
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	err = fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
