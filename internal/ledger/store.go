// Package ledger persists the per-table segment status ledger.
//
// Every mutation goes through Store.Update, which takes an exclusive
// per-table lock, re-reads the committed snapshot, applies a mutator to a
// copy and swaps the result in atomically. Readers never see a partial
// ledger and never wait on the update lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockTimeout is returned when the update lock is not acquired within
	// the configured wait. The ledger is unchanged.
	ErrLockTimeout = errors.New("ledger lock timeout")

	// ErrIOFailure is returned when reading, writing or swapping the ledger
	// fails. The ledger is left in its last committed state.
	ErrIOFailure = errors.New("ledger io failure")

	// ErrNoChange may be returned by a Mutator to end an update without
	// writing a new version.
	ErrNoChange = errors.New("ledger unchanged")
)

// Mutator computes the next entry list from the current one. It receives a
// private copy and may modify it in place.
type Mutator func(entries []Entry) ([]Entry, error)

// Store is a durable, atomically updatable segment ledger for one table.
type Store interface {
	// Read returns the last committed snapshot.
	Read(ctx context.Context) (Snapshot, error)

	// Update applies fn under the exclusive lock and returns the snapshot it
	// committed. Mutator errors are returned unchanged and nothing is written.
	Update(ctx context.Context, fn Mutator) (Snapshot, error)

	// Close releases any resources.
	Close() error
}

// Config selects and configures a ledger backend.
type Config struct {
	Backend     string // "file" | "postgres"
	Dir         string // root directory for the file backend
	PostgresDSN string
	LockTimeout time.Duration
}

// DefaultLockTimeout bounds the wait for the update lock when none is configured.
const DefaultLockTimeout = 10 * time.Second

// Open returns the ledger store for table.
func Open(ctx context.Context, cfg Config, table string) (Store, error) {
	if table == "" {
		return nil, fmt.Errorf("table name required")
	}
	switch cfg.Backend {
	case "", "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("Dir required for file ledger")
		}
		return NewFileStore(cfg.Dir, table, cfg.LockTimeout)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("PostgresDSN required for postgres ledger")
		}
		return NewPostgresStore(ctx, cfg.PostgresDSN, table, cfg.LockTimeout)
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", cfg.Backend)
	}
}

// failureResult maps an update error to its metric label.
func failureResult(err error) string {
	if errors.Is(err, ErrLockTimeout) {
		return "lock_timeout"
	}
	return "io_failure"
}

func lockTimeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLockTimeout
	}
	return d
}
