package ledger

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-segment-loader/internal/metrics"
)

//go:embed schema.sql
var schemaSQL string

// pgLockNotAvailable is raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

// PostgresStore keeps a table's ledger in one row of segment_ledger. The row
// lock taken by SELECT ... FOR UPDATE serializes updates; readers use plain
// MVCC selects and never wait on it.
type PostgresStore struct {
	pool        *pgxpool.Pool
	table       string
	lockTimeout time.Duration
	log         *slog.Logger
}

// NewPostgresStore connects to dsn and ensures the schema and table row exist.
func NewPostgresStore(ctx context.Context, dsn, table string, lockTimeout time.Duration) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool:        pool,
		table:       table,
		lockTimeout: lockTimeoutOrDefault(lockTimeout),
		log:         logging.Component("ledger").With("backend", "postgres", "table", table),
	}

	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.log.Info("connected to PostgreSQL ledger")
	return s, nil
}

// initSchema creates segment_ledger and this table's row if missing.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO segment_ledger (table_name) VALUES ($1) ON CONFLICT (table_name) DO NOTHING`,
		s.table)
	if err != nil {
		return fmt.Errorf("ensure ledger row: %w", err)
	}
	return nil
}

// Read returns the last committed snapshot.
func (s *PostgresStore) Read(ctx context.Context) (Snapshot, error) {
	query := `
		SELECT version, entries, updated_at
		FROM segment_ledger
		WHERE table_name = $1
	`

	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, s.table))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read ledger: %w", ErrIOFailure, err)
	}
	return snap, nil
}

// Update applies fn inside a transaction holding the table row lock.
func (s *PostgresStore) Update(ctx context.Context, fn Mutator) (Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Snapshot{}, s.fail(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback(ctx)

	// SET does not take bind parameters.
	setTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, setTimeout); err != nil {
		return Snapshot{}, s.fail(fmt.Errorf("set lock_timeout: %w", err))
	}

	waitStart := time.Now()
	cur, err := scanSnapshot(tx.QueryRow(ctx, `
		SELECT version, entries, updated_at
		FROM segment_ledger
		WHERE table_name = $1
		FOR UPDATE
	`, s.table))
	if m := metrics.Get(); m != nil {
		m.ObserveLockWait(s.table, "postgres", time.Since(waitStart).Seconds())
	}
	if err != nil {
		return Snapshot{}, s.fail(fmt.Errorf("lock ledger row: %w", err))
	}

	next, err := fn(CloneEntries(cur.Entries))
	if errors.Is(err, ErrNoChange) {
		s.record("unchanged")
		return cur, nil
	}
	if err != nil {
		s.record("rejected")
		return Snapshot{}, err
	}

	if next == nil {
		next = []Entry{}
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return Snapshot{}, s.fail(fmt.Errorf("marshal entries: %w", err))
	}

	snap := Snapshot{Version: cur.Version + 1, Entries: next}
	err = tx.QueryRow(ctx, `
		UPDATE segment_ledger
		SET version = $2, entries = $3, updated_at = NOW()
		WHERE table_name = $1
		RETURNING updated_at
	`, s.table, int64(snap.Version), raw).Scan(&snap.UpdatedAt)
	if err != nil {
		return Snapshot{}, s.fail(fmt.Errorf("write ledger: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, s.fail(fmt.Errorf("commit: %w", err))
	}

	s.record("ok")
	publishState(s.table, snap)
	return snap.Clone(), nil
}

// fail classifies a database error as a lock timeout or an I/O failure.
func (s *PostgresStore) fail(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		err = fmt.Errorf("%w: %w", ErrLockTimeout, err)
	} else {
		err = fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	s.log.Warn("ledger update failed", "error", err)
	s.record(failureResult(err))
	return err
}

func (s *PostgresStore) record(result string) {
	if m := metrics.Get(); m != nil {
		m.IncLedgerUpdate(s.table, "postgres", result)
	}
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var (
		version int64
		raw     []byte
		snap    Snapshot
	)
	if err := row.Scan(&version, &raw, &snap.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	snap.Version = uint64(version)
	if err := json.Unmarshal(raw, &snap.Entries); err != nil {
		return Snapshot{}, fmt.Errorf("parse entries: %w", err)
	}
	if len(snap.Entries) == 0 {
		snap.Entries = nil
	}
	return snap, nil
}

var _ Store = (*PostgresStore)(nil)
