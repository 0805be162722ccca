package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMustLoadDefaults(t *testing.T) {
	for _, key := range []string{"TABLE_NAME", "LEDGER_BACKEND", "WORKERS", "SWEEP_STALE_AFTER", "OVERWRITE", "CHECKPOINT_ENABLED"} {
		t.Setenv(key, "")
	}

	cfg := MustLoad()

	assert.Equal(t, "file", cfg.Ledger.Backend)
	assert.Equal(t, 10*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 3, cfg.Ledger.CommitRetries)
	assert.Equal(t, 4, cfg.Perf.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.StaleAfter)
	assert.False(t, cfg.Load.Overwrite)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.True(t, cfg.Load.FactTimestamp.IsZero())
}

func TestMustLoadFromEnv(t *testing.T) {
	t.Setenv("TABLE_NAME", "events")
	t.Setenv("TABLE_PARTITION", "eu")
	t.Setenv("SEGMENT_ID", "12")
	t.Setenv("OVERWRITE", "true")
	t.Setenv("FACT_TIMESTAMP", "2026-10-15T00:00:00Z")
	t.Setenv("LEDGER_BACKEND", "postgres")
	t.Setenv("LEDGER_LOCK_TIMEOUT_MS", "250")
	t.Setenv("WORKERS", "8")
	t.Setenv("SWEEP_STALE_AFTER", "90m")
	t.Setenv("CHECKPOINT_ENABLED", "false")

	cfg := MustLoad()

	assert.Equal(t, "events", cfg.Load.Table)
	assert.Equal(t, "eu", cfg.Load.Partition)
	assert.Equal(t, "12", cfg.Load.SegmentID)
	assert.True(t, cfg.Load.Overwrite)
	assert.True(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC).Equal(cfg.Load.FactTimestamp))
	assert.Equal(t, "postgres", cfg.Ledger.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.LockTimeout)
	assert.Equal(t, 8, cfg.Perf.Workers)
	assert.Equal(t, 90*time.Minute, cfg.Sweep.StaleAfter)
	assert.False(t, cfg.Checkpoint.Enabled)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("WORKERS", "many")
	t.Setenv("SWEEP_STALE_AFTER", "soon")
	t.Setenv("FACT_TIMESTAMP", "yesterday")

	cfg := MustLoad()

	assert.Equal(t, 4, cfg.Perf.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Sweep.StaleAfter)
	assert.True(t, cfg.Load.FactTimestamp.IsZero())
}
