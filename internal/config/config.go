package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Load       LoadConfig
	Ledger     LedgerConfig
	Storage    StorageConfig
	Source     SourceConfig
	Perf       PerfConfig
	Checkpoint CheckpointConfig
	Sweep      SweepConfig
	Audit      AuditConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

type LoadConfig struct {
	Table         string
	Partition     string
	SegmentID     string
	FactTimestamp time.Time
	Overwrite     bool
	AttemptID     string
	ConfPath      string
}

type LedgerConfig struct {
	Backend       string // "file" | "postgres"
	Dir           string
	PostgresDSN   string
	LockTimeout   time.Duration
	CommitRetries int
	RetryBackoff  time.Duration
}

type StorageConfig struct {
	URL    string
	Prefix string
}

type SourceConfig struct {
	URL         string
	Prefix      string
	Compression string // parquet compression for task files
}

type PerfConfig struct {
	Workers       int
	QueueSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
}

type CheckpointConfig struct {
	Enabled bool
	Dir     string
}

type SweepConfig struct {
	StaleAfter time.Duration
}

type AuditConfig struct {
	Enabled  bool
	Endpoint string
	Dir      string
}

type LogConfig struct {
	Format string
	Level  string
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// MustLoad reads configuration from environment variables. Malformed values
// fall back to defaults with a log line.
func MustLoad() Config {
	log.Println("[config] loading")

	return Config{
		Load: LoadConfig{
			Table:         os.Getenv("TABLE_NAME"),
			Partition:     os.Getenv("TABLE_PARTITION"),
			SegmentID:     os.Getenv("SEGMENT_ID"),
			FactTimestamp: parseTime("FACT_TIMESTAMP"),
			Overwrite:     os.Getenv("OVERWRITE") == "true",
			AttemptID:     os.Getenv("JOB_ATTEMPT_ID"),
			ConfPath:      os.Getenv("JOB_CONF_PATH"),
		},
		Ledger: LedgerConfig{
			Backend:       getenvDefault("LEDGER_BACKEND", "file"),
			Dir:           getenvDefault("LEDGER_DIR", "./data/tables"),
			PostgresDSN:   os.Getenv("LEDGER_DSN"),
			LockTimeout:   time.Duration(getenvInt("LEDGER_LOCK_TIMEOUT_MS", 10000)) * time.Millisecond,
			CommitRetries: getenvInt("COMMIT_RETRIES", 3),
			RetryBackoff:  time.Duration(getenvInt("COMMIT_RETRY_BACKOFF_MS", 200)) * time.Millisecond,
		},
		Storage: StorageConfig{
			URL:    getenvDefault("STORAGE_URL", "file://./data/warehouse"),
			Prefix: os.Getenv("STORAGE_PREFIX"),
		},
		Source: SourceConfig{
			URL:         os.Getenv("SOURCE_URL"),
			Prefix:      os.Getenv("SOURCE_PREFIX"),
			Compression: getenvDefault("PARQUET_COMPRESSION", "snappy"),
		},
		Perf: PerfConfig{
			Workers:       getenvInt("WORKERS", 4),
			QueueSize:     getenvInt("QUEUE_SIZE", 0),
			RetryAttempts: getenvInt("RETRY_ATTEMPTS", 3),
			RetryBackoff:  time.Duration(getenvInt("RETRY_BACKOFF_MS", 1000)) * time.Millisecond,
		},
		Checkpoint: CheckpointConfig{
			Enabled: getenvDefault("CHECKPOINT_ENABLED", "true") == "true",
			Dir:     getenvDefault("CHECKPOINT_DIR", "./state"),
		},
		Sweep: SweepConfig{
			StaleAfter: getenvDuration("SWEEP_STALE_AFTER", 24*time.Hour),
		},
		Audit: AuditConfig{
			Enabled:  os.Getenv("AUDIT_ENABLED") == "true",
			Endpoint: os.Getenv("AUDIT_ENDPOINT"),
			Dir:      getenvDefault("AUDIT_DIR", "./state/audit"),
		},
		Log: LogConfig{
			Format: getenvDefault("LOG_FORMAT", "json"),
			Level:  getenvDefault("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Enabled: getenvDefault("METRICS_ENABLED", "true") == "true",
			Addr:    getenvDefault("METRICS_ADDR", ":9090"),
		},
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, def)
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, def)
		return def
	}
	return parsed
}

func parseTime(key string) time.Time {
	v := os.Getenv(key)
	if v == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, ignoring", key, v)
		return time.Time{}
	}
	return parsed
}
