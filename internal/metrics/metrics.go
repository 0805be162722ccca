// Package metrics provides Prometheus metrics for the segment loader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the segment loader.
type Metrics struct {
	// Lifecycle metrics
	Setups  *prometheus.CounterVec
	Commits *prometheus.CounterVec
	Aborts  *prometheus.CounterVec

	// Ledger metrics
	LedgerUpdates  *prometheus.CounterVec
	LedgerLockWait *prometheus.HistogramVec
	LedgerEntries  *prometheus.GaugeVec
	LedgerVersion  *prometheus.GaugeVec
	CommitDuration *prometheus.HistogramVec
	AbortFailures  *prometheus.CounterVec
	RetryAttempts  *prometheus.CounterVec

	// Write task metrics
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	BytesWritten   *prometheus.CounterVec
	RowsWritten    *prometheus.CounterVec

	// Recovery metrics
	SweptEntries   *prometheus.CounterVec
	OrphansDeleted *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	return InitWith(prometheus.DefaultRegisterer, namespace)
}

// InitWith registers the metrics on reg and installs them as the global set.
func InitWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "segment_loader"
	}
	f := promauto.With(reg)

	m := &Metrics{
		Setups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "setups_total",
				Help:      "Total number of load setups by result",
			},
			[]string{"table", "result"},
		),
		Commits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Total number of load commits by result",
			},
			[]string{"table", "result"},
		),
		Aborts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aborts_total",
				Help:      "Total number of load aborts",
			},
			[]string{"table"},
		),
		LedgerUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_updates_total",
				Help:      "Total number of ledger update attempts by result",
			},
			[]string{"table", "backend", "result"},
		),
		LedgerLockWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_lock_wait_seconds",
				Help:      "Time spent waiting for the ledger update lock",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"table", "backend"},
		),
		LedgerEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_entries",
				Help:      "Number of ledger entries by status after the last update",
			},
			[]string{"table", "status"},
		),
		LedgerVersion: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_version",
				Help:      "Ledger version after the last update",
			},
			[]string{"table"},
		),
		CommitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Time to commit a load (size query + ledger update)",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"table"},
		),
		AbortFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "abort_failures_total",
				Help:      "Total number of aborts whose ledger update failed",
			},
			[]string{"table"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"table", "operation"},
		),
		TasksCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of write tasks completed",
			},
			[]string{"table"},
		),
		TasksFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_failed_total",
				Help:      "Total number of write tasks that failed",
			},
			[]string{"table"},
		),
		BytesWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Total bytes of data files written",
			},
			[]string{"table"},
		),
		RowsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Total rows written to data files",
			},
			[]string{"table"},
		),
		SweptEntries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swept_entries_total",
				Help:      "Total stale in-progress entries marked failed by the recovery sweep",
			},
			[]string{"table"},
		),
		OrphansDeleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_deleted_total",
				Help:      "Total orphaned segment attempt directories deleted",
			},
			[]string{"table"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncSetup counts a setup outcome ("ok", "conflict", "unavailable", "error").
func (m *Metrics) IncSetup(table, result string) {
	m.Setups.WithLabelValues(table, result).Inc()
}

// IncCommit counts a commit outcome.
func (m *Metrics) IncCommit(table, result string) {
	m.Commits.WithLabelValues(table, result).Inc()
}

// IncAbort counts an abort.
func (m *Metrics) IncAbort(table string) {
	m.Aborts.WithLabelValues(table).Inc()
}

// IncAbortFailure counts an abort whose ledger update was swallowed.
func (m *Metrics) IncAbortFailure(table string) {
	m.AbortFailures.WithLabelValues(table).Inc()
}

// IncLedgerUpdate counts a ledger update outcome.
func (m *Metrics) IncLedgerUpdate(table, backend, result string) {
	m.LedgerUpdates.WithLabelValues(table, backend, result).Inc()
}

// ObserveLockWait records how long an update waited for the lock.
func (m *Metrics) ObserveLockWait(table, backend string, seconds float64) {
	m.LedgerLockWait.WithLabelValues(table, backend).Observe(seconds)
}

// SetLedgerState publishes the per-status entry counts and version.
func (m *Metrics) SetLedgerState(table string, version uint64, counts map[string]int) {
	m.LedgerVersion.WithLabelValues(table).Set(float64(version))
	for status, n := range counts {
		m.LedgerEntries.WithLabelValues(table, status).Set(float64(n))
	}
}

// ObserveCommitDuration records the total commit time.
func (m *Metrics) ObserveCommitDuration(table string, seconds float64) {
	m.CommitDuration.WithLabelValues(table).Observe(seconds)
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(table, operation string) {
	m.RetryAttempts.WithLabelValues(table, operation).Inc()
}

// AddTaskOutput records a completed write task.
func (m *Metrics) AddTaskOutput(table string, rows, bytes int64) {
	m.TasksCompleted.WithLabelValues(table).Inc()
	m.RowsWritten.WithLabelValues(table).Add(float64(rows))
	m.BytesWritten.WithLabelValues(table).Add(float64(bytes))
}

// IncTaskFailed increments the failed task counter.
func (m *Metrics) IncTaskFailed(table string) {
	m.TasksFailed.WithLabelValues(table).Inc()
}

// AddSwept records stale entries reclaimed by the sweep.
func (m *Metrics) AddSwept(table string, n int) {
	m.SweptEntries.WithLabelValues(table).Add(float64(n))
}

// AddOrphansDeleted records deleted orphan directories.
func (m *Metrics) AddOrphansDeleted(table string, n int) {
	m.OrphansDeleted.WithLabelValues(table).Add(float64(n))
}
