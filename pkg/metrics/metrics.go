// Package metrics declares the Prometheus collectors of the synchronization
// core. Collectors are registered on the default registry at init time and
// exposed by promhttp in cmd/mailarchive.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_connections_total",
			Help: "Total number of outbound connection attempts",
		},
		[]string{"route", "result"},
	)

	ConnectDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailarchive_connect_duration_seconds",
			Help:    "Time to establish an outbound TCP or SOCKS5 connection",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route"},
	)

	IOTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_io_timeouts_total",
			Help: "Reads or writes aborted by an idle deadline",
		},
		[]string{"direction"},
	)
)

// IMAP session metrics
var (
	IMAPCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_imap_commands_total",
			Help: "IMAP commands issued against remote servers",
		},
		[]string{"command", "status"},
	)

	IMAPCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailarchive_imap_command_duration_seconds",
			Help:    "Duration of IMAP commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_imap_logins_total",
			Help: "IMAP authentication attempts",
		},
		[]string{"mechanism", "result"},
	)
)

// Pool and registry metrics
var (
	PoolSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailarchive_pool_sessions",
			Help: "Sessions held by account pools",
		},
		[]string{"state"},
	)

	PoolAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailarchive_pool_acquire_duration_seconds",
			Help:    "Time spent waiting for a pooled session",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	PoolAcquireTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarchive_pool_acquire_timeouts_total",
			Help: "Acquire calls that gave up on an exhausted pool",
		},
	)

	ExecutorsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailarchive_executors_active",
			Help: "Accounts with a live executor",
		},
	)

	ExecutorBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_executor_builds_total",
			Help: "Executor builds by outcome (stored, discarded, failed)",
		},
		[]string{"outcome"},
	)
)

// Discovery metrics
var (
	DiscoveryPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_discovery_passes_total",
			Help: "Folder discovery passes by result",
		},
		[]string{"result"},
	)

	DiscoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailarchive_discovery_duration_seconds",
			Help:    "Duration of a complete discovery and reconcile pass",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	FolderChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_folder_changes_total",
			Help: "Remote folders detected as added or removed",
		},
		[]string{"kind"},
	)

	MailboxesPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarchive_mailboxes_purged_total",
			Help: "Cached mailboxes deleted and handed to the index purge",
		},
	)
)

// Store metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailarchive_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_cache_operations_total",
			Help: "Mailbox cache operations",
		},
		[]string{"operation", "status"},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailarchive_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "code"},
	)

	HTTPRequestTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailarchive_http_request_timeouts_total",
			Help: "HTTP API requests that exceeded their deadline",
		},
	)
)

// Status renders an error as the "status" label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveSince records the elapsed time on a histogram.
func ObserveSince(o prometheus.Observer, start time.Time) {
	o.Observe(time.Since(start).Seconds())
}
