package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskman"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	workerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "requests_total",
			Help:      "Requests sent to workers by outcome.",
		},
		[]string{"worker", "kind", "outcome"},
	)
	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "request_duration_seconds",
			Help:      "Round trip time of worker requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"worker", "kind", "outcome"},
	)
	workerPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		},
		[]string{"worker"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Worker restarts by reason.",
		},
		[]string{"worker", "reason"},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Worker process exits by classification.",
		},
		[]string{"worker", "class"},
	)
	protocolAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "anomalies_total",
			Help:      "Malformed or unexpected messages that were dropped.",
		},
		[]string{"worker", "reason"},
	)
)

// Request outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeExited   = "exited"
)

// Exit classes.
const (
	ExitExpected = "expected"
	ExitCrash    = "crash"
	ExitKilled   = "killed"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			workerRequests, workerDuration, workerPending,
			workerRestarts, workerExits, protocolAnomalies,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordWorkerRequest(worker, kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	workerRequests.WithLabelValues(worker, kind, outcome).Inc()
	workerDuration.WithLabelValues(worker, kind, outcome).Observe(duration.Seconds())
}

func SetWorkerPending(worker string, n int) {
	RegisterMetrics()
	workerPending.WithLabelValues(worker).Set(float64(n))
}

func RecordWorkerRestart(worker, reason string) {
	RegisterMetrics()
	workerRestarts.WithLabelValues(worker, reason).Inc()
}

func RecordWorkerExit(worker, class string) {
	RegisterMetrics()
	workerExits.WithLabelValues(worker, class).Inc()
}

func RecordProtocolAnomaly(worker, reason string) {
	RegisterMetrics()
	protocolAnomalies.WithLabelValues(worker, reason).Inc()
}
