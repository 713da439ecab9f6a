package obs

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine metrics: provisioning outcomes, audit throughput, evaluator load.
var (
	provisionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provision_requests_total",
			Help: "Provisioning requests by action and terminal state.",
		},
		[]string{"action", "outcome"},
	)

	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provision_commit_duration_seconds",
			Help:    "Latency of provisioning requests, validation through commit.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	auditRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_records_total",
		Help: "Audit records appended to the ledger.",
	})

	accessQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_queries_total",
			Help: "Access evaluator queries by operation.",
		},
		[]string{"op"},
	)
)

var initOnce sync.Once

// Init registers the engine metrics with the default registry. Safe to call
// from every entrypoint; registration happens once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(provisionRequests, provisionDuration, auditRecords, accessQueries)
	})
}

// Handler exposes the default registry; the host application decides where,
// and whether, to mount it.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProvision records one finished provisioning request.
func ObserveProvision(action, outcome string, d time.Duration) {
	provisionRequests.WithLabelValues(action, outcome).Inc()
	provisionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// CountAuditRecord records one appended audit record.
func CountAuditRecord() {
	auditRecords.Inc()
}

// CountAccessQuery records one evaluator read.
func CountAccessQuery(op string) {
	accessQueries.WithLabelValues(op).Inc()
}
