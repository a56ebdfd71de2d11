// Package metrics provides Prometheus instrumentation for the match service:
// counters for match attempts and transaction churn, a gauge for waiting-pool
// depth, and a histogram for room provisioning latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchRequests counts match attempts by caller-visible result:
	// "queued", "matched", "not_ready", "already_matched",
	// "provisioning_failed" or "error".
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "match_requests_total",
		Help: "Total number of match attempts by result",
	}, []string{"result"})

	// WaitingPool tracks the current number of waiting users per mode.
	WaitingPool = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "match_waiting_pool_size",
		Help: "Current number of users waiting per mode",
	}, []string{"mode"})

	// TxnRetries counts claim-transaction re-runs caused by write conflicts
	// with concurrent match requests. Retry churn is internal and invisible
	// to callers; this counter is how it stays observable.
	TxnRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "match_claim_txn_retries_total",
		Help: "Claim transaction retries due to write conflicts",
	})

	// ProvisioningLatency records room provisioning call latency in seconds.
	ProvisioningLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "match_room_provisioning_seconds",
		Help:    "Room provisioning call latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// ReconcilerResets counts stuck claiming records returned to idle by the
	// background sweep.
	ReconcilerResets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "match_reconciler_resets_total",
		Help: "Stuck claiming records reset by the reconciler",
	})
)

func init() {
	prometheus.MustRegister(
		MatchRequests,
		WaitingPool,
		TxnRetries,
		ProvisioningLatency,
		ReconcilerResets,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
