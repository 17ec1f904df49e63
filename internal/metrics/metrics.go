// Package metrics exposes Prometheus collectors for the workspace API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folio_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "folio_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	movesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folio_moves_total",
			Help: "Move, rename and create-directory requests by operation and result",
		},
		[]string{"operation", "result"},
	)

	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folio_syncs_total",
			Help: "Remote sync attempts by outcome",
		},
		[]string{"outcome"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "folio_sync_duration_seconds",
			Help:    "Time to commit a move batch to the remote",
			Buckets: prometheus.DefBuckets,
		},
	)

	refetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folio_refetches_total",
			Help: "Remote tree refetches by trigger",
		},
		[]string{"trigger"},
	)

	treeEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "folio_tree_entries",
			Help: "Entries in the last fetched tree per repository",
		},
		[]string{"repo"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest is keyed by method and status only; paths carry user
// data and would explode cardinality.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordMove counts an accepted operation when reason is empty, otherwise a
// rejection with that reason.
func RecordMove(operation, reason string) {
	result := "accepted"
	if reason != "" {
		result = reason
	}
	movesTotal.WithLabelValues(operation, result).Inc()
}

func RecordSync(outcome string, duration time.Duration) {
	syncsTotal.WithLabelValues(outcome).Inc()
	syncDuration.Observe(duration.Seconds())
}

func RecordRefetch(trigger string) {
	refetchesTotal.WithLabelValues(trigger).Inc()
}

func SetTreeEntries(repo string, count int) {
	treeEntries.WithLabelValues(repo).Set(float64(count))
}
