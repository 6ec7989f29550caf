// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestsTotal    *prometheus.CounterVec
	apiRetriesTotal     *prometheus.CounterVec
	rateGateDelaySecs   prometheus.Histogram
	upsertsTotal        *prometheus.CounterVec
	edgesReconciled     *prometheus.CounterVec
	pagesFetchedTotal   *prometheus.CounterVec
	crawlRunsTotal      *prometheus.CounterVec
	crawlPhaseSeconds   *prometheus.HistogramVec
	storeRetriesTotal   prometheus.Counter
	recordsSkippedTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moltgraph_api_requests_total",
				Help: "Upstream API requests, labeled by endpoint and status class.",
			},
			[]string{"endpoint", "status_class"},
		)
		apiRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moltgraph_api_retries_total",
				Help: "Retry attempts against the upstream API, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)
		rateGateDelaySecs = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "moltgraph_rate_gate_delay_seconds",
				Help:    "Time spent blocked on the request-rate gate.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
		)
		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moltgraph_upserts_total",
				Help: "Node and edge upserts applied to the graph, labeled by kind and whether the write created the record.",
			},
			[]string{"kind", "created"},
		)
		edgesReconciled = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moltgraph_edges_reconciled_total",
				Help: "Set-membership edges started or ended by reconciliation, labeled by edge type and outcome.",
			},
			[]string{"edge_type", "outcome"},
		)
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moltgraph_pages_fetched_total",
				Help: "Paginated result pages consumed, labeled by crawl phase.",
			},
			[]string{"phase"},
		)
		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moltgraph_crawl_runs_total",
				Help: "Completed crawl runs, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)
		crawlPhaseSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "moltgraph_crawl_phase_seconds",
				Help:    "Wall time per completed crawl phase.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
			[]string{"phase"},
		)
		storeRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "moltgraph_store_write_retries_total",
				Help: "Graph store writes retried after a transient failure.",
			},
		)
		recordsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moltgraph_records_skipped_total",
				Help: "Upstream records dropped during normalization, labeled by reason.",
			},
			[]string{"reason"},
		)
	})
}

// ObserveAPIRequest records one upstream request outcome.
func ObserveAPIRequest(endpoint, statusClass string) {
	if apiRequestsTotal != nil {
		apiRequestsTotal.WithLabelValues(endpoint, statusClass).Inc()
	}
}

// ObserveAPIRetry records one retry attempt for an endpoint.
func ObserveAPIRetry(endpoint string) {
	if apiRetriesTotal != nil {
		apiRetriesTotal.WithLabelValues(endpoint).Inc()
	}
}

// ObserveRateGateDelay records time spent waiting on the rate gate.
func ObserveRateGateDelay(d time.Duration) {
	if rateGateDelaySecs != nil {
		rateGateDelaySecs.Observe(d.Seconds())
	}
}

// ObserveUpsert records a node or edge merge.
func ObserveUpsert(kind string, created bool) {
	if upsertsTotal != nil {
		upsertsTotal.WithLabelValues(kind, boolLabel(created)).Inc()
	}
}

// ObserveReconcile records started/ended counts from a set reconciliation.
func ObserveReconcile(edgeType string, started, ended int) {
	if edgesReconciled == nil {
		return
	}
	if started > 0 {
		edgesReconciled.WithLabelValues(edgeType, "started").Add(float64(started))
	}
	if ended > 0 {
		edgesReconciled.WithLabelValues(edgeType, "ended").Add(float64(ended))
	}
}

// ObservePage records a consumed listing page for a phase.
func ObservePage(phase string) {
	if pagesFetchedTotal != nil {
		pagesFetchedTotal.WithLabelValues(phase).Inc()
	}
}

// ObserveCrawlRun records a finished run.
func ObserveCrawlRun(mode, result string) {
	if crawlRunsTotal != nil {
		crawlRunsTotal.WithLabelValues(mode, result).Inc()
	}
}

// ObservePhaseDuration records wall time for a completed phase.
func ObservePhaseDuration(phase string, d time.Duration) {
	if crawlPhaseSeconds != nil {
		crawlPhaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
	}
}

// ObserveStoreRetry records one retried graph write.
func ObserveStoreRetry() {
	if storeRetriesTotal != nil {
		storeRetriesTotal.Inc()
	}
}

// ObserveSkippedRecord records a record dropped during normalization.
func ObserveSkippedRecord(reason string) {
	if recordsSkippedTotal != nil {
		recordsSkippedTotal.WithLabelValues(reason).Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
