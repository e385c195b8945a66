package indexer

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the per-process Prometheus collectors shared by all workers
// registered against a single registry; each metric is labeled by partition
// so one registry can serve every worker in the process.
type Metrics struct {
	roundsTotal       *prometheus.CounterVec
	roundErrorsTotal  *prometheus.CounterVec
	recordsIndexed    *prometheus.CounterVec
	recordsDropped    *prometheus.CounterVec
	commitLatency     *prometheus.HistogramVec
	reconnectsTotal   *prometheus.CounterVec
	lastCommittedGuge *prometheus.GaugeVec
}

// NewMetrics creates and registers a Metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_rounds_total",
			Help: "Total number of rounds completed, labeled by outcome.",
		}, []string{"topic", "partition", "outcome"}),
		roundErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_round_errors_total",
			Help: "Total number of round failures, labeled by classified error kind.",
		}, []string{"topic", "partition", "kind"}),
		recordsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_records_indexed_total",
			Help: "Total number of records successfully posted to the sink.",
		}, []string{"topic", "partition"}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_records_dropped_total",
			Help: "Total number of records skipped due to transform or sink-data failures.",
		}, []string{"topic", "partition"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexer_commit_latency_seconds",
			Help:    "Latency of successful offset commits.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "partition"}),
		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_reconnects_total",
			Help: "Total number of LogClient.Reconnect attempts, labeled by outcome.",
		}, []string{"topic", "partition", "outcome"}),
		lastCommittedGuge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "indexer_last_committed_offset",
			Help: "Last offset committed by this worker.",
		}, []string{"topic", "partition"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.roundsTotal,
			m.roundErrorsTotal,
			m.recordsIndexed,
			m.recordsDropped,
			m.commitLatency,
			m.reconnectsTotal,
			m.lastCommittedGuge,
		)
	}
	return m
}
