package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamflow_ingest"

// Metrics holds the Prometheus counters, histograms, and gauges for an ingestion run.
type Metrics struct {
	BatchesFetched prometheus.Counter
	BatchesFailed  *prometheus.CounterVec // labels: stage={fetch,normalize}
	FetchRetries   prometheus.Counter
	FetchDuration  prometheus.Histogram

	EntitiesFetched     prometheus.Counter
	EntitiesDropped     prometheus.Counter
	EntitiesWritten     prometheus.Counter
	UnknownQualityFlags *prometheus.CounterVec // labels: flag

	Flushes       prometheus.Counter
	FlushDuration prometheus.Histogram

	EntitiesRemaining prometheus.Gauge
	PipelineRunning   prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.BatchesFetched,
		m.BatchesFailed,
		m.FetchRetries,
		m.FetchDuration,
		m.EntitiesFetched,
		m.EntitiesDropped,
		m.EntitiesWritten,
		m.UnknownQualityFlags,
		m.Flushes,
		m.FlushDuration,
		m.EntitiesRemaining,
		m.PipelineRunning,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		BatchesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_fetched_total",
			Help:      "Batches fetched from the remote service.",
		}),
		BatchesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Batches abandoned because of a malformed response or record.",
		}, []string{"stage"}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Repeated HTTP attempts after a transient failure.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one batch request, retries included.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		EntitiesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_fetched_total",
			Help:      "Entities with at least one record in a fetched batch.",
		}),
		EntitiesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_dropped_total",
			Help:      "Entities with no records left after quality filtering.",
		}),
		EntitiesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_written_total",
			Help:      "Entities durably written to the store.",
		}),
		UnknownQualityFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_quality_flags_total",
			Help:      "Entities carrying an unrecognized quality class, by NWIS qualification code or \"other\".",
		}, []string{"flag"}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Completed store flushes.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of a store flush.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		EntitiesRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities_remaining",
			Help:      "Entities of the run not yet written.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is active, 0 otherwise.",
		}),
	}
}
