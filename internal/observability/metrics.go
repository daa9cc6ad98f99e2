package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "locations_consensus"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// consensus pipeline and the locations API.
type Metrics struct {
	ObservationsConsumed prometheus.Counter
	InvalidObservations  prometheus.Counter
	ConsensusPublished   prometheus.Counter
	ConsensusFailures    *prometheus.CounterVec // labels: reason={empty_input,region_mismatch,reporting_point_mismatch,no_matches,other}
	GroundTruthSkips     prometheus.Counter
	OutliersRejected     prometheus.Counter
	PipelineRunning      prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram
	SiteRecomputeDuration   prometheus.Histogram

	// Serving metrics.
	PayloadCache      *prometheus.CounterVec // labels: result={hit,miss,error}
	ProjectionSkipped prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)

	prometheus.MustRegister(
		m.ObservationsConsumed,
		m.InvalidObservations,
		m.ConsensusPublished,
		m.ConsensusFailures,
		m.GroundTruthSkips,
		m.OutliersRejected,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.SiteRecomputeDuration,
		m.PayloadCache,
		m.ProjectionSkipped,
	)

	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}

	return &Metrics{
		ObservationsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_consumed_total",
			Help:      help("Total raw observation messages read from the source topic."),
		}),
		InvalidObservations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_invalid_total",
			Help:      help("Raw observation messages skipped because they could not be parsed."),
		}),
		ConsensusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_published_total",
			Help:      help("Consensus locations written to the store and the sink topic."),
		}),
		ConsensusFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_failures_total",
			Help:      help("Site recomputations that produced no location, by reason."),
		}, []string{"reason"}),
		GroundTruthSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ground_truth_skips_total",
			Help:      help("Site recomputations skipped because the stored location is ground truth."),
		}),
		OutliersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outliers_rejected_total",
			Help:      help("Raw observations discarded by the outlier filter."),
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      help("1 when the pipeline is active, 0 when shut down."),
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      help("Number of messages per batch extracted from Kafka."),
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      help("Duration of a complete extract-recompute-publish cycle."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		SiteRecomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "site_recompute_duration_seconds",
			Help:      help("Duration of loading, recomputing and storing one site."),
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		PayloadCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_cache_total",
			Help:      help("Region payload cache lookups by result."),
		}, []string{"result"}),
		ProjectionSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_skipped_total",
			Help:      help("Served locations whose EPSG:3857 annotation was skipped."),
		}),
	}
}
