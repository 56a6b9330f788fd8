package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/threatwire/clusterd/models"
)

// Metrics exposes run-level counters for the ops /metrics endpoint.
type Metrics struct {
	runsTotal          *prometheus.CounterVec
	runDuration        prometheus.Histogram
	articlesConsidered prometheus.Counter
	clustersCreated    prometheus.Counter
	clustersMerged     prometheus.Counter
	articlesSkipped    *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterd_runs_total",
			Help: "Clustering runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clusterd_run_duration_seconds",
			Help:    "Wall-clock duration of clustering runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		articlesConsidered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterd_articles_considered_total",
			Help: "Articles pulled into clustering runs.",
		}),
		clustersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterd_clusters_created_total",
			Help: "New clusters committed.",
		}),
		clustersMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterd_clusters_merged_total",
			Help: "Candidate sets merged into existing clusters.",
		}),
		articlesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterd_articles_skipped_total",
			Help: "Articles skipped per run, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.runsTotal, m.runDuration, m.articlesConsidered,
		m.clustersCreated, m.clustersMerged, m.articlesSkipped)
	return m
}

func (m *Metrics) observeRun(status string, seconds float64, summary models.RunSummary) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
	m.articlesConsidered.Add(float64(summary.ArticlesConsidered))
	m.clustersCreated.Add(float64(summary.ClustersCreated))
	m.clustersMerged.Add(float64(summary.ClustersMerged))
	m.articlesSkipped.WithLabelValues(models.SkipReasonEmbedding).Add(float64(summary.SkippedEmbedding))
	m.articlesSkipped.WithLabelValues(models.SkipReasonUnresolved).Add(float64(summary.SkippedUnresolved))
	m.articlesSkipped.WithLabelValues(models.SkipReasonValidation).Add(float64(summary.SkippedValidation))
}
