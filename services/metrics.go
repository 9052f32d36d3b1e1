package services

import (
	"community-sync/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	records  *prometheus.CounterVec
	runs     *prometheus.CounterVec
	pages    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the instruments with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_records_total",
			Help: "Records reconciled, by dataset and outcome.",
		}, []string{"dataset", "outcome"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_runs_total",
			Help: "Finished import runs, by dataset and status.",
		}, []string{"dataset", "status"}),
		pages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "etl_pages_fetched_total",
			Help: "Upstream pages fetched, by dataset.",
		}, []string{"dataset"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etl_run_duration_seconds",
			Help:    "Wall-clock duration of import runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300, 600},
		}, []string{"dataset"}),
	}
}

func (m *Metrics) ObserveRecord(dataset models.Dataset, outcome models.ReconcileOutcome) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(string(dataset), string(outcome)).Inc()
}

func (m *Metrics) ObservePage(dataset models.Dataset) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(string(dataset)).Inc()
}

// ObserveRun counts a finished run as completed, truncated or failed
func (m *Metrics) ObserveRun(report models.RunReport) {
	if m == nil {
		return
	}
	status := "completed"
	switch {
	case !report.Success:
		status = "failed"
	case report.TruncatedByTimeout:
		status = "truncated"
	}
	m.runs.WithLabelValues(string(report.Dataset), status).Inc()
	m.duration.WithLabelValues(string(report.Dataset)).Observe(report.Duration().Seconds())
}
