package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"actnexus/internal/books/models"
)

// Metrics tracks book processing runs.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	RunsStarted   prometheus.Counter
	RunOutcomes   *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	ActsPersisted prometheus.Counter
	ActsSkipped   prometheus.Counter
	RunPanics     prometheus.Counter
	Reclaimed     prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "actnexus_book_status_transitions_total",
			Help: "Book status transitions by source and target status",
		}, []string{"from", "to"}),
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "actnexus_processing_runs_started_total",
			Help: "Processing runs handed to the work queue",
		}),
		RunOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "actnexus_processing_run_outcomes_total",
			Help: "Finished processing runs by outcome",
		}, []string{"outcome"}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "actnexus_processing_run_duration_seconds",
			Help:    "Duration of processing runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		ActsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "actnexus_processing_acts_persisted_total",
			Help: "Acts persisted from extraction results",
		}),
		ActsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "actnexus_processing_acts_skipped_total",
			Help: "Extracted acts rejected by validation or persistence",
		}),
		RunPanics: promauto.NewCounter(prometheus.CounterOpts{
			Name: "actnexus_processing_run_panics_total",
			Help: "Processing runs that panicked",
		}),
		Reclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "actnexus_processing_runs_reclaimed_total",
			Help: "Abandoned processing runs failed by the reclaimer",
		}),
	}
}

// RecordTransition implements the status machine's transition hook.
func (m *Metrics) RecordTransition(from, to models.Status) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) IncRunsStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}

func (m *Metrics) ObserveRun(outcome models.OutcomeKind, d time.Duration, persisted, skipped int) {
	if m == nil {
		return
	}
	m.RunOutcomes.WithLabelValues(string(outcome)).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.ActsPersisted.Add(float64(persisted))
	m.ActsSkipped.Add(float64(skipped))
}

func (m *Metrics) IncPanics() {
	if m == nil {
		return
	}
	m.RunPanics.Inc()
}

func (m *Metrics) AddReclaimed(n int) {
	if m == nil {
		return
	}
	m.Reclaimed.Add(float64(n))
}
