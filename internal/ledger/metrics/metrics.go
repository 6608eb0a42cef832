package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks AI usage as recorded by the ledger.
type Metrics struct {
	Calls        *prometheus.CounterVec
	Tokens       *prometheus.CounterVec
	Cost         *prometheus.CounterVec
	CallLatency  *prometheus.HistogramVec
	SweepDeleted prometheus.Counter
	StaleFailed  prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Calls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "actnexus_ai_calls_total",
			Help: "Finalized AI calls by operation type and status",
		}, []string{"operation_type", "status"}),
		Tokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "actnexus_ai_tokens_total",
			Help: "Estimated AI tokens by operation type and direction",
		}, []string{"operation_type", "direction"}),
		Cost: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "actnexus_ai_cost_total",
			Help: "Estimated AI cost by operation type",
		}, []string{"operation_type"}),
		CallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "actnexus_ai_call_duration_seconds",
			Help:    "AI call latency by operation type",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"operation_type"}),
		SweepDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "actnexus_ai_usage_sweep_deleted_total",
			Help: "Ledger entries removed by the retention sweep",
		}),
		StaleFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "actnexus_ai_usage_stale_failed_total",
			Help: "Pending ledger entries finalized as abandoned",
		}),
	}
}

// ObserveCompletion records one finalized call.
func (m *Metrics) ObserveCompletion(operationType, status string, tokensIn, tokensOut int, cost float64, latency time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(operationType, status).Inc()
	m.Tokens.WithLabelValues(operationType, "in").Add(float64(tokensIn))
	m.Tokens.WithLabelValues(operationType, "out").Add(float64(tokensOut))
	m.Cost.WithLabelValues(operationType).Add(cost)
	m.CallLatency.WithLabelValues(operationType).Observe(latency.Seconds())
}

func (m *Metrics) AddSweepDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepDeleted.Add(float64(n))
}

func (m *Metrics) AddStaleFailed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleFailed.Add(float64(n))
}
