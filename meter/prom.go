package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/editqueue"
)

// PromMeter exports queue events as Prometheus metrics.
type PromMeter struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	edits           *prometheus.CounterVec
	editDuration    *prometheus.HistogramVec
	cost            *prometheus.CounterVec
}

var _ editqueue.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PromMeter{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editqueue_provider_attempts_total",
			Help: "Provider calls, labeled by provider and outcome",
		}, []string{"provider", "fallback", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "editqueue_provider_attempt_duration_seconds",
			Help:    "Latency distribution of provider calls",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45, 90},
		}, []string{"provider"}),
		edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editqueue_edits_total",
			Help: "Edits that reached a terminal state",
		}, []string{"status", "error_type"}),
		editDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "editqueue_edit_duration_seconds",
			Help:    "Wall time from processing start to terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "editqueue_edit_cost_cents_total",
			Help: "Provider cost of completed edits in cents",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.attempts, m.attemptDuration, m.edits, m.editDuration, m.cost)
	return m
}

func (m *PromMeter) OnAttempt(e editqueue.AttemptEvent) {
	outcome := "success"
	if !e.Success {
		outcome = e.Failure.String()
	}
	fallback := "false"
	if e.Fallback {
		fallback = "true"
	}
	m.attempts.WithLabelValues(e.Provider, fallback, outcome).Inc()
	m.attemptDuration.WithLabelValues(e.Provider).Observe(e.Duration.Seconds())
}

func (m *PromMeter) OnOutcome(e editqueue.OutcomeEvent) {
	m.edits.WithLabelValues(string(e.Status), string(e.ErrorType)).Inc()
	m.editDuration.WithLabelValues(string(e.Status)).Observe(e.Duration.Seconds())
	if e.Status == editqueue.StatusCompleted && e.Cost > 0 {
		m.cost.WithLabelValues(e.Provider).Add(float64(e.Cost))
	}
}
