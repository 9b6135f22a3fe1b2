package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "genwatch"

// Metrics holds the engine and transport collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TrackedJobs        prometheus.Gauge
	BatchesStarted     *prometheus.CounterVec // labels: transport
	TerminalOutcomes   *prometheus.CounterVec // labels: outcome
	DuplicateTerminals prometheus.Counter
	AbandonedJobs      *prometheus.CounterVec // labels: reason
	PollCalls          *prometheus.CounterVec // labels: result
}

// NewMetrics creates the collectors and registers them on reg. A nil
// registerer creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TrackedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_jobs",
			Help:      "Jobs currently held in the tracking registry",
		}),
		BatchesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_started_total",
			Help:      "Batches started, by selected transport",
		}, []string{"transport"}),
		TerminalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_outcomes_total",
			Help:      "Terminal transitions applied, by outcome",
		}, []string{"outcome"}),
		DuplicateTerminals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_terminals_total",
			Help:      "Terminal signals absorbed because the job was already finalized",
		}),
		AbandonedJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abandoned_jobs_total",
			Help:      "Jobs dropped without a terminal callback, by reason",
		}, []string{"reason"}),
		PollCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_calls_total",
			Help:      "Status poll calls, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) setTracked(n int) {
	if m == nil {
		return
	}
	m.TrackedJobs.Set(float64(n))
}

func (m *Metrics) batchStarted(transport string) {
	if m == nil {
		return
	}
	m.BatchesStarted.WithLabelValues(transport).Inc()
}

func (m *Metrics) terminal(outcome string) {
	if m == nil {
		return
	}
	m.TerminalOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.DuplicateTerminals.Inc()
}

func (m *Metrics) abandoned(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AbandonedJobs.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) pollCall(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PollCalls.WithLabelValues(result).Inc()
}
