package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
//
// Metrics:
//   - helix_phase_runs_total{phase,outcome}
//   - helix_phase_duration_seconds{phase}
//   - helix_gate_results_total{kind,result}
//   - helix_retries_total{kind}
//   - helix_escalations_total{outcome}
//   - helix_evolution_transitions_total{to}
//   - helix_test_regressions_total
type Metrics struct {
	registry *prometheus.Registry

	PhaseRuns            *prometheus.CounterVec
	PhaseDuration        *prometheus.HistogramVec
	GateResults          *prometheus.CounterVec
	Retries              *prometheus.CounterVec
	Escalations          *prometheus.CounterVec
	EvolutionTransitions *prometheus.CounterVec
	Regressions          prometheus.Counter
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		PhaseRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_phase_runs_total",
			Help: "Phase attempts by outcome",
		}, []string{"phase", "outcome"}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helix_phase_duration_seconds",
			Help:    "Duration of agent invocations in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"phase"}),
		GateResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_gate_results_total",
			Help: "Gate checks by kind and result",
		}, []string{"kind", "result"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_retries_total",
			Help: "Phase retries by failure kind",
		}, []string{"kind"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_escalations_total",
			Help: "Escalations by outcome",
		}, []string{"outcome"}),
		EvolutionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helix_evolution_transitions_total",
			Help: "Evolution project transitions by target status",
		}, []string{"to"}),
		Regressions: f.NewCounter(prometheus.CounterOpts{
			Name: "helix_test_regressions_total",
			Help: "Blocking test failures (regressions and new failures) detected by tests_pass gates",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteToTextfile writes the current values for the node_exporter textfile
// collector.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) PhaseRun(phaseID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseRuns.WithLabelValues(phaseID, outcome).Inc()
	if d > 0 {
		m.PhaseDuration.WithLabelValues(phaseID).Observe(d.Seconds())
	}
}

func (m *Metrics) GateResult(kind string, passed bool) {
	if m == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.GateResults.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Retry(kind string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) Escalation(outcome string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EvolutionTransition(to string) {
	if m == nil {
		return
	}
	m.EvolutionTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) AddRegressions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Regressions.Add(float64(n))
}
