// Package metrics exposes phase measurements and sequence state to
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/phase_monitor/internal/threephase"
	"github.com/relabs-tech/phase_monitor/internal/zerocross"
)

const namespace = "phasemon"

// Stats owns a private registry so tests and several services in one
// process do not collide on the global one.
type Stats struct {
	Registry *prometheus.Registry

	Edges        *prometheus.CounterVec
	Frequency    *prometheus.GaugeVec
	Period       *prometheus.GaugeVec
	Jitter       *prometheus.GaugeVec
	SinceEdge    *prometheus.GaugeVec
	Angle        *prometheus.GaugeVec
	Sequence     prometheus.Gauge
	Imbalance    prometheus.Gauge
	Synchronized prometheus.Gauge
	Transitions  *prometheus.CounterVec
}

func New() *Stats {
	s := &Stats{
		Registry: prometheus.NewRegistry(),
		Edges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_total",
			Help:      "Processed zero-crossing intervals by outcome.",
		}, []string{"phase", "outcome"}),
		Frequency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frequency_hz",
			Help:      "Latest valid line frequency.",
		}, []string{"phase"}),
		Period: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "period_microseconds",
			Help:      "Latest valid period.",
		}, []string{"phase"}),
		Jitter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "period_jitter_microseconds",
			Help:      "Standard deviation of recent valid periods.",
		}, []string{"phase"}),
		SinceEdge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "since_valid_edge_microseconds",
			Help:      "Time since the last valid edge at the last analysis.",
		}, []string{"phase"}),
		Angle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_angle_degrees",
			Help:      "Pairwise phase angle.",
		}, []string{"pair"}),
		Sequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequence_state",
			Help:      "0 unknown, 1 ABC, 2 ACB, 3 error.",
		}),
		Imbalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "imbalance_percent",
			Help:      "Mean deviation of the pairwise angles from 120 degrees; -1 without data.",
		}),
		Synchronized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "synchronized",
			Help:      "1 when the three frequencies are within 1 Hz.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_transitions_total",
			Help:      "Sequence changes by new state.",
		}, []string{"to"}),
	}
	s.Registry.MustRegister(
		s.Edges, s.Frequency, s.Period, s.Jitter, s.SinceEdge, s.Angle,
		s.Sequence, s.Imbalance, s.Synchronized, s.Transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})
}

// ObserveOutcome counts one Process result. Armed captures are not counted.
func (s *Stats) ObserveOutcome(phase string, o zerocross.Outcome) {
	if o == zerocross.OutcomeArmed {
		return
	}
	s.Edges.WithLabelValues(phase, o.String()).Inc()
}

func (s *Stats) ObserveMeasurement(phase string, m zerocross.Measurement, jitterUS float64) {
	s.Frequency.WithLabelValues(phase).Set(float64(m.FrequencyHz))
	s.Period.WithLabelValues(phase).Set(float64(m.PeriodUS))
	s.Jitter.WithLabelValues(phase).Set(jitterUS)
}

func (s *Stats) ObserveSinceEdge(phase string, us uint32) {
	s.SinceEdge.WithLabelValues(phase).Set(float64(us))
}

func (s *Stats) ObserveAnalyzer(an *threephase.Analyzer) {
	rel := an.Relationship()
	s.Sequence.Set(float64(an.Sequence()))
	s.Imbalance.Set(an.Imbalance())
	if an.IsSynchronized() {
		s.Synchronized.Set(1)
	} else {
		s.Synchronized.Set(0)
	}
	if rel.Valid {
		s.Angle.WithLabelValues("AB").Set(rel.AngleAB)
		s.Angle.WithLabelValues("BC").Set(rel.AngleBC)
		s.Angle.WithLabelValues("CA").Set(rel.AngleCA)
	}
}

func (s *Stats) ObserveTransition(to threephase.Sequence) {
	s.Transitions.WithLabelValues(to.String()).Inc()
}
