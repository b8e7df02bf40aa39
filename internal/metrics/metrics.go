package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/safeshift/backend/internal/models"
)

const namespace = "safeshift"

// Metrics holds the service collectors on a private registry so tests can
// build as many instances as they like.
type Metrics struct {
	Registry *prometheus.Registry

	ObservationsProcessed *prometheus.CounterVec
	AlertsCreated         *prometheus.CounterVec
	AlertsSuppressed      *prometheus.CounterVec
	AlertsResolved        prometheus.Counter
	StageOutcomes         *prometheus.CounterVec
	StageLatency          *prometheus.HistogramVec
	EventsPublished       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ObservationsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_processed_total",
			Help:      "Shift observations scored, by risk zone.",
		}, []string{"zone"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts created, by category and severity.",
		}, []string{"category", "severity"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Findings suppressed by an active alert inside its cooldown.",
		}, []string{"category"}),
		AlertsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_resolved_total",
			Help:      "Alerts resolved.",
		}),
		StageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_stage_outcomes_total",
			Help:      "Analysis stage outcomes.",
		}, []string{"stage", "outcome"}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_stage_duration_seconds",
			Help:      "Latency of analysis stages that were not skipped.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8, 16},
		}, []string{"stage"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Alert events published to the stream, by type and result.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ObservationsProcessed,
		m.AlertsCreated,
		m.AlertsSuppressed,
		m.AlertsResolved,
		m.StageOutcomes,
		m.StageLatency,
		m.EventsPublished,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservationScored(zone models.Zone) {
	m.ObservationsProcessed.WithLabelValues(zone.String()).Inc()
}

func (m *Metrics) AlertCreated(category string, severity models.Severity) {
	m.AlertsCreated.WithLabelValues(category, severity.String()).Inc()
}

func (m *Metrics) AlertSuppressed(category string) {
	m.AlertsSuppressed.WithLabelValues(category).Inc()
}

func (m *Metrics) AlertResolved() {
	m.AlertsResolved.Inc()
}

func (m *Metrics) StageFinished(stage string, outcome models.StageOutcome, latency time.Duration) {
	m.StageOutcomes.WithLabelValues(stage, string(outcome)).Inc()
	if outcome != models.OutcomeSkipped {
		m.StageLatency.WithLabelValues(stage).Observe(latency.Seconds())
	}
}

func (m *Metrics) EventPublished(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}
