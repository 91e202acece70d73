package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"secmon/internal/schema"
)

// Collector holds the Prometheus counters for the ingestion pipeline.
type Collector struct {
	EventsTotal         *prometheus.CounterVec
	EventsRejected      prometheus.Counter
	ThreatMatches       prometheus.Counter
	AnomaliesTotal      prometheus.Counter
	AlertsTotal         *prometheus.CounterVec
	IncidentsDispatched prometheus.Counter
	DispatchErrors      prometheus.Counter
	RiskScore           prometheus.Histogram
	StoredEvents        prometheus.Gauge
	RetentionSwept      prometheus.Counter
}

// NewCollector registers the pipeline metrics with reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secmon_events_total",
			Help: "Total number of security events processed",
		}, []string{"type", "severity"}),
		EventsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "secmon_events_rejected_total",
			Help: "Total number of observations rejected by validation",
		}),
		ThreatMatches: f.NewCounter(prometheus.CounterOpts{
			Name: "secmon_threat_matches_total",
			Help: "Total number of threat indicator matches",
		}),
		AnomaliesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "secmon_anomalies_total",
			Help: "Total number of events flagged anomalous",
		}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secmon_alerts_total",
			Help: "Total number of alerts created",
		}, []string{"severity"}),
		IncidentsDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "secmon_incidents_dispatched_total",
			Help: "Total number of critical alerts dispatched",
		}),
		DispatchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "secmon_dispatch_errors_total",
			Help: "Total number of incident dispatch failures",
		}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "secmon_event_risk_score",
			Help:    "Distribution of event risk scores",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		StoredEvents: f.NewGauge(prometheus.GaugeOpts{
			Name: "secmon_stored_events",
			Help: "Number of events held in the event store",
		}),
		RetentionSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "secmon_retention_swept_total",
			Help: "Total number of events removed by retention",
		}),
	}
}

// ObserveEvent records a processed event.
func (c *Collector) ObserveEvent(ev *schema.SecurityEvent) {
	c.EventsTotal.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()
	c.RiskScore.Observe(ev.RiskScore)
	if n := len(ev.Metadata.ThreatMatches); n > 0 {
		c.ThreatMatches.Add(float64(n))
	}
	if ev.Metadata.Anomalous {
		c.AnomaliesTotal.Inc()
	}
}

// ObserveAlert records a created alert.
func (c *Collector) ObserveAlert(sev schema.Severity) {
	c.AlertsTotal.WithLabelValues(string(sev)).Inc()
}
