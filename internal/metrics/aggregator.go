// Package metrics derives security metrics and dashboard views from the
// event and alert history, and exports pipeline counters to Prometheus.
package metrics

import (
	"sort"
	"time"

	"secmon/internal/alerting"
	"secmon/internal/schema"
)

const (
	// DailyBuckets is the number of day-wide buckets in the 7-day trend.
	DailyBuckets = 7
	// HourlyBuckets is the number of hour-wide buckets in the 24-hour trend.
	HourlyBuckets = 24
	// TopIndicators is the number of indicators ranked on the dashboard.
	TopIndicators = 5
)

// SecurityMetrics summarizes all recorded events and alerts.
type SecurityMetrics struct {
	TotalEvents        int                          `json:"total_events"`
	EventsByType       map[schema.EventType]int     `json:"events_by_type"`
	EventsBySeverity   map[schema.Severity]int      `json:"events_by_severity"`
	AverageRiskScore   float64                      `json:"average_risk_score"`
	TotalAlerts        int                          `json:"total_alerts"`
	ActiveAlerts       int                          `json:"active_alerts"`
	AlertsBySeverity   map[schema.Severity]int      `json:"alerts_by_severity"`
	AlertsByStatus     map[alerting.AlertStatus]int `json:"alerts_by_status"`
	ThreatMatchedCount int                          `json:"threat_matched_events"`
	AnomalousCount     int                          `json:"anomalous_events"`
	GeneratedAt        time.Time                    `json:"generated_at"`
}

// Bucket is a fixed-width time window count.
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// IndicatorCount ranks an indicator by how many events it matched.
type IndicatorCount struct {
	IndicatorID string `json:"indicator_id"`
	Type        string `json:"type"`
	Value       string `json:"value"`
	Matches     int    `json:"matches"`
}

// AlertSummary is the dashboard view of an active alert.
type AlertSummary struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	Severity  schema.Severity      `json:"severity"`
	Status    alerting.AlertStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
}

// SystemHealth is reported statically; the pipeline has no health probes of
// its own.
type SystemHealth struct {
	Status      string `json:"status"`
	Ingestion   string `json:"ingestion"`
	Detection   string `json:"detection"`
	Alerting    string `json:"alerting"`
	ThreatIntel string `json:"threat_intel"`
}

// SecurityDashboard is the time-windowed operator view.
type SecurityDashboard struct {
	GeneratedAt       time.Time               `json:"generated_at"`
	EventsLast24h     int                     `json:"events_last_24h"`
	EventsLast7d      int                     `json:"events_last_7d"`
	CriticalLast24h   int                     `json:"critical_last_24h"`
	SeverityLast24h   map[schema.Severity]int `json:"severity_last_24h"`
	DailyTrend        []Bucket                `json:"daily_trend"`
	HourlyTrend       []Bucket                `json:"hourly_trend"`
	TopThreats        []IndicatorCount        `json:"top_threats"`
	ActiveAlerts      []AlertSummary          `json:"active_alerts"`
	ActiveAlertsBySev map[schema.Severity]int `json:"active_alerts_by_severity"`
	Health            SystemHealth            `json:"system_health"`
}

// Aggregator computes metrics and dashboards on demand. Nothing is cached;
// each call is linear in the history passed in.
type Aggregator struct{}

// NewAggregator creates an Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Metrics summarizes events and alerts.
func (a *Aggregator) Metrics(events []*schema.SecurityEvent, alerts []*alerting.SecurityAlert, now time.Time) *SecurityMetrics {
	m := &SecurityMetrics{
		TotalEvents:      len(events),
		EventsByType:     make(map[schema.EventType]int),
		EventsBySeverity: make(map[schema.Severity]int),
		TotalAlerts:      len(alerts),
		AlertsBySeverity: make(map[schema.Severity]int),
		AlertsByStatus:   make(map[alerting.AlertStatus]int),
		GeneratedAt:      now,
	}

	var riskSum float64
	for _, ev := range events {
		m.EventsByType[ev.Type]++
		m.EventsBySeverity[ev.Severity]++
		riskSum += ev.RiskScore
		if len(ev.Metadata.ThreatMatches) > 0 {
			m.ThreatMatchedCount++
		}
		if ev.Metadata.Anomalous {
			m.AnomalousCount++
		}
	}
	if len(events) > 0 {
		m.AverageRiskScore = riskSum / float64(len(events))
	}

	for _, al := range alerts {
		m.AlertsBySeverity[al.Severity]++
		m.AlertsByStatus[al.Status]++
		if al.Status.IsActive() {
			m.ActiveAlerts++
		}
	}
	return m
}

// Dashboard builds the 24-hour and 7-day views ending at now.
func (a *Aggregator) Dashboard(events []*schema.SecurityEvent, alerts []*alerting.SecurityAlert, now time.Time) *SecurityDashboard {
	dayStart := now.Add(-24 * time.Hour)
	weekStart := now.Add(-DailyBuckets * 24 * time.Hour)

	d := &SecurityDashboard{
		GeneratedAt:       now,
		SeverityLast24h:   make(map[schema.Severity]int),
		DailyTrend:        emptyBuckets(weekStart, 24*time.Hour, DailyBuckets),
		HourlyTrend:       emptyBuckets(dayStart, time.Hour, HourlyBuckets),
		ActiveAlerts:      []AlertSummary{},
		ActiveAlertsBySev: make(map[schema.Severity]int),
		Health: SystemHealth{
			Status:      "operational",
			Ingestion:   "healthy",
			Detection:   "healthy",
			Alerting:    "healthy",
			ThreatIntel: "healthy",
		},
	}

	hits := make(map[string]*IndicatorCount)
	for _, ev := range events {
		if i, ok := bucketIndex(ev.Timestamp, weekStart, now, 24*time.Hour, DailyBuckets); ok {
			d.EventsLast7d++
			d.DailyTrend[i].Count++
			for _, tm := range ev.Metadata.ThreatMatches {
				c, ok := hits[tm.IndicatorID]
				if !ok {
					c = &IndicatorCount{IndicatorID: tm.IndicatorID, Type: tm.Type, Value: tm.Value}
					hits[tm.IndicatorID] = c
				}
				c.Matches++
			}
		}
		if i, ok := bucketIndex(ev.Timestamp, dayStart, now, time.Hour, HourlyBuckets); ok {
			d.EventsLast24h++
			d.HourlyTrend[i].Count++
			d.SeverityLast24h[ev.Severity]++
			if ev.Severity == schema.SeverityCritical {
				d.CriticalLast24h++
			}
		}
	}
	d.TopThreats = topIndicators(hits, TopIndicators)

	for _, al := range alerts {
		if !al.Status.IsActive() {
			continue
		}
		d.ActiveAlertsBySev[al.Severity]++
		d.ActiveAlerts = append(d.ActiveAlerts, AlertSummary{
			ID:        al.ID.String(),
			Title:     al.Title,
			Severity:  al.Severity,
			Status:    al.Status,
			CreatedAt: al.Timestamp,
		})
	}
	sort.SliceStable(d.ActiveAlerts, func(i, j int) bool {
		ri, rj := d.ActiveAlerts[i].Severity.Rank(), d.ActiveAlerts[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return d.ActiveAlerts[i].CreatedAt.After(d.ActiveAlerts[j].CreatedAt)
	})
	return d
}

func emptyBuckets(start time.Time, width time.Duration, n int) []Bucket {
	buckets := make([]Bucket, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * width)
	}
	return buckets
}

// bucketIndex places t in [start, end]. An event exactly at end lands in the
// last bucket so every event in the window is counted once.
func bucketIndex(t, start, end time.Time, width time.Duration, n int) (int, bool) {
	if t.Before(start) || t.After(end) {
		return 0, false
	}
	i := int(t.Sub(start) / width)
	if i >= n {
		i = n - 1
	}
	return i, true
}

func topIndicators(hits map[string]*IndicatorCount, n int) []IndicatorCount {
	out := make([]IndicatorCount, 0, len(hits))
	for _, c := range hits {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Matches != out[j].Matches {
			return out[i].Matches > out[j].Matches
		}
		return out[i].IndicatorID < out[j].IndicatorID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
