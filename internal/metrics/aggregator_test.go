package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secmon/internal/alerting"
	"secmon/internal/schema"
)

func event(at time.Time, typ schema.EventType, sev schema.Severity, risk float64) *schema.SecurityEvent {
	return &schema.SecurityEvent{ID: uuid.New(), Timestamp: at, Type: typ, Severity: sev, Source: "test", RiskScore: risk}
}

func TestMetrics_Counts(t *testing.T) {
	now := time.Now()
	matched := event(now, schema.EventMalwareDetected, schema.SeverityCritical, 0.85)
	matched.Metadata.ThreatMatches = []schema.ThreatMatch{{IndicatorID: "ioc-1"}}
	matched.Metadata.Anomalous = true

	events := []*schema.SecurityEvent{
		matched,
		event(now, schema.EventAuthenticationFailure, schema.SeverityMedium, 0.25),
	}
	alerts := []*alerting.SecurityAlert{
		{ID: uuid.New(), Severity: schema.SeverityCritical, Status: alerting.StatusOpen},
		{ID: uuid.New(), Severity: schema.SeverityHigh, Status: alerting.StatusResolved},
	}

	m := NewAggregator().Metrics(events, alerts, now)
	assert.Equal(t, 2, m.TotalEvents)
	assert.Equal(t, 1, m.EventsByType[schema.EventMalwareDetected])
	assert.Equal(t, 1, m.EventsBySeverity[schema.SeverityMedium])
	assert.InDelta(t, 0.55, m.AverageRiskScore, 1e-9)
	assert.Equal(t, 1, m.ThreatMatchedCount)
	assert.Equal(t, 1, m.AnomalousCount)
	assert.Equal(t, 2, m.TotalAlerts)
	assert.Equal(t, 1, m.ActiveAlerts)
	assert.Equal(t, 1, m.AlertsByStatus[alerting.StatusResolved])
}

func TestMetrics_Empty(t *testing.T) {
	m := NewAggregator().Metrics(nil, nil, time.Now())
	assert.Zero(t, m.TotalEvents)
	assert.Zero(t, m.AverageRiskScore)
}

func TestDashboard_DailyBucketsSumToWeek(t *testing.T) {
	now := time.Date(2026, 5, 10, 15, 30, 0, 0, time.UTC)
	var events []*schema.SecurityEvent

	// Every 37 minutes across nine days, including both window edges
	for at := now.Add(-9 * 24 * time.Hour); !at.After(now); at = at.Add(37 * time.Minute) {
		events = append(events, event(at, schema.EventSuspiciousActivity, schema.SeverityLow, 0.2))
	}
	events = append(events,
		event(now, schema.EventSuspiciousActivity, schema.SeverityLow, 0.2),
		event(now.Add(-7*24*time.Hour), schema.EventSuspiciousActivity, schema.SeverityLow, 0.2),
		event(now.Add(time.Minute), schema.EventSuspiciousActivity, schema.SeverityLow, 0.2),
	)

	d := NewAggregator().Dashboard(events, nil, now)
	require.Len(t, d.DailyTrend, DailyBuckets)
	require.Len(t, d.HourlyTrend, HourlyBuckets)

	var daily, hourly int
	for _, b := range d.DailyTrend {
		daily += b.Count
	}
	for _, b := range d.HourlyTrend {
		hourly += b.Count
	}
	assert.Equal(t, d.EventsLast7d, daily)
	assert.Equal(t, d.EventsLast24h, hourly)

	want := 0
	weekStart := now.Add(-7 * 24 * time.Hour)
	for _, ev := range events {
		if !ev.Timestamp.Before(weekStart) && !ev.Timestamp.After(now) {
			want++
		}
	}
	assert.Equal(t, want, d.EventsLast7d)
}

func TestDashboard_TopThreats(t *testing.T) {
	now := time.Now()
	var events []*schema.SecurityEvent
	for i := 0; i < 7; i++ {
		for j := 0; j <= i; j++ {
			ev := event(now.Add(-time.Hour), schema.EventMalwareDetected, schema.SeverityHigh, 0.7)
			ev.Metadata.ThreatMatches = []schema.ThreatMatch{{IndicatorID: fmt.Sprintf("ioc-%d", i)}}
			events = append(events, ev)
		}
	}
	old := event(now.Add(-8*24*time.Hour), schema.EventMalwareDetected, schema.SeverityHigh, 0.7)
	old.Metadata.ThreatMatches = []schema.ThreatMatch{{IndicatorID: "ioc-old"}}
	events = append(events, old)

	d := NewAggregator().Dashboard(events, nil, now)
	require.Len(t, d.TopThreats, TopIndicators)
	assert.Equal(t, "ioc-6", d.TopThreats[0].IndicatorID)
	assert.Equal(t, 7, d.TopThreats[0].Matches)
	assert.Equal(t, "ioc-2", d.TopThreats[4].IndicatorID)
}

func TestDashboard_ActiveAlerts(t *testing.T) {
	now := time.Now()
	alerts := []*alerting.SecurityAlert{
		{ID: uuid.New(), Title: "low", Severity: schema.SeverityLow, Status: alerting.StatusOpen, Timestamp: now},
		{ID: uuid.New(), Title: "crit", Severity: schema.SeverityCritical, Status: alerting.StatusInvestigating, Timestamp: now},
		{ID: uuid.New(), Title: "done", Severity: schema.SeverityCritical, Status: alerting.StatusFalsePositive, Timestamp: now},
	}

	d := NewAggregator().Dashboard(nil, alerts, now)
	require.Len(t, d.ActiveAlerts, 2)
	assert.Equal(t, "crit", d.ActiveAlerts[0].Title)
	assert.Equal(t, 1, d.ActiveAlertsBySev[schema.SeverityCritical])
	assert.Equal(t, "operational", d.Health.Status)
}

func TestCollector_ObserveEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	ev := event(time.Now(), schema.EventMalwareDetected, schema.SeverityCritical, 0.85)
	ev.Metadata.ThreatMatches = []schema.ThreatMatch{{IndicatorID: "a"}, {IndicatorID: "b"}}
	ev.Metadata.Anomalous = true
	c.ObserveEvent(ev)
	c.ObserveAlert(schema.SeverityCritical)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsTotal.WithLabelValues("malware_detected", "critical")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ThreatMatches))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AnomaliesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.AlertsTotal.WithLabelValues("critical")))
}
