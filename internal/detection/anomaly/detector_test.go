package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secmon/internal/schema"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
}

func TestHeuristic_IsAnomalous(t *testing.T) {
	h := NewHeuristic(time.UTC)

	tests := []struct {
		name  string
		event schema.SecurityEvent
		want  bool
	}{
		{"business hours low risk", schema.SecurityEvent{Timestamp: at(10, 0), Type: schema.EventPolicyViolation, RiskScore: 0.2}, false},
		{"before six", schema.SecurityEvent{Timestamp: at(5, 59), Type: schema.EventPolicyViolation, RiskScore: 0.2}, true},
		{"six sharp", schema.SecurityEvent{Timestamp: at(6, 0), Type: schema.EventPolicyViolation, RiskScore: 0.2}, false},
		{"within hour 22", schema.SecurityEvent{Timestamp: at(22, 30), Type: schema.EventPolicyViolation, RiskScore: 0.2}, false},
		{"after 22", schema.SecurityEvent{Timestamp: at(23, 0), Type: schema.EventPolicyViolation, RiskScore: 0.2}, true},
		{"risk above threshold", schema.SecurityEvent{Timestamp: at(12, 0), Type: schema.EventMalwareDetected, RiskScore: 0.85}, true},
		{"risk at threshold", schema.SecurityEvent{Timestamp: at(12, 0), Type: schema.EventNetworkIntrusion, RiskScore: 0.8}, false},
		{"rare type", schema.SecurityEvent{Timestamp: at(12, 0), Type: schema.EventPrivilegeEscalation, RiskScore: 0.1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.IsAnomalous(&tt.event))
		})
	}
}

func TestHeuristic_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	h := NewHeuristic(loc)

	// 20:00 UTC is 04:00 the next day at UTC+8
	ev := &schema.SecurityEvent{Timestamp: at(20, 0), Type: schema.EventPolicyViolation, RiskScore: 0.1}
	assert.True(t, h.IsAnomalous(ev))
	assert.False(t, NewHeuristic(time.UTC).IsAnomalous(ev))
}

func TestRollingBaseline_FlagsOutliersAfterWarmup(t *testing.T) {
	b := NewRollingBaseline(time.Hour, 10, 3.0)
	clock := at(12, 0)
	b.now = func() time.Time { return clock }

	ev := func(score float64) *schema.SecurityEvent {
		return &schema.SecurityEvent{Source: "vpn", Type: schema.EventAuthenticationFailure, RiskScore: score}
	}

	// Not enough samples yet: even an extreme value passes
	assert.False(t, b.IsAnomalous(ev(0.9)))

	for i := 0; i < 20; i++ {
		score := 0.2
		if i%2 == 0 {
			score = 0.24
		}
		assert.False(t, b.IsAnomalous(ev(score)))
	}

	assert.True(t, b.IsAnomalous(ev(0.95)))

	stats := b.Stats("vpn", schema.EventAuthenticationFailure)
	require.NotNil(t, stats)
	assert.Equal(t, 22, stats.Samples)
}

func TestRollingBaseline_WindowExpiry(t *testing.T) {
	b := NewRollingBaseline(time.Hour, 1, 3.0)
	clock := at(12, 0)
	b.now = func() time.Time { return clock }

	b.IsAnomalous(&schema.SecurityEvent{Source: "idp", Type: schema.EventPolicyViolation, RiskScore: 0.1})
	assert.Equal(t, 1, b.Series())

	clock = clock.Add(2 * time.Hour)
	assert.Nil(t, b.Stats("idp", schema.EventPolicyViolation))
	b.Cleanup()
	assert.Equal(t, 0, b.Series())
}

func TestRollingBaseline_CleanupDropsStaleSeries(t *testing.T) {
	b := NewRollingBaseline(time.Hour, 1, 3.0)
	clock := at(12, 0)
	b.now = func() time.Time { return clock }

	for i := 0; i < 500; i++ {
		b.IsAnomalous(&schema.SecurityEvent{Source: fmt.Sprintf("host-%d", i), Type: schema.EventPolicyViolation})
	}
	clock = clock.Add(30 * time.Minute)
	b.IsAnomalous(&schema.SecurityEvent{Source: "idp", Type: schema.EventPolicyViolation})
	require.Equal(t, 501, b.Series())

	clock = clock.Add(45 * time.Minute)
	b.Cleanup()
	assert.Equal(t, 1, b.Series())
	assert.NotNil(t, b.Stats("idp", schema.EventPolicyViolation))
}

func TestRollingBaseline_SeriesAreBounded(t *testing.T) {
	b := NewRollingBaseline(time.Hour, 1, 3.0).WithMaxSeries(100)
	for i := 0; i < 5000; i++ {
		b.IsAnomalous(&schema.SecurityEvent{Source: fmt.Sprintf("host-%d", i), Type: schema.EventXSSAttempt})
	}
	assert.Equal(t, 100, b.Series())
	assert.NotNil(t, b.Stats("host-4999", schema.EventXSSAttempt))
	assert.Nil(t, b.Stats("host-0", schema.EventXSSAttempt))
}

func TestAny_CleanupReachesBaseline(t *testing.T) {
	b := NewRollingBaseline(time.Hour, 1, 3.0)
	clock := at(12, 0)
	b.now = func() time.Time { return clock }
	d := Any{NewHeuristic(time.UTC), b}

	d.IsAnomalous(&schema.SecurityEvent{Source: "idp", Type: schema.EventPolicyViolation})
	clock = clock.Add(2 * time.Hour)
	d.Cleanup()
	assert.Zero(t, b.Series())
}

func TestRollingBaseline_ZeroVariance(t *testing.T) {
	b := NewRollingBaseline(time.Hour, 3, 3.0)
	ev := func(score float64) *schema.SecurityEvent {
		return &schema.SecurityEvent{Source: "waf", Type: schema.EventXSSAttempt, RiskScore: score}
	}
	for i := 0; i < 3; i++ {
		b.IsAnomalous(ev(0.3))
	}
	assert.False(t, b.IsAnomalous(ev(0.4)))
	assert.True(t, b.IsAnomalous(ev(0.9)))
}

type countingDetector struct {
	result bool
	calls  int
}

func (c *countingDetector) IsAnomalous(*schema.SecurityEvent) bool {
	c.calls++
	return c.result
}

func TestAny_EvaluatesEveryStrategy(t *testing.T) {
	first := &countingDetector{result: true}
	second := &countingDetector{result: false}

	assert.True(t, Any{first, second}.IsAnomalous(&schema.SecurityEvent{}))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.False(t, Any{second}.IsAnomalous(&schema.SecurityEvent{}))
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"

	d, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, &Heuristic{}, d)

	cfg.Strategy = StrategyCombined
	d, err = New(cfg)
	require.NoError(t, err)
	assert.IsType(t, Any{}, d)

	cfg.Strategy = "ml"
	_, err = New(cfg)
	assert.Error(t, err)

	cfg.Strategy = StrategyHeuristic
	cfg.Timezone = "Mars/Olympus"
	_, err = New(cfg)
	assert.Error(t, err)
}
