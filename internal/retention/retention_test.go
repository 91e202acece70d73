package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secmon/internal/alerting"
	"secmon/internal/config"
	"secmon/internal/correlation"
	"secmon/internal/metrics"
	"secmon/internal/schema"
	"secmon/internal/store"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func eventAt(ts time.Time, source string) *schema.SecurityEvent {
	return &schema.SecurityEvent{
		ID:        uuid.New(),
		Timestamp: ts,
		Type:      schema.EventAuthenticationFailure,
		Severity:  schema.SeverityLow,
		Source:    source,
	}
}

type fakeAlerts struct {
	maxAge  time.Duration
	removed int
}

func (f *fakeAlerts) Cleanup(maxAge time.Duration) []*alerting.SecurityAlert {
	f.maxAge = maxAge
	return make([]*alerting.SecurityAlert, f.removed)
}

type fakeInvestigations struct {
	maxAge  time.Duration
	removed int
}

func (f *fakeInvestigations) Cleanup(maxAge time.Duration) []*correlation.InvestigationResult {
	f.maxAge = maxAge
	return make([]*correlation.InvestigationResult, f.removed)
}

type fakeArchiver struct {
	got []*schema.SecurityEvent
	err error
}

func (f *fakeArchiver) ArchiveEvents(_ context.Context, events []*schema.SecurityEvent) error {
	f.got = append(f.got, events...)
	return f.err
}

func seededStore() *store.EventStore {
	s := store.NewEventStore()
	s.Append(eventAt(now.Add(-DefaultMaxAge-time.Second), "old"))
	s.Append(eventAt(now.Add(-DefaultMaxAge), "boundary"))
	s.Append(eventAt(now.Add(-time.Hour), "recent"))
	return s
}

func newSweeper(events EventStore, alerts AlertStore) *Sweeper {
	s := NewSweeper(config.RetentionConfig{}, events, alerts, nil)
	s.now = func() time.Time { return now }
	return s
}

func sources(events []*schema.SecurityEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Source
	}
	return out
}

func TestSweepOnce_KeepsBoundary(t *testing.T) {
	events := seededStore()
	alerts := &fakeAlerts{removed: 2}
	s := newSweeper(events, alerts)

	res := s.SweepOnce(context.Background())

	assert.Equal(t, 1, res.EventsRemoved)
	assert.Equal(t, 2, res.AlertsRemoved)
	assert.Equal(t, now.Add(-DefaultMaxAge), res.Cutoff)
	assert.Equal(t, DefaultMaxAge, alerts.maxAge)
	assert.ElementsMatch(t, []string{"boundary", "recent"}, sources(events.Snapshot()))

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.Sweeps)
	assert.Equal(t, int64(1), stats.EventsRemoved)
}

func TestSweepOnce_ArchivesBeforeRemoving(t *testing.T) {
	events := seededStore()
	archiver := &fakeArchiver{}
	s := newSweeper(events, nil).WithArchiver(archiver)

	res := s.SweepOnce(context.Background())

	assert.Equal(t, 1, res.EventsArchived)
	assert.Equal(t, 1, res.EventsRemoved)
	assert.Equal(t, []string{"old"}, sources(archiver.got))
	assert.Equal(t, 2, events.Len())
}

func TestSweepOnce_ArchiveFailureKeepsEvents(t *testing.T) {
	events := seededStore()
	s := newSweeper(events, &fakeAlerts{}).WithArchiver(&fakeArchiver{err: errors.New("s3 unavailable")})

	res := s.SweepOnce(context.Background())

	assert.True(t, res.Skipped)
	assert.Equal(t, 0, res.EventsRemoved)
	assert.Equal(t, 3, events.Len())
	assert.Equal(t, int64(1), s.GetStats().ArchiveErrors)
}

func TestSweepOnce_NothingExpiredSkipsArchive(t *testing.T) {
	events := store.NewEventStore()
	events.Append(eventAt(now, "fresh"))
	archiver := &fakeArchiver{}
	s := newSweeper(events, nil).WithArchiver(archiver)

	res := s.SweepOnce(context.Background())
	assert.Zero(t, res.EventsRemoved)
	assert.Empty(t, archiver.got)
}

func TestSweepOnce_CountsMetrics(t *testing.T) {
	collector := metrics.NewCollector(prometheus.NewRegistry())
	s := newSweeper(seededStore(), nil).WithMetrics(collector)

	s.SweepOnce(context.Background())
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.RetentionSwept))
}

func TestSweeper_StartStop(t *testing.T) {
	events := seededStore()
	s := NewSweeper(config.RetentionConfig{Interval: time.Hour}, events, nil, nil)
	s.now = func() time.Time { return now }

	s.Start(context.Background())
	require.Eventually(t, func() bool { return events.Len() == 2 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := NewSweeper(config.RetentionConfig{}, store.NewEventStore(), nil, nil)
	assert.Equal(t, DefaultMaxAge, s.maxAge)
	assert.Equal(t, DefaultInterval, s.interval)
}

func TestSweepOnce_PrunesInvestigations(t *testing.T) {
	inv := &fakeInvestigations{removed: 3}
	s := newSweeper(seededStore(), nil).WithInvestigations(inv)

	res := s.SweepOnce(context.Background())
	assert.Equal(t, 3, res.InvestigationsRemoved)
	assert.Equal(t, DefaultMaxAge, inv.maxAge)
	assert.Equal(t, int64(3), s.GetStats().InvestigationsRemoved)
}
