// Package retention ages out security history. Events strictly older than
// the retention window are removed from the event store, optionally after
// being archived. Terminal alerts and closed investigations of the same age
// are dropped.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"secmon/internal/alerting"
	"secmon/internal/config"
	"secmon/internal/correlation"
	"secmon/internal/metrics"
	"secmon/internal/schema"
)

const (
	DefaultMaxAge   = 30 * 24 * time.Hour
	DefaultInterval = 24 * time.Hour
)

// EventStore is the swept event history.
type EventStore interface {
	Snapshot() []*schema.SecurityEvent
	Sweep(cutoff time.Time) []*schema.SecurityEvent
}

// AlertStore drops terminal alerts older than maxAge.
type AlertStore interface {
	Cleanup(maxAge time.Duration) []*alerting.SecurityAlert
}

// InvestigationStore drops closed investigations older than maxAge.
type InvestigationStore interface {
	Cleanup(maxAge time.Duration) []*correlation.InvestigationResult
}

// Archiver receives events before they are removed.
type Archiver interface {
	ArchiveEvents(ctx context.Context, events []*schema.SecurityEvent) error
}

// SweepResult describes one sweep.
type SweepResult struct {
	Cutoff                time.Time `json:"cutoff"`
	EventsRemoved         int       `json:"events_removed"`
	AlertsRemoved         int       `json:"alerts_removed"`
	InvestigationsRemoved int       `json:"investigations_removed"`
	EventsArchived        int       `json:"events_archived"`
	Skipped               bool      `json:"skipped,omitempty"`
}

// Sweeper runs retention on an interval.
type Sweeper struct {
	events         EventStore
	alerts         AlertStore
	investigations InvestigationStore
	archiver       Archiver
	collector      *metrics.Collector
	logger         *slog.Logger
	now            func() time.Time

	maxAge   time.Duration
	interval time.Duration

	// sweepMu keeps a manual SweepOnce from racing the timer.
	sweepMu sync.Mutex

	sweeps                atomic.Int64
	eventsRemoved         atomic.Int64
	alertsRemoved         atomic.Int64
	investigationsRemoved atomic.Int64
	archiveErrors         atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper. alerts may be nil.
func NewSweeper(cfg config.RetentionConfig, events EventStore, alerts AlertStore, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sweeper{
		events:   events,
		alerts:   alerts,
		logger:   logger.With("component", "retention"),
		now:      time.Now,
		maxAge:   cfg.MaxAge,
		interval: cfg.Interval,
		stopCh:   make(chan struct{}),
	}
}

// WithArchiver archives swept events first. A failed archive skips the
// event sweep for that round so nothing is lost.
func (s *Sweeper) WithArchiver(a Archiver) *Sweeper {
	s.archiver = a
	return s
}

// WithInvestigations also prunes closed investigations on every sweep.
func (s *Sweeper) WithInvestigations(st InvestigationStore) *Sweeper {
	s.investigations = st
	return s
}

// WithMetrics counts swept events on the collector.
func (s *Sweeper) WithMetrics(c *metrics.Collector) *Sweeper {
	s.collector = c
	return s
}

// Start sweeps once and then on every interval until Stop or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.run(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.run(ctx)
			}
		}
	}()
	s.logger.Info("retention sweeper started", "max_age", s.maxAge, "interval", s.interval)
}

func (s *Sweeper) run(ctx context.Context) {
	res := s.SweepOnce(ctx)
	if res.EventsRemoved > 0 || res.AlertsRemoved > 0 || res.InvestigationsRemoved > 0 || res.Skipped {
		s.logger.Info("retention sweep",
			"cutoff", res.Cutoff,
			"events_removed", res.EventsRemoved,
			"alerts_removed", res.AlertsRemoved,
			"investigations_removed", res.InvestigationsRemoved,
			"events_archived", res.EventsArchived,
			"skipped", res.Skipped)
	}
}

// Stop halts the sweeper and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// SweepOnce removes events strictly older than now minus the max age. An
// event exactly at the cutoff is kept.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cutoff := s.now().Add(-s.maxAge)
	res := SweepResult{Cutoff: cutoff}

	if s.archiver != nil {
		var expired []*schema.SecurityEvent
		for _, ev := range s.events.Snapshot() {
			if ev.Timestamp.Before(cutoff) {
				expired = append(expired, ev)
			}
		}
		if len(expired) > 0 {
			if err := s.archiver.ArchiveEvents(ctx, expired); err != nil {
				s.archiveErrors.Add(1)
				s.logger.Error("archive failed, keeping expired events", "events", len(expired), "error", err)
				res.Skipped = true
			} else {
				res.EventsArchived = len(expired)
			}
		}
	}

	if !res.Skipped {
		res.EventsRemoved = len(s.events.Sweep(cutoff))
	}
	if s.alerts != nil {
		res.AlertsRemoved = len(s.alerts.Cleanup(s.maxAge))
	}
	if s.investigations != nil {
		res.InvestigationsRemoved = len(s.investigations.Cleanup(s.maxAge))
	}

	s.sweeps.Add(1)
	s.eventsRemoved.Add(int64(res.EventsRemoved))
	s.alertsRemoved.Add(int64(res.AlertsRemoved))
	s.investigationsRemoved.Add(int64(res.InvestigationsRemoved))
	if s.collector != nil && res.EventsRemoved > 0 {
		s.collector.RetentionSwept.Add(float64(res.EventsRemoved))
	}
	return res
}

// Stats holds sweeper statistics.
type Stats struct {
	Sweeps                int64 `json:"sweeps"`
	EventsRemoved         int64 `json:"events_removed"`
	AlertsRemoved         int64 `json:"alerts_removed"`
	InvestigationsRemoved int64 `json:"investigations_removed"`
	ArchiveErrors         int64 `json:"archive_errors"`
}

// GetStats returns sweeper statistics.
func (s *Sweeper) GetStats() Stats {
	return Stats{
		Sweeps:                s.sweeps.Load(),
		EventsRemoved:         s.eventsRemoved.Load(),
		AlertsRemoved:         s.alertsRemoved.Load(),
		InvestigationsRemoved: s.investigationsRemoved.Load(),
		ArchiveErrors:         s.archiveErrors.Load(),
	}
}
