package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the state of one alert's delivery to one target.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks the delivery of one alert to one dispatcher.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	AlertID     uuid.UUID      `json:"alert_id"`
	Dispatcher  string         `json:"dispatcher"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// DeliveryConfig bounds the retry loop. Backoff grows by BackoffFactor per
// attempt up to MaxBackoff; each attempt gets RetryTimeout.
type DeliveryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	RetryTimeout   time.Duration
}

// DefaultDeliveryConfig returns five attempts over roughly a minute.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		RetryTimeout:   10 * time.Second,
	}
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	def := DefaultDeliveryConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = def.RetryTimeout
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	return c
}

// backoff is the wait after the given failed attempt (1-based).
func (c DeliveryConfig) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.InitialBackoff) * math.Pow(c.BackoffFactor, float64(attempt-1)))
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// ReliableDispatcher fans an alert out to its targets in the background,
// retrying each with backoff. Deliveries that exhaust their attempts land
// in a dead letter queue and can be retried by hand. Dispatch never blocks
// on the network.
type ReliableDispatcher struct {
	cfg     DeliveryConfig
	targets []IncidentDispatcher

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.RWMutex
	records map[uuid.UUID]*DeliveryRecord
	alerts  map[uuid.UUID]*SecurityAlert
	dead    []uuid.UUID // record IDs, oldest first
}

// NewReliableDispatcher wraps targets. Stop must be called on shutdown.
func NewReliableDispatcher(cfg DeliveryConfig, targets ...IncidentDispatcher) *ReliableDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &ReliableDispatcher{
		cfg:     cfg.withDefaults(),
		targets: targets,
		ctx:     ctx,
		stop:    cancel,
		records: make(map[uuid.UUID]*DeliveryRecord),
		alerts:  make(map[uuid.UUID]*SecurityAlert),
	}
}

func (d *ReliableDispatcher) Name() string { return "reliable" }

// Dispatch schedules one delivery per target and returns. Deliveries are
// bound to the dispatcher's lifetime, not to ctx.
func (d *ReliableDispatcher) Dispatch(_ context.Context, alert *SecurityAlert) error {
	snapshot := alert.Clone()
	now := time.Now()

	d.mu.Lock()
	d.alerts[snapshot.ID] = snapshot
	recs := make([]*DeliveryRecord, len(d.targets))
	for i, t := range d.targets {
		recs[i] = &DeliveryRecord{
			ID:         uuid.New(),
			AlertID:    snapshot.ID,
			Dispatcher: t.Name(),
			Status:     DeliveryPending,
			CreatedAt:  now,
		}
		d.records[recs[i].ID] = recs[i]
	}
	d.mu.Unlock()

	for i, t := range d.targets {
		d.start(t, snapshot, recs[i])
	}
	return nil
}

func (d *ReliableDispatcher) start(target IncidentDispatcher, alert *SecurityAlert, rec *DeliveryRecord) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(target, alert, rec)
	}()
}

func (d *ReliableDispatcher) deliver(target IncidentDispatcher, alert *SecurityAlert, rec *DeliveryRecord) {
	for attempt := 1; ; attempt++ {
		d.update(rec, func(r *DeliveryRecord) {
			r.Attempts = attempt
			r.LastAttempt = time.Now()
			if attempt > 1 {
				r.Status = DeliveryRetrying
			}
		})

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RetryTimeout)
		err := target.Dispatch(ctx, alert)
		cancel()

		if err == nil {
			d.update(rec, func(r *DeliveryRecord) {
				now := time.Now()
				r.Status = DeliverySent
				r.DeliveredAt = &now
			})
			slog.Debug("incident delivered", "dispatcher", target.Name(), "alert_id", alert.ID, "attempts", attempt)
			return
		}

		d.update(rec, func(r *DeliveryRecord) { r.LastError = err.Error() })
		slog.Warn("incident delivery failed",
			"dispatcher", target.Name(),
			"alert_id", alert.ID,
			"attempt", attempt,
			"max_retries", d.cfg.MaxRetries,
			"error", err,
		)

		if attempt >= d.cfg.MaxRetries {
			d.deadLetter(rec, err.Error())
			return
		}

		timer := time.NewTimer(d.cfg.backoff(attempt))
		select {
		case <-d.ctx.Done():
			timer.Stop()
			d.deadLetter(rec, "dispatcher stopped")
			return
		case <-timer.C:
		}
	}
}

func (d *ReliableDispatcher) update(rec *DeliveryRecord, fn func(*DeliveryRecord)) {
	d.mu.Lock()
	fn(rec)
	d.mu.Unlock()
}

func (d *ReliableDispatcher) deadLetter(rec *DeliveryRecord, reason string) {
	d.mu.Lock()
	rec.Status = DeliveryDeadLetter
	rec.LastError = reason
	d.dead = append(d.dead, rec.ID)
	attempts := rec.Attempts
	d.mu.Unlock()

	slog.Error("incident moved to dead letter queue",
		"alert_id", rec.AlertID,
		"dispatcher", rec.Dispatcher,
		"attempts", attempts,
		"reason", reason,
	)
}

// DeadLetterQueue returns copies of the dead-lettered records, oldest
// first.
func (d *ReliableDispatcher) DeadLetterQueue() []DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DeliveryRecord, 0, len(d.dead))
	for _, id := range d.dead {
		out = append(out, *d.records[id])
	}
	return out
}

// RetryDeadLetter takes a record off the dead letter queue and starts a
// fresh round of attempts for it.
func (d *ReliableDispatcher) RetryDeadLetter(recordID uuid.UUID) error {
	d.mu.Lock()
	i := slices.Index(d.dead, recordID)
	if i < 0 {
		d.mu.Unlock()
		return fmt.Errorf("dead letter record not found: %s", recordID)
	}
	rec := d.records[recordID]
	alert := d.alerts[rec.AlertID]
	var target IncidentDispatcher
	for _, t := range d.targets {
		if t.Name() == rec.Dispatcher {
			target = t
			break
		}
	}
	if target == nil || alert == nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not found: %s", rec.Dispatcher)
	}
	d.dead = slices.Delete(d.dead, i, i+1)
	rec.Status = DeliveryPending
	rec.Attempts = 0
	rec.LastError = ""
	d.mu.Unlock()

	d.start(target, alert, rec)
	return nil
}

// Records returns copies of the delivery records for an alert.
func (d *ReliableDispatcher) Records(alertID uuid.UUID) []DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []DeliveryRecord
	for _, rec := range d.records {
		if rec.AlertID == alertID {
			out = append(out, *rec)
		}
	}
	return out
}

// DeliveryStats summarizes deliveries.
type DeliveryStats struct {
	Total      int                       `json:"total_deliveries"`
	DeadLetter int                       `json:"dead_letter_count"`
	ByStatus   map[string]int            `json:"by_status"`
	ByTarget   map[string]map[string]int `json:"by_dispatcher"`
}

// Stats counts records by status, overall and per target.
func (d *ReliableDispatcher) Stats() DeliveryStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := DeliveryStats{
		Total:      len(d.records),
		DeadLetter: len(d.dead),
		ByStatus:   make(map[string]int),
		ByTarget:   make(map[string]map[string]int),
	}
	for _, rec := range d.records {
		s.ByStatus[string(rec.Status)]++
		perTarget := s.ByTarget[rec.Dispatcher]
		if perTarget == nil {
			perTarget = make(map[string]int)
			s.ByTarget[rec.Dispatcher] = perTarget
		}
		perTarget[string(rec.Status)]++
	}
	return s
}

// Stop cancels pending retries and waits for in-flight attempts. Records
// still waiting to retry are dead-lettered.
func (d *ReliableDispatcher) Stop() {
	d.stop()
	d.wg.Wait()
}
