package alerting

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	secerrors "secmon/internal/errors"
	"secmon/internal/schema"
)

// Sink persists alerts outside the process. Writes happen on creation and
// on every status change.
type Sink interface {
	WriteAlert(ctx context.Context, alert *SecurityAlert) error
}

// ManagerConfig configures the alert manager.
type ManagerConfig struct {
	RetentionPeriod time.Duration
	MaxAlerts       int
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RetentionPeriod: 30 * 24 * time.Hour,
		MaxAlerts:       100000,
	}
}

// Manager owns the alert list. Readers always receive copies.
type Manager struct {
	config ManagerConfig
	sink   Sink
	alerts map[uuid.UUID]*SecurityAlert
	order  []uuid.UUID
	mu     sync.RWMutex
	now    func() time.Time
}

// NewManager creates a new alert manager. sink may be nil.
func NewManager(config ManagerConfig, sink Sink) *Manager {
	return &Manager{
		config: config,
		sink:   sink,
		alerts: make(map[uuid.UUID]*SecurityAlert),
		now:    time.Now,
	}
}

// Add stores a new alert.
func (m *Manager) Add(ctx context.Context, alert *SecurityAlert) error {
	if alert == nil || len(alert.Events) == 0 {
		return secerrors.NewValidationError("events", "an alert needs at least one event")
	}
	stored := alert.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
		alert.ID = stored.ID
	}
	if stored.Status == "" {
		stored.Status = StatusOpen
		alert.Status = StatusOpen
	}

	m.mu.Lock()
	if _, exists := m.alerts[stored.ID]; !exists {
		m.order = append(m.order, stored.ID)
	}
	m.alerts[stored.ID] = stored
	m.evictLocked()
	m.mu.Unlock()

	m.persist(ctx, stored)
	return nil
}

// evictLocked drops the oldest terminal alerts beyond MaxAlerts. Active
// alerts are never evicted.
func (m *Manager) evictLocked() {
	if m.config.MaxAlerts <= 0 || len(m.alerts) <= m.config.MaxAlerts {
		return
	}
	excess := len(m.alerts) - m.config.MaxAlerts
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.alerts[id].Status.IsTerminal() {
			delete(m.alerts, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Manager) persist(ctx context.Context, alert *SecurityAlert) {
	if m.sink == nil {
		return
	}
	if err := m.sink.WriteAlert(ctx, alert); err != nil {
		slog.Error("failed to persist alert", "alert_id", alert.ID, "error", err)
	}
}

// Get retrieves an alert by ID.
func (m *Manager) Get(id uuid.UUID) (*SecurityAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, secerrors.NewNotFoundError("alert", id.String())
	}
	return alert.Clone(), nil
}

// AlertFilter defines filters for listing alerts.
type AlertFilter struct {
	Status     *AlertStatus
	Severity   *schema.Severity
	RuleID     string
	ActiveOnly bool
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

func (f *AlertFilter) matches(alert *SecurityAlert) bool {
	if f.Status != nil && alert.Status != *f.Status {
		return false
	}
	if f.Severity != nil && alert.Severity != *f.Severity {
		return false
	}
	if f.RuleID != "" && alert.RuleID != f.RuleID {
		return false
	}
	if f.ActiveOnly && !alert.Status.IsActive() {
		return false
	}
	if f.Since != nil && alert.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && alert.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// List returns matching alerts, newest first.
func (m *Manager) List(filter AlertFilter) []*SecurityAlert {
	m.mu.RLock()
	var results []*SecurityAlert
	for _, id := range m.order {
		alert := m.alerts[id]
		if filter.matches(alert) {
			results = append(results, alert.Clone())
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return []*SecurityAlert{}
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(results) {
		results = results[:filter.Limit]
	}
	return results
}

// Active returns open and investigating alerts, newest first.
func (m *Manager) Active() []*SecurityAlert {
	return m.List(AlertFilter{ActiveOnly: true})
}

// All returns every alert in creation order.
func (m *Manager) All() []*SecurityAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SecurityAlert, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.alerts[id].Clone())
	}
	return out
}

// UpdateStatus transitions an alert and returns the updated copy plus the
// previous status. Terminal alerts never reopen.
func (m *Manager) UpdateStatus(ctx context.Context, id uuid.UUID, status AlertStatus) (*SecurityAlert, AlertStatus, error) {
	if !status.IsValid() {
		return nil, "", secerrors.NewValidationError("status", "unknown alert status "+string(status))
	}

	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return nil, "", secerrors.NewNotFoundError("alert", id.String())
	}
	previous := alert.Status
	if !CanTransition(previous, status) {
		m.mu.Unlock()
		return nil, "", secerrors.NewValidationError("status",
			"cannot transition from "+string(previous)+" to "+string(status))
	}
	alert.Status = status
	alert.UpdatedAt = m.now()
	updated := alert.Clone()
	m.mu.Unlock()

	slog.Info("alert status changed", "alert_id", id, "from", previous, "to", status)
	m.persist(ctx, updated)
	return updated, previous, nil
}

// AlertStats summarizes the alert list.
type AlertStats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
}

// Stats returns alert statistics.
func (m *Manager) Stats() AlertStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := AlertStats{
		Total:      len(m.alerts),
		ByStatus:   make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, alert := range m.alerts {
		stats.ByStatus[string(alert.Status)]++
		stats.BySeverity[string(alert.Severity)]++
		if alert.Status.IsActive() {
			stats.Active++
		}
	}
	return stats
}

// Cleanup removes terminal alerts created before now minus maxAge and
// returns them. A zero maxAge uses the configured retention period.
func (m *Manager) Cleanup(maxAge time.Duration) []*SecurityAlert {
	if maxAge <= 0 {
		maxAge = m.config.RetentionPeriod
	}
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*SecurityAlert
	kept := m.order[:0]
	for _, id := range m.order {
		alert := m.alerts[id]
		if alert.Status.IsTerminal() && alert.Timestamp.Before(cutoff) {
			delete(m.alerts, id)
			removed = append(removed, alert)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed
}
