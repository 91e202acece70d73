package monitor

import (
	"context"
	"time"

	"secmon/internal/schema"
)

// NotificationKind names a domain occurrence that observers can follow.
type NotificationKind string

const (
	NotifyThreatDetected       NotificationKind = "threat_detected"
	NotifyAnomalyDetected      NotificationKind = "anomaly_detected"
	NotifyAlertCreated         NotificationKind = "alert_created"
	NotifyIncidentDispatched   NotificationKind = "incident_dispatched"
	NotifyAlertStatusChanged   NotificationKind = "alert_status_changed"
	NotifyInvestigationCreated NotificationKind = "investigation_created"
	NotifyRuleChanged          NotificationKind = "rule_changed"
)

// Notification is delivered to every registered Observer.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	// Subject is the id of the event, alert, rule or investigation.
	Subject  string          `json:"subject"`
	Severity schema.Severity `json:"severity,omitempty"`
	Data     any             `json:"data,omitempty"`
}

// Observer receives notifications. Notify must not block for long; it runs
// on the processing path.
type Observer interface {
	Notify(ctx context.Context, n Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f ObserverFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// AddObserver registers an observer. Observers added after Start still
// receive later notifications.
func (m *SecurityMonitor) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *SecurityMonitor) notify(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = m.now().UTC()
	}

	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("observer panicked", "kind", n.Kind, "panic", r)
				}
			}()
			o.Notify(ctx, n)
		}()
	}
	m.logger.Debug("notification", "kind", n.Kind, "subject", n.Subject)
}
