// Package alerting manages security alerts and dispatches critical ones to
// incident response hooks.
package alerting

import (
	"time"

	"github.com/google/uuid"

	"secmon/internal/schema"
)

// AlertStatus represents the status of an alert.
type AlertStatus string

const (
	StatusOpen          AlertStatus = "open"
	StatusInvestigating AlertStatus = "investigating"
	StatusResolved      AlertStatus = "resolved"
	StatusFalsePositive AlertStatus = "false_positive"
)

// IsValid checks if the status is known.
func (s AlertStatus) IsValid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s AlertStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// IsActive reports whether the alert still needs attention.
func (s AlertStatus) IsActive() bool {
	return s == StatusOpen || s == StatusInvestigating
}

var transitions = map[AlertStatus][]AlertStatus{
	StatusOpen:          {StatusInvestigating, StatusResolved, StatusFalsePositive},
	StatusInvestigating: {StatusResolved, StatusFalsePositive},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to AlertStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SecurityAlert is raised when an alert rule fires against an event.
type SecurityAlert struct {
	ID              uuid.UUID              `json:"id"`
	RuleID          string                 `json:"rule_id"`
	Timestamp       time.Time              `json:"timestamp"`
	Severity        schema.Severity        `json:"severity"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	Events          []schema.SecurityEvent `json:"events"`
	Recommendations []string               `json:"recommendations"`
	Status          AlertStatus            `json:"status"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Clone returns a deep copy of the alert.
func (a *SecurityAlert) Clone() *SecurityAlert {
	if a == nil {
		return nil
	}
	c := *a
	c.Events = make([]schema.SecurityEvent, len(a.Events))
	for i := range a.Events {
		c.Events[i] = *a.Events[i].Clone()
	}
	c.Recommendations = append([]string(nil), a.Recommendations...)
	return &c
}

// EventIDs returns the ids of the alert's events.
func (a *SecurityAlert) EventIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(a.Events))
	for i := range a.Events {
		ids[i] = a.Events[i].ID
	}
	return ids
}
