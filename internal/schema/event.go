// Package schema defines the security event model shared by every stage of
// the monitoring pipeline.
package schema

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of security event kinds.
type EventType string

const (
	EventAuthenticationFailure EventType = "authentication_failure"
	EventAuthorizationFailure  EventType = "authorization_failure"
	EventSuspiciousActivity    EventType = "suspicious_activity"
	EventMalwareDetected       EventType = "malware_detected"
	EventDataBreachAttempt     EventType = "data_breach_attempt"
	EventPrivilegeEscalation   EventType = "privilege_escalation"
	EventUnusualAccessPattern  EventType = "unusual_access_pattern"
	EventPolicyViolation       EventType = "policy_violation"
	EventSystemCompromise      EventType = "system_compromise"
	EventNetworkIntrusion      EventType = "network_intrusion"
	EventDataExfiltration      EventType = "data_exfiltration"
	EventBruteForceAttack      EventType = "brute_force_attack"
	EventSQLInjectionAttempt   EventType = "sql_injection_attempt"
	EventXSSAttempt            EventType = "xss_attempt"
)

// AllEventTypes lists every EventType in declaration order.
var AllEventTypes = []EventType{
	EventAuthenticationFailure,
	EventAuthorizationFailure,
	EventSuspiciousActivity,
	EventMalwareDetected,
	EventDataBreachAttempt,
	EventPrivilegeEscalation,
	EventUnusualAccessPattern,
	EventPolicyViolation,
	EventSystemCompromise,
	EventNetworkIntrusion,
	EventDataExfiltration,
	EventBruteForceAttack,
	EventSQLInjectionAttempt,
	EventXSSAttempt,
}

// IsValid checks if the event type is a member of the closed set.
func (t EventType) IsValid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity represents the severity of an event, alert or rule.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// AllSeverities lists severities from most to least severe.
var AllSeverities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

// IsValid checks if the severity is a member of the closed set.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Rank orders severities so that critical > high > medium > low > info.
// Unknown severities rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Observation is the caller-supplied part of a security event. The pipeline
// assigns the identifier, timestamp and risk score.
type Observation struct {
	Type          EventType      `json:"type" validate:"required,event_type"`
	Severity      Severity       `json:"severity" validate:"required,severity"`
	Source        string         `json:"source" validate:"required,max=256"`
	Description   string         `json:"description" validate:"max=4096"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty" validate:"max=128"`
}

// ThreatMatch records a threat indicator that fired against an event.
type ThreatMatch struct {
	IndicatorID string   `json:"indicator_id"`
	Type        string   `json:"type"`
	Value       string   `json:"value"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
}

// EventMetadata carries the enrichment fields the pipeline itself writes,
// plus the caller's open context map.
type EventMetadata struct {
	ThreatMatches []ThreatMatch  `json:"threat_matches,omitempty"`
	Anomalous     bool           `json:"anomalous"`
	Context       map[string]any `json:"context,omitempty"`
}

// SecurityEvent is a scored security event. It is created once by the
// pipeline; only ThreatMatches and Anomalous are set afterwards, during the
// same ingestion pass.
type SecurityEvent struct {
	ID            uuid.UUID     `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Type          EventType     `json:"type"`
	Severity      Severity      `json:"severity"`
	Source        string        `json:"source"`
	Description   string        `json:"description"`
	Metadata      EventMetadata `json:"metadata"`
	RiskScore     float64       `json:"risk_score"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// Clone returns a copy that shares no slices or maps with e.
func (e *SecurityEvent) Clone() *SecurityEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Metadata.ThreatMatches != nil {
		c.Metadata.ThreatMatches = append([]ThreatMatch(nil), e.Metadata.ThreatMatches...)
	}
	c.Metadata.Context = cloneMap(e.Metadata.Context)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies the container shapes decoded JSON and Go callers
// put in a context map. Other values are shared.
func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		if v == nil {
			return v
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		if v == nil {
			return v
		}
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = cloneMap(item)
		}
		return out
	case []string:
		return slices.Clone(v)
	case []int:
		return slices.Clone(v)
	case []float64:
		return slices.Clone(v)
	}
	return v
}
