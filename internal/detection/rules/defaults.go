package rules

import "secmon/internal/schema"

// DefaultRules returns the rules loaded when no rules file exists.
func DefaultRules() []*AlertRule {
	return []*AlertRule{
		{
			ID:          "malware-detection",
			Name:        "Malware Detected",
			Description: "Malware was detected on a monitored system",
			EventTypes:  []schema.EventType{schema.EventMalwareDetected},
			Severity:    schema.SeverityCritical,
			IsActive:    true,
		},
		{
			ID:          "brute-force-detection",
			Name:        "Brute Force Attack",
			Description: "Repeated authentication attempts against an account",
			EventTypes:  []schema.EventType{schema.EventBruteForceAttack},
			Severity:    schema.SeverityHigh,
			IsActive:    true,
		},
		{
			ID:          "privilege-escalation",
			Name:        "Privilege Escalation",
			Description: "An account gained privileges beyond its role",
			EventTypes:  []schema.EventType{schema.EventPrivilegeEscalation},
			Severity:    schema.SeverityHigh,
			IsActive:    true,
		},
		{
			ID:          "data-exfiltration",
			Name:        "Data Exfiltration",
			Description: "Sensitive data may be leaving the environment",
			EventTypes:  []schema.EventType{schema.EventDataExfiltration, schema.EventDataBreachAttempt},
			Conditions: []Condition{
				{Field: "riskScore", Operator: OpGreaterThan, Value: 0.5},
			},
			Severity: schema.SeverityCritical,
			IsActive: true,
		},
		{
			ID:          "external-intrusion",
			Name:        "External Intrusion Attempt",
			Description: "Attack traffic from an external source",
			EventTypes: []schema.EventType{
				schema.EventNetworkIntrusion,
				schema.EventSQLInjectionAttempt,
				schema.EventXSSAttempt,
			},
			Conditions: []Condition{
				{Field: "source", Operator: OpContains, Value: "external"},
			},
			Severity: schema.SeverityHigh,
			IsActive: true,
		},
		{
			ID:          "threat-intel-match",
			Name:        "Threat Intelligence Match",
			Description: "Event matched one or more known threat indicators",
			EventTypes:  append([]schema.EventType(nil), schema.AllEventTypes...),
			Conditions: []Condition{
				{Field: "metadata.threatMatchCount", Operator: OpGreaterThan, Value: 0},
			},
			Severity: schema.SeverityHigh,
			IsActive: true,
		},
	}
}
