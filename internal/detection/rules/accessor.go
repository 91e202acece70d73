package rules

import (
	"strings"
	"time"

	"secmon/internal/schema"
)

const contextPrefix = "metadata."

// topLevel maps the fixed field paths to their accessors.
var topLevel = map[string]func(e *schema.SecurityEvent) any{
	"id":            func(e *schema.SecurityEvent) any { return e.ID.String() },
	"type":          func(e *schema.SecurityEvent) any { return string(e.Type) },
	"severity":      func(e *schema.SecurityEvent) any { return string(e.Severity) },
	"source":        func(e *schema.SecurityEvent) any { return e.Source },
	"description":   func(e *schema.SecurityEvent) any { return e.Description },
	"riskScore":     func(e *schema.SecurityEvent) any { return e.RiskScore },
	"correlationId": func(e *schema.SecurityEvent) any { return e.CorrelationID },
	"timestamp":     func(e *schema.SecurityEvent) any { return e.Timestamp.UTC().Format(time.RFC3339Nano) },

	"metadata.anomalous":        func(e *schema.SecurityEvent) any { return e.Metadata.Anomalous },
	"metadata.threatMatchCount": func(e *schema.SecurityEvent) any { return float64(len(e.Metadata.ThreatMatches)) },
}

// ValidPath reports whether path is a permitted condition field: one of the
// fixed event fields or metadata.<key>[.<key>...] into the caller context.
func ValidPath(path string) bool {
	if _, ok := topLevel[path]; ok {
		return true
	}
	if !strings.HasPrefix(path, contextPrefix) {
		return false
	}
	for _, part := range strings.Split(strings.TrimPrefix(path, contextPrefix), ".") {
		if part == "" {
			return false
		}
	}
	return true
}

// Resolve returns the value at path and whether it is defined.
func Resolve(event *schema.SecurityEvent, path string) (any, bool) {
	if event == nil {
		return nil, false
	}
	if get, ok := topLevel[path]; ok {
		return get(event), true
	}
	if !strings.HasPrefix(path, contextPrefix) {
		return nil, false
	}

	var current any = event.Metadata.Context
	for _, part := range strings.Split(strings.TrimPrefix(path, contextPrefix), ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}
