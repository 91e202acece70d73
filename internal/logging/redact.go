package logging

import (
	"regexp"
	"strings"
)

// MaskedValue replaces every redacted value.
const MaskedValue = "[REDACTED]"

// sensitiveKeys are matched as substrings of lower-cased field names, so
// "db_password" and "pagerduty_routing_key" are covered too.
var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"x-api-key", "private_key", "credentials", "authorization", "bearer",
	"cookie", "session_id", "routing_key", "webhook_url", "access_key",
	"ssn", "card_number",
}

// secretPatterns find secrets embedded in free text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
}

// IsSensitiveField reports whether name is, or contains, a secret-bearing
// key.
func IsSensitiveField(name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// MaskAPIKey keeps the first and last four characters of key. Keys of eight
// characters or fewer are fully masked.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 8:
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskSensitivePatterns masks secrets found anywhere in s.
func MaskSensitivePatterns(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// SafeLogValue masks value when field is sensitive. Strings under other
// field names are scanned for embedded secrets.
func SafeLogValue(field string, value any) any {
	if value == nil {
		return nil
	}
	if IsSensitiveField(field) {
		if v, ok := value.([]string); ok {
			masked := make([]string, len(v))
			for i := range masked {
				masked[i] = MaskedValue
			}
			return masked
		}
		return MaskedValue
	}
	if s, ok := value.(string); ok {
		return MaskSensitivePatterns(s)
	}
	return value
}

// RedactContext returns a deep copy of ctx with sensitive keys masked at
// every depth. ctx itself is not modified.
func RedactContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = redact(k, v)
	}
	return out
}

func redact(key string, v any) any {
	if v != nil && IsSensitiveField(key) {
		return SafeLogValue(key, v)
	}
	switch val := v.(type) {
	case map[string]any:
		return RedactContext(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = redact("", item)
		}
		return items
	case string:
		return MaskSensitivePatterns(val)
	}
	return v
}
