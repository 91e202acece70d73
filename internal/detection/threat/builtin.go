package threat

import "secmon/internal/schema"

func (m *Matcher) loadBuiltInIndicators() {
	builtIn := []struct {
		id          string
		typ         IndicatorType
		value       string
		severity    schema.Severity
		description string
	}{
		// Well known offensive tooling
		{"builtin-mimikatz", IndicatorPattern, `(?i)mimikatz|sekurlsa::logonpasswords`, schema.SeverityCritical, "Credential dumping tool"},
		{"builtin-cobaltstrike", IndicatorSignature, "beacon.dll", schema.SeverityCritical, "Cobalt Strike beacon payload"},
		{"builtin-sqlmap", IndicatorSignature, "sqlmap/", schema.SeverityHigh, "sqlmap user agent"},
		{"builtin-union-select", IndicatorPattern, `(?i)union\s+(all\s+)?select`, schema.SeverityHigh, "SQL injection payload"},
		{"builtin-script-tag", IndicatorPattern, `(?i)<script[^>]*>`, schema.SeverityMedium, "Reflected script tag"},

		// Test artifacts
		{"builtin-eicar-md5", IndicatorHash, "44d88612fea8a8f36de82e1278abb02f", schema.SeverityHigh, "EICAR test file MD5"},
		{"builtin-eicar-sha256", IndicatorHash, "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f", schema.SeverityHigh, "EICAR test file SHA-256"},
	}

	indicators := make([]*ThreatIndicator, 0, len(builtIn))
	for _, b := range builtIn {
		indicators = append(indicators, &ThreatIndicator{
			ID:          b.id,
			Type:        b.typ,
			Value:       b.value,
			Confidence:  0.8,
			Severity:    b.severity,
			Description: b.description,
			Source:      "built-in",
		})
	}
	if err := m.Replace(indicators); err != nil {
		m.logger.Error("failed to load built-in indicators", "error", err)
	}
}
