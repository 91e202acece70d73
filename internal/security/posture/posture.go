// Package posture performs a static security review of a monitor
// deployment: its configuration, file permissions, alert rule set and
// threat indicator set.
package posture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"secmon/internal/config"
	"secmon/internal/detection/pattern"
	"secmon/internal/detection/rules"
	"secmon/internal/detection/threat"
	"secmon/internal/fsutil"
	"secmon/internal/schema"
)

// Category groups findings.
type Category string

const (
	CategoryConfig     Category = "configuration"
	CategoryFilesystem Category = "filesystem"
	CategoryRules      Category = "rules"
	CategoryIndicators Category = "indicators"
	CategoryCredential Category = "credentials"
)

// StaleIndicatorAge marks indicators not seen for this long.
const StaleIndicatorAge = 90 * 24 * time.Hour

// severityPenalty is subtracted from 100 for each finding.
var severityPenalty = map[schema.Severity]int{
	schema.SeverityCritical: 25,
	schema.SeverityHigh:     15,
	schema.SeverityMedium:   8,
	schema.SeverityLow:      3,
	schema.SeverityInfo:     0,
}

// highValueTypes should each be covered by at least one active rule.
var highValueTypes = []schema.EventType{
	schema.EventSystemCompromise,
	schema.EventDataExfiltration,
	schema.EventMalwareDetected,
	schema.EventPrivilegeEscalation,
}

// Finding is a single posture issue.
type Finding struct {
	ID          string          `json:"id"`
	Category    Category        `json:"category"`
	Severity    schema.Severity `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Remediation string          `json:"remediation"`
	Resource    string          `json:"resource,omitempty"`
}

// Summary aggregates finding counts.
type Summary struct {
	TotalFindings int                     `json:"total_findings"`
	BySeverity    map[schema.Severity]int `json:"by_severity"`
	ByCategory    map[Category]int        `json:"by_category"`
}

// SecurityAuditResult is the outcome of one Run.
type SecurityAuditResult struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Score     int       `json:"score"`
	Findings  []Finding `json:"findings"`
	Summary   Summary   `json:"summary"`
}

// RuleSource lists the loaded alert rules.
type RuleSource interface {
	List() []*rules.AlertRule
}

// IndicatorSource lists the loaded threat indicators.
type IndicatorSource interface {
	List() []*threat.ThreatIndicator
}

// Auditor runs posture checks. Rules and indicators are optional; when nil
// their checks are skipped.
type Auditor struct {
	cfg        *config.Config
	rules      RuleSource
	indicators IndicatorSource
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuditor creates an Auditor.
func NewAuditor(cfg *config.Config, rs RuleSource, is IndicatorSource, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		cfg:        cfg,
		rules:      rs,
		indicators: is,
		logger:     logger,
		now:        time.Now,
	}
}

// Run executes every check and returns the scored result. Findings are
// ordered by severity, then category and title.
func (a *Auditor) Run(ctx context.Context) (*SecurityAuditResult, error) {
	checks := []struct {
		name string
		fn   func() []Finding
	}{
		{"configuration", a.checkConfiguration},
		{"credentials", a.checkCredentials},
		{"filesystem", a.checkFilesystem},
		{"rules", a.checkRules},
		{"indicators", a.checkIndicators},
	}

	var findings []Finding
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found := c.fn()
		a.logger.Debug("posture check complete", "check", c.name, "findings", len(found))
		findings = append(findings, found...)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := findings[i].Severity.Rank(), findings[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if findings[i].Category != findings[j].Category {
			return findings[i].Category < findings[j].Category
		}
		return findings[i].Title < findings[j].Title
	})

	result := &SecurityAuditResult{
		ID:        uuid.New().String(),
		Timestamp: a.now().UTC(),
		Findings:  findings,
		Summary: Summary{
			TotalFindings: len(findings),
			BySeverity:    make(map[schema.Severity]int),
			ByCategory:    make(map[Category]int),
		},
	}
	if result.Findings == nil {
		result.Findings = []Finding{}
	}

	score := 100
	for _, f := range findings {
		result.Summary.BySeverity[f.Severity]++
		result.Summary.ByCategory[f.Category]++
		score -= severityPenalty[f.Severity]
	}
	if score < 0 {
		score = 0
	}
	result.Score = score

	a.logger.Info("posture audit complete",
		"score", result.Score,
		"findings", len(findings),
		"critical", result.Summary.BySeverity[schema.SeverityCritical],
		"high", result.Summary.BySeverity[schema.SeverityHigh])

	return result, nil
}

// WriteReport writes result as indented JSON, atomically.
func WriteReport(path string, result *SecurityAuditResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func newFinding(cat Category, sev schema.Severity, title, desc, fix, resource string) Finding {
	return Finding{
		ID:          uuid.New().String(),
		Category:    cat,
		Severity:    sev,
		Title:       title,
		Description: desc,
		Remediation: fix,
		Resource:    resource,
	}
}

func (a *Auditor) checkConfiguration() []Finding {
	var out []Finding
	cfg := a.cfg

	if err := cfg.Validate(); err != nil {
		out = append(out, newFinding(CategoryConfig, schema.SeverityHigh,
			"Configuration does not validate",
			err.Error(),
			"Fix the reported setting before starting the server",
			"config"))
	}
	if !cfg.Auth.Enabled {
		out = append(out, newFinding(CategoryConfig, schema.SeverityHigh,
			"API authentication disabled",
			"Any client that can reach the API can submit events and change alert state",
			"Set auth.enabled=true and configure bcrypt api_key_hashes",
			"auth.enabled"))
	}
	if !cfg.RateLimit.Enabled {
		out = append(out, newFinding(CategoryConfig, schema.SeverityMedium,
			"Rate limiting disabled",
			"A single client can flood the ingestion queue",
			"Set rate_limit.enabled=true",
			"rate_limit.enabled"))
	}
	if !cfg.SecurityHeaders.Enabled {
		out = append(out, newFinding(CategoryConfig, schema.SeverityLow,
			"Security headers disabled",
			"API responses are served without HSTS or content type hardening",
			"Set security_headers.enabled=true",
			"security_headers.enabled"))
	}
	if cfg.Ingest.DTLS.Enabled && cfg.Ingest.DTLS.AllowInsecure {
		out = append(out, newFinding(CategoryConfig, schema.SeverityHigh,
			"Plain UDP intake allowed",
			"Observations may be read or forged in transit when DTLS certificates are absent",
			"Provide DTLS certificates and set ingest.dtls.allow_insecure=false",
			"ingest.dtls.allow_insecure"))
	}
	if cfg.Ingest.DTLS.Enabled && !cfg.Ingest.DTLS.RequireClientCert {
		out = append(out, newFinding(CategoryConfig, schema.SeverityMedium,
			"DTLS client certificates not required",
			"Any sender can submit observations over DTLS",
			"Set ingest.dtls.require_client_cert=true with a ca_file",
			"ingest.dtls.require_client_cert"))
	}
	if cfg.Storage.Enabled && !cfg.Storage.ClickHouse.TLSEnabled {
		out = append(out, newFinding(CategoryConfig, schema.SeverityMedium,
			"ClickHouse connection unencrypted",
			"Event history is sent to storage in cleartext",
			"Set storage.clickhouse.tls_enabled=true",
			"storage.clickhouse.tls_enabled"))
	}
	if cfg.ThreatIntel.Redis.Enabled && !cfg.ThreatIntel.Redis.TLSEnabled {
		out = append(out, newFinding(CategoryConfig, schema.SeverityLow,
			"Indicator feed connection unencrypted",
			"Indicators fetched from Redis can be tampered with in transit",
			"Set threat_intel.redis.tls_enabled=true",
			"threat_intel.redis.tls_enabled"))
	}
	if cfg.Retention.MaxAge > 0 && cfg.Retention.MaxAge < 7*24*time.Hour {
		out = append(out, newFinding(CategoryConfig, schema.SeverityLow,
			"Short event retention",
			fmt.Sprintf("Events are kept for %s, too short for most investigations", cfg.Retention.MaxAge),
			"Raise retention.max_age to at least 7 days",
			"retention.max_age"))
	}
	return out
}

func (a *Auditor) checkCredentials() []Finding {
	var out []Finding
	cfg := a.cfg

	for i, h := range cfg.Auth.APIKeyHashes {
		if !strings.HasPrefix(h, "$2") {
			out = append(out, newFinding(CategoryCredential, schema.SeverityCritical,
				"API key stored in plaintext",
				"An api_key_hashes entry is not a bcrypt hash",
				"Replace the entry with the output of `secmon hash-key`",
				fmt.Sprintf("auth.api_key_hashes[%d]", i)))
		}
	}
	if cfg.Retention.Archive.SecretAccessKey != "" {
		out = append(out, newFinding(CategoryCredential, schema.SeverityMedium,
			"Archive secret key in configuration file",
			"Static S3 credentials are stored alongside the configuration",
			"Use an instance role or environment credentials instead",
			"retention.archive.secret_access_key"))
	}
	return out
}

func (a *Auditor) checkFilesystem() []Finding {
	var out []Finding
	cfg := a.cfg

	if f, ok := checkMode(cfg.Rules.Path, 0022, schema.SeverityHigh,
		"Alert rules file writable by other users",
		"Set the rules file mode to 0600"); ok {
		out = append(out, f)
	}
	if f, ok := checkMode(cfg.Audit.Dir, 0007, schema.SeverityMedium,
		"Audit directory accessible by other users",
		"Set the audit directory mode to 0700"); ok {
		out = append(out, f)
	}
	if cfg.Ingest.DTLS.Enabled && cfg.Ingest.DTLS.KeyFile != "" {
		if f, ok := checkMode(cfg.Ingest.DTLS.KeyFile, 0077, schema.SeverityHigh,
			"DTLS private key readable by other users",
			"Set the key file mode to 0600"); ok {
			out = append(out, f)
		}
	}
	if _, err := os.Stat(cfg.Rules.Path); os.IsNotExist(err) {
		out = append(out, newFinding(CategoryFilesystem, schema.SeverityInfo,
			"Alert rules file missing",
			"The default rule set is used until rules are created",
			"Create rules through the API or `secmon-rules import`",
			cfg.Rules.Path))
	}
	return out
}

// checkMode reports a finding when path exists and any bit in mask is set.
func checkMode(path string, mask os.FileMode, sev schema.Severity, title, fix string) (Finding, bool) {
	if path == "" {
		return Finding{}, false
	}
	info, err := os.Stat(path)
	if err != nil {
		return Finding{}, false
	}
	mode := info.Mode().Perm()
	if mode&mask == 0 {
		return Finding{}, false
	}
	return newFinding(CategoryFilesystem, sev, title,
		fmt.Sprintf("%s has mode %04o", path, mode), fix, path), true
}

func (a *Auditor) checkRules() []Finding {
	if a.rules == nil {
		return nil
	}
	var out []Finding
	all := a.rules.List()

	covered := make(map[schema.EventType]bool)
	active := 0
	for _, r := range all {
		if !r.IsActive {
			continue
		}
		active++
		for _, et := range r.EventTypes {
			covered[et] = true
		}
		for _, c := range r.Conditions {
			if c.Operator != rules.OpRegex {
				continue
			}
			expr, _ := c.Value.(string)
			if err := pattern.Validate(expr); err != nil {
				out = append(out, newFinding(CategoryRules, schema.SeverityMedium,
					"Rule regex does not compile",
					fmt.Sprintf("Rule %q condition on %s never matches: %v", r.Name, c.Field, err),
					"Fix the pattern or remove the condition",
					r.ID))
			}
		}
	}

	if active == 0 {
		out = append(out, newFinding(CategoryRules, schema.SeverityHigh,
			"No active alert rules",
			"Events are scored but no alerts can be raised",
			"Activate the default rules or create new ones",
			"rules"))
		return out
	}
	for _, et := range highValueTypes {
		if !covered[et] {
			out = append(out, newFinding(CategoryRules, schema.SeverityLow,
				"High-impact event type without an active rule",
				fmt.Sprintf("No active rule covers %s", et),
				"Add a rule for this event type",
				string(et)))
		}
	}
	return out
}

func (a *Auditor) checkIndicators() []Finding {
	if a.indicators == nil {
		return nil
	}
	var out []Finding
	all := a.indicators.List()

	if len(all) == 0 {
		return append(out, newFinding(CategoryIndicators, schema.SeverityMedium,
			"Threat indicator set is empty",
			"Events are never matched against known-bad values",
			"Enable the built-in indicators or configure a Redis feed",
			"threat_intel"))
	}

	cutoff := a.now().Add(-StaleIndicatorAge)
	stale := 0
	for _, ind := range all {
		if ind.Type == threat.IndicatorPattern {
			if err := pattern.Validate(ind.Value); err != nil {
				out = append(out, newFinding(CategoryIndicators, schema.SeverityMedium,
					"Indicator pattern does not compile",
					fmt.Sprintf("Indicator %s never matches: %v", ind.ID, err),
					"Correct or remove the indicator",
					ind.ID))
			}
		}
		if !ind.LastSeen.IsZero() && ind.LastSeen.Before(cutoff) {
			stale++
		}
	}
	if stale > 0 {
		out = append(out, newFinding(CategoryIndicators, schema.SeverityLow,
			"Stale threat indicators",
			fmt.Sprintf("%d of %d indicators were last seen more than 90 days ago", stale, len(all)),
			"Refresh the indicator feed or retire old indicators",
			"threat_intel"))
	}
	return out
}
