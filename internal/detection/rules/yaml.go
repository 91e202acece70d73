package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseYAML parses a rule pack: either a list of rules or a document with a
// top-level "rules" key. Every rule is validated.
func ParseYAML(data []byte) ([]*AlertRule, error) {
	var rules []*AlertRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		var doc struct {
			Rules []*AlertRule `yaml:"rules"`
		}
		if docErr := yaml.Unmarshal(data, &doc); docErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		rules = doc.Rules
	}

	for i, rule := range rules {
		if rule == nil {
			return nil, fmt.Errorf("rule %d: empty rule", i)
		}
		if err := Validate(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.ID, err)
		}
	}
	return rules, nil
}

// ParseJSON parses a rules file in the format FileStore writes. Unlike
// FileStore.Load it rejects the whole file on the first invalid rule.
func ParseJSON(data []byte) ([]*AlertRule, error) {
	var doc File
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	for i, rule := range doc.AlertRules {
		if rule == nil {
			return nil, fmt.Errorf("rule %d: empty rule", i)
		}
		if err := Validate(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.ID, err)
		}
	}
	return doc.AlertRules, nil
}

// ParseFile parses path as YAML or JSON according to its extension.
func ParseFile(path string) ([]*AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".json":
		return ParseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported rule file extension %q", filepath.Ext(path))
	}
}
