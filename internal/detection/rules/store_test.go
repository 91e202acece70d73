package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	secerrors "secmon/internal/errors"
	"secmon/internal/schema"
)

func validRule(id string) *AlertRule {
	return &AlertRule{
		ID:         id,
		Name:       "Suspicious admin login",
		EventTypes: []schema.EventType{schema.EventSuspiciousActivity},
		Conditions: []Condition{
			{Field: "metadata.user.role", Operator: OpEquals, Value: "admin"},
		},
		Severity: schema.SeverityMedium,
		IsActive: true,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(r *AlertRule)
		wantField string
	}{
		{"valid", func(r *AlertRule) {}, ""},
		{"missing name", func(r *AlertRule) { r.Name = "" }, "name"},
		{"no event types", func(r *AlertRule) { r.EventTypes = nil }, "eventtypes"},
		{"unknown event type", func(r *AlertRule) { r.EventTypes = []schema.EventType{"ransomware"} }, "eventtypes[0]"},
		{"bad severity", func(r *AlertRule) { r.Severity = "urgent" }, "severity"},
		{"unknown path", func(r *AlertRule) { r.Conditions[0].Field = "payload.user" }, "conditions[0].field"},
		{"empty path segment", func(r *AlertRule) { r.Conditions[0].Field = "metadata..role" }, "conditions[0].field"},
		{"unknown operator", func(r *AlertRule) { r.Conditions[0].Operator = "starts_with" }, "conditions[0].operator"},
		{"numeric operator with string", func(r *AlertRule) {
			r.Conditions[0] = Condition{Field: "riskScore", Operator: OpGreaterThan, Value: "high"}
		}, "conditions[0].value"},
		{"bad regex", func(r *AlertRule) {
			r.Conditions[0] = Condition{Field: "description", Operator: OpRegex, Value: "(unclosed"}
		}, "conditions[0].value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule("r1")
			tt.modify(r)
			err := Validate(r)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, secerrors.IsValidation(err))
			var verr *secerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestDefaultRulesAreValid(t *testing.T) {
	for _, r := range DefaultRules() {
		assert.NoError(t, Validate(r), r.ID)
	}
}

func TestSet_LoadDefaultsWhenFileMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "rules.json"))
	set := NewSet(store)
	require.NoError(t, set.Load())
	assert.Len(t, set.List(), len(DefaultRules()))
}

func TestSet_CreatePersistsAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "rules.json")
	set := NewSet(NewFileStore(path))
	require.NoError(t, set.Load())

	created, err := set.Create(validRule("admin-login"))
	require.NoError(t, err)
	assert.Equal(t, "admin-login", created.ID)

	_, err = set.Create(validRule("admin-login"))
	assert.True(t, secerrors.IsValidation(err))

	reloaded := NewSet(NewFileStore(path))
	require.NoError(t, reloaded.Load())
	got, err := reloaded.Get("admin-login")
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Conditions[0].Value)
	assert.Len(t, reloaded.List(), len(DefaultRules())+1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"alertRules"`)
}

func TestSet_ConcurrentWritesReachTheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	set := NewSet(NewFileStore(path))
	require.NoError(t, set.Load())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := set.Create(validRule(fmt.Sprintf("rule-%d", i))); err != nil {
				t.Errorf("create rule-%d: %v", i, err)
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := validRule("")
			r.Severity = schema.SeverityHigh
			if _, err := set.Update("malware-detection", r); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	reloaded := NewSet(NewFileStore(path))
	require.NoError(t, reloaded.Load())
	assert.Len(t, reloaded.List(), len(set.List()))
	for i := 0; i < 32; i++ {
		_, err := reloaded.Get(fmt.Sprintf("rule-%d", i))
		assert.NoError(t, err)
	}
	got, err := reloaded.Get("malware-detection")
	require.NoError(t, err)
	assert.Equal(t, schema.SeverityHigh, got.Severity)
	assert.Zero(t, set.PersistFailures())
}

func TestSet_CreateGeneratesID(t *testing.T) {
	set := NewSet(nil)
	require.NoError(t, set.Load())

	created, err := set.Create(validRule(""))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestSet_Update(t *testing.T) {
	set := NewSet(NewFileStore(filepath.Join(t.TempDir(), "rules.json")))
	require.NoError(t, set.Load())

	snapshot := set.Snapshot()

	r := validRule("ignored")
	r.Severity = schema.SeverityCritical
	updated, err := set.Update("malware-detection", r)
	require.NoError(t, err)
	assert.Equal(t, "malware-detection", updated.ID)
	assert.Equal(t, schema.SeverityCritical, updated.Severity)

	// Earlier snapshots are unaffected
	assert.Equal(t, "Malware Detected", snapshot[0].Name)

	_, err = set.Update("missing", validRule("missing"))
	assert.True(t, secerrors.IsNotFound(err))
}

func TestSet_PersistFailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	set := NewSet(nil)
	require.NoError(t, set.Load())
	// A path below a regular file can never be created
	set.store = NewFileStore(filepath.Join(blocker, "rules.json"))

	_, err := set.Create(validRule("kept"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), set.PersistFailures())

	_, err = set.Get("kept")
	assert.NoError(t, err)
}

func TestFileStore_LoadKeepsBadPatternRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	doc := `{"alertRules":[
		{"id":"bad-regex","name":"Bad","eventTypes":["xss_attempt"],"severity":"low","isActive":true,
		 "conditions":[{"field":"description","operator":"regex","value":"(["}]},
		{"id":"bad-path","name":"Bad path","eventTypes":["xss_attempt"],"severity":"low","isActive":true,
		 "conditions":[{"field":"payload","operator":"equals","value":"x"}]},
		{"id":"ok","name":"Ok","eventTypes":["xss_attempt"],"severity":"low","isActive":true}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	rules, found, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, rules, 2)
	assert.Equal(t, "bad-regex", rules[0].ID)
	assert.Equal(t, "ok", rules[1].ID)

	// The bad pattern never matches
	e := NewEngine(nil)
	ev := &schema.SecurityEvent{Type: schema.EventXSSAttempt, Description: "(["}
	alerts := e.Evaluate(ev, rules)
	require.Len(t, alerts, 1)
	assert.Equal(t, "ok", alerts[0].RuleID)
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, _, err := NewFileStore(path).Load()
	assert.True(t, secerrors.IsPersistence(err))
}

func TestParseYAML(t *testing.T) {
	pack := `
rules:
  - id: sqli-external
    name: External SQL injection
    event_types: [sql_injection_attempt]
    severity: high
    is_active: true
    conditions:
      - field: source
        operator: contains
        value: external
      - field: riskScore
        operator: greater_than
        value: 0
`
	rules, err := ParseYAML([]byte(pack))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []schema.EventType{schema.EventSQLInjectionAttempt}, rules[0].EventTypes)
	assert.True(t, NewEngine(nil).Matches(rules[0], &schema.SecurityEvent{
		Type: schema.EventSQLInjectionAttempt, Source: "external-waf", RiskScore: 0.9,
	}))

	_, err = ParseYAML([]byte("- id: x\n  name: y\n  event_types: [nope]\n  severity: low\n"))
	assert.Error(t, err)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "rules.json")
	require.NoError(t, NewFileStore(jsonPath).Save(DefaultRules()))
	parsed, err := ParseFile(jsonPath)
	require.NoError(t, err)
	assert.Len(t, parsed, len(DefaultRules()))

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"alertRules":[{"id":"x","name":"y","eventTypes":["nope"],"severity":"low"}]}`), 0600))
	_, err = ParseFile(badPath)
	assert.Error(t, err)

	_, err = ParseFile(filepath.Join(dir, "rules.toml"))
	assert.Error(t, err)
}
