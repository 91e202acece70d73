package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	secerrors "secmon/internal/errors"
	"secmon/internal/fsutil"
)

// File is the on-disk rules document.
type File struct {
	AlertRules []*AlertRule `json:"alertRules"`
}

// FileStore reads and atomically rewrites the rules file.
type FileStore struct {
	path string
}

// NewFileStore creates a store for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the rules file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the rules file. found is false when the file does not exist.
// Rules whose only defect is an uncompilable regex are kept and never match;
// rules with any other defect are skipped.
func (f *FileStore) Load() (rules []*AlertRule, found bool, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, secerrors.NewPersistenceError("read", f.path, err)
	}

	var doc File
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, true, secerrors.NewPersistenceError("decode", f.path, err)
	}

	for _, rule := range doc.AlertRules {
		if rule == nil {
			continue
		}
		if err := Validate(rule); err != nil {
			if !onlyPatternInvalid(rule) {
				slog.Warn("skipping invalid alert rule", "path", f.path, "rule_id", rule.ID, "error", err)
				continue
			}
			slog.Warn("alert rule has an invalid pattern and will never match", "path", f.path, "rule_id", rule.ID, "error", err)
		}
		rules = append(rules, rule)
	}
	return rules, true, nil
}

func onlyPatternInvalid(rule *AlertRule) bool {
	c := rule.Clone()
	for i := range c.Conditions {
		if c.Conditions[i].Operator == OpRegex {
			if _, ok := c.Conditions[i].Value.(string); ok {
				c.Conditions[i].Value = ""
			}
		}
	}
	return Validate(c) == nil
}

// Save overwrites the rules file with rules.
func (f *FileStore) Save(rules []*AlertRule) error {
	data, err := json.MarshalIndent(File{AlertRules: rules}, "", "  ")
	if err != nil {
		return secerrors.NewPersistenceError("encode", f.path, err)
	}
	if err := fsutil.WriteFileAtomic(f.path, data, 0600); err != nil {
		return secerrors.NewPersistenceError("write", f.path, err)
	}
	return nil
}

// Set is the mutable, persisted rule list. The slice handed to the engine is
// never modified in place; every change swaps in a new slice.
type Set struct {
	// writeMu serializes a swap with its file write, so the file always
	// ends up holding the last swapped slice. Readers only take mu.
	writeMu         sync.Mutex
	mu              sync.RWMutex
	rules           []*AlertRule
	store           *FileStore
	persistFailures atomic.Int64
}

// NewSet creates an empty set. store may be nil for an in-memory set.
func NewSet(store *FileStore) *Set {
	return &Set{store: store}
}

// Load fills the set from the store, falling back to DefaultRules when no
// file exists or no store is configured.
func (s *Set) Load() error {
	var (
		loaded []*AlertRule
		found  bool
	)
	if s.store != nil {
		var err error
		loaded, found, err = s.store.Load()
		if err != nil {
			return err
		}
	}
	if !found {
		loaded = DefaultRules()
		slog.Info("loaded default alert rules", "count", len(loaded))
	} else {
		slog.Info("loaded alert rules", "path", s.store.Path(), "count", len(loaded))
	}

	s.mu.Lock()
	s.rules = loaded
	s.mu.Unlock()
	return nil
}

// Snapshot returns the current rule slice for evaluation. Callers must not
// modify it.
func (s *Set) Snapshot() []*AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// List returns copies of all rules.
func (s *Set) List() []*AlertRule {
	snapshot := s.Snapshot()
	out := make([]*AlertRule, len(snapshot))
	for i, r := range snapshot {
		out[i] = r.Clone()
	}
	return out
}

// Get returns a copy of a rule by id.
func (s *Set) Get(id string) (*AlertRule, error) {
	for _, r := range s.Snapshot() {
		if r.ID == id {
			return r.Clone(), nil
		}
	}
	return nil, secerrors.NewNotFoundError("rule", id)
}

// Create validates and appends a rule, then rewrites the rules file. An
// empty id is generated. A failed write is logged and counted; the rule
// stays active in memory.
func (s *Set) Create(rule *AlertRule) (*AlertRule, error) {
	if rule == nil {
		return nil, secerrors.NewValidationError("", "rule is required")
	}
	r := rule.Clone()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if err := Validate(r); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	for _, existing := range s.rules {
		if existing.ID == r.ID {
			s.mu.Unlock()
			return nil, secerrors.NewValidationError("id", fmt.Sprintf("rule %s already exists", r.ID))
		}
	}
	next := make([]*AlertRule, len(s.rules), len(s.rules)+1)
	copy(next, s.rules)
	next = append(next, r)
	s.rules = next
	s.mu.Unlock()

	s.persist(next)
	return r.Clone(), nil
}

// Update replaces the rule with the given id.
func (s *Set) Update(id string, rule *AlertRule) (*AlertRule, error) {
	if rule == nil {
		return nil, secerrors.NewValidationError("", "rule is required")
	}
	r := rule.Clone()
	r.ID = id
	if err := Validate(r); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	idx := -1
	for i, existing := range s.rules {
		if existing.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil, secerrors.NewNotFoundError("rule", id)
	}
	next := make([]*AlertRule, len(s.rules))
	copy(next, s.rules)
	next[idx] = r
	s.rules = next
	s.mu.Unlock()

	s.persist(next)
	return r.Clone(), nil
}

// Replace validates and installs a complete rule list and writes it. Unlike
// Create and Update, a write failure is returned.
func (s *Set) Replace(rules []*AlertRule) error {
	next := make([]*AlertRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		r := rule.Clone()
		if err := Validate(r); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if seen[r.ID] {
			return secerrors.NewValidationError("id", fmt.Sprintf("duplicate rule id %s", r.ID))
		}
		seen[r.ID] = true
		next = append(next, r)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.rules = next
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	return s.store.Save(next)
}

// PersistFailures returns the number of failed rules file writes.
func (s *Set) PersistFailures() int64 {
	return s.persistFailures.Load()
}

func (s *Set) persist(rules []*AlertRule) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(rules); err != nil {
		s.persistFailures.Add(1)
		slog.Error("failed to persist alert rules", "path", s.store.Path(), "error", err)
	}
}
