// Package threat matches security events against threat intelligence
// indicators.
package threat

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"secmon/internal/detection/pattern"
	secerrors "secmon/internal/errors"
	"secmon/internal/schema"
)

// Source supplies indicators from an external feed.
type Source interface {
	Fetch(ctx context.Context) ([]*ThreatIndicator, error)
}

// MatcherConfig configures the matcher.
type MatcherConfig struct {
	LoadBuiltIn     bool
	RefreshInterval time.Duration
	PatternCache    int
}

// DefaultMatcherConfig returns default configuration.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		LoadBuiltIn:     true,
		RefreshInterval: time.Hour,
		PatternCache:    pattern.DefaultSize,
	}
}

// Matcher holds the mutable indicator set. Matching works on an immutable
// snapshot, so it never blocks writers and never mutates indicators.
type Matcher struct {
	config   MatcherConfig
	source   Source
	patterns *pattern.Cache
	logger   *slog.Logger

	mu         sync.Mutex
	indicators atomic.Pointer[[]*ThreatIndicator]
	fromFeed   map[string]bool

	// Statistics
	totalMatches atomic.Int64
	refreshes    atomic.Int64
	lastRefresh  atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMatcher creates a matcher. source may be nil.
func NewMatcher(config MatcherConfig, source Source, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{
		config:   config,
		source:   source,
		patterns: pattern.NewCache(config.PatternCache),
		logger:   logger,
		fromFeed: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
	empty := []*ThreatIndicator{}
	m.indicators.Store(&empty)

	if config.LoadBuiltIn {
		m.loadBuiltInIndicators()
	}
	return m
}

// Start performs an initial refresh and starts the refresh worker. It is a
// no-op without a source.
func (m *Matcher) Start(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("initial threat indicator refresh failed", "error", err)
	}

	if m.config.RefreshInterval > 0 {
		m.wg.Add(1)
		go m.refreshWorker(ctx)
	}

	m.logger.Info("threat matcher started", "indicators", m.Len())
	return nil
}

// Stop stops the refresh worker.
func (m *Matcher) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Matcher) refreshWorker(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("threat indicator refresh failed", "error", err)
			}
		}
	}
}

// Refresh replaces the feed-supplied indicators with the source's current
// set. Manually added and built-in indicators are kept, and a feed entry
// reusing one of their ids is skipped.
func (m *Matcher) Refresh(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	fetched, err := m.source.Fetch(ctx)
	if err != nil {
		return err
	}

	valid := make([]*ThreatIndicator, 0, len(fetched))
	for _, ind := range fetched {
		m.prepare(ind)
		if err := ValidateIndicator(ind); err != nil {
			m.logger.Warn("skipping invalid feed indicator", "id", ind.ID, "error", err)
			continue
		}
		valid = append(valid, ind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	feed := make(map[string]bool, len(valid))
	byID := make(map[string]*ThreatIndicator)
	for _, ind := range *m.indicators.Load() {
		if !m.fromFeed[ind.ID] {
			byID[ind.ID] = ind
		}
	}
	for _, ind := range valid {
		// Manual and built-in indicators own their ids.
		if _, taken := byID[ind.ID]; taken && !feed[ind.ID] {
			m.logger.Warn("skipping feed indicator that shadows a local one", "id", ind.ID)
			continue
		}
		byID[ind.ID] = ind
		feed[ind.ID] = true
	}
	m.fromFeed = feed
	m.storeLocked(byID)

	m.refreshes.Add(1)
	m.lastRefresh.Store(time.Now().UnixNano())
	m.logger.Debug("threat indicators refreshed", "feed", len(feed), "total", len(byID))
	return nil
}

// Match returns the indicators that fire against the event, ordered by id.
// An empty result is valid and common. The returned indicators are shared
// and must not be modified.
func (m *Matcher) Match(event *schema.SecurityEvent) []*ThreatIndicator {
	if event == nil {
		return nil
	}
	snapshot := *m.indicators.Load()
	if len(snapshot) == 0 {
		return nil
	}

	content, err := serialize(event)
	if err != nil {
		m.logger.Warn("failed to serialize event for threat matching", "event_id", event.ID, "error", err)
		return nil
	}

	var matches []*ThreatIndicator
	for _, ind := range snapshot {
		if m.matches(ind, content) {
			matches = append(matches, ind)
		}
	}
	if len(matches) > 0 {
		m.totalMatches.Add(int64(len(matches)))
	}
	return matches
}

func (m *Matcher) matches(ind *ThreatIndicator, content string) bool {
	switch ind.Type {
	case IndicatorPattern:
		return m.patterns.MatchString(ind.Value, content)
	case IndicatorIP, IndicatorDomain, IndicatorHash, IndicatorSignature:
		return strings.Contains(content, ind.Value)
	}
	return false
}

// serialize renders the event as JSON without HTML escaping, so indicator
// values containing <, > or & match their literal form.
func serialize(event *schema.SecurityEvent) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(event); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Add validates and stores an indicator, replacing any with the same id.
func (m *Matcher) Add(ind *ThreatIndicator) (*ThreatIndicator, error) {
	if ind == nil {
		return nil, secerrors.NewValidationError("", "indicator is required")
	}
	c := *ind
	m.prepare(&c)
	if err := ValidateIndicator(&c); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.indexLocked()
	byID[c.ID] = &c
	delete(m.fromFeed, c.ID)
	m.storeLocked(byID)
	return &c, nil
}

// Remove deletes an indicator by id.
func (m *Matcher) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.indexLocked()
	if _, ok := byID[id]; !ok {
		return secerrors.NewNotFoundError("indicator", id)
	}
	delete(byID, id)
	delete(m.fromFeed, id)
	m.storeLocked(byID)
	return nil
}

// Replace swaps the whole indicator set. Invalid indicators are rejected and
// nothing is changed.
func (m *Matcher) Replace(indicators []*ThreatIndicator) error {
	byID := make(map[string]*ThreatIndicator, len(indicators))
	for _, ind := range indicators {
		if ind == nil {
			continue
		}
		c := *ind
		m.prepare(&c)
		if err := ValidateIndicator(&c); err != nil {
			return err
		}
		byID[c.ID] = &c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fromFeed = make(map[string]bool)
	m.storeLocked(byID)
	return nil
}

// Get returns an indicator by id.
func (m *Matcher) Get(id string) (*ThreatIndicator, bool) {
	for _, ind := range *m.indicators.Load() {
		if ind.ID == id {
			c := *ind
			return &c, true
		}
	}
	return nil, false
}

// List returns copies of all indicators ordered by id.
func (m *Matcher) List() []*ThreatIndicator {
	snapshot := *m.indicators.Load()
	out := make([]*ThreatIndicator, len(snapshot))
	for i, ind := range snapshot {
		c := *ind
		out[i] = &c
	}
	return out
}

// Len returns the number of loaded indicators.
func (m *Matcher) Len() int {
	return len(*m.indicators.Load())
}

// Stats holds matcher statistics.
type Stats struct {
	Indicators   int            `json:"indicators"`
	ByType       map[string]int `json:"by_type"`
	TotalMatches int64          `json:"total_matches"`
	Refreshes    int64          `json:"refreshes"`
	LastRefresh  time.Time      `json:"last_refresh,omitempty"`
	Patterns     int            `json:"cached_patterns"`
}

// GetStats returns matcher statistics.
func (m *Matcher) GetStats() Stats {
	snapshot := *m.indicators.Load()
	byType := make(map[string]int)
	for _, ind := range snapshot {
		byType[string(ind.Type)]++
	}
	s := Stats{
		Indicators:   len(snapshot),
		ByType:       byType,
		TotalMatches: m.totalMatches.Load(),
		Refreshes:    m.refreshes.Load(),
		Patterns:     m.patterns.Len(),
	}
	if ns := m.lastRefresh.Load(); ns > 0 {
		s.LastRefresh = time.Unix(0, ns)
	}
	return s
}

// prepare fills server-side fields.
func (m *Matcher) prepare(ind *ThreatIndicator) {
	now := time.Now()
	if ind.ID == "" {
		ind.ID = uuid.New().String()
	}
	if ind.FirstSeen.IsZero() {
		ind.FirstSeen = now
	}
	if ind.LastSeen.IsZero() {
		ind.LastSeen = now
	}
}

func (m *Matcher) indexLocked() map[string]*ThreatIndicator {
	snapshot := *m.indicators.Load()
	byID := make(map[string]*ThreatIndicator, len(snapshot)+1)
	for _, ind := range snapshot {
		byID[ind.ID] = ind
	}
	return byID
}

func (m *Matcher) storeLocked(byID map[string]*ThreatIndicator) {
	next := make([]*ThreatIndicator, 0, len(byID))
	for _, ind := range byID {
		next = append(next, ind)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
	m.indicators.Store(&next)
}
