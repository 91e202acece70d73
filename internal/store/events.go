// Package store holds the in-memory security event history.
package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	secerrors "secmon/internal/errors"
	"secmon/internal/schema"
)

// EventStore is an append-only event log. Writers serialize on mu and
// append into spare capacity, then publish the new slice header; a reader
// keeps the length it loaded, so it never sees a later append. Only Sweep
// allocates a fresh backing array.
type EventStore struct {
	mu    sync.RWMutex
	slots atomic.Pointer[[]*slot]
	index map[uuid.UUID]*slot // guarded by mu
	gen   atomic.Uint64
}

// slot holds one event. Update swaps the pointer so readers holding an
// older header still load a whole event.
type slot struct {
	ev atomic.Pointer[schema.SecurityEvent]
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	s := &EventStore{index: make(map[uuid.UUID]*slot)}
	empty := make([]*slot, 0, 1024)
	s.slots.Store(&empty)
	return s
}

// Append stores a copy of the event.
func (s *EventStore) Append(event *schema.SecurityEvent) {
	sl := &slot{}
	sl.ev.Store(event.Clone())

	s.mu.Lock()
	defer s.mu.Unlock()

	next := append(*s.slots.Load(), sl)
	s.slots.Store(&next)
	s.index[event.ID] = sl
	s.gen.Add(1)
}

// Update replaces a stored event by id. It is used only to record
// enrichment during the ingestion pass.
func (s *EventStore) Update(event *schema.SecurityEvent) error {
	stored := event.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.index[stored.ID]
	if !ok {
		return secerrors.NewNotFoundError("event", stored.ID.String())
	}
	sl.ev.Store(stored)
	s.gen.Add(1)
	return nil
}

func (s *EventStore) lookup(id uuid.UUID) (*schema.SecurityEvent, bool) {
	s.mu.RLock()
	sl, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sl.ev.Load(), true
}

// Get returns a copy of the event with the given id.
func (s *EventStore) Get(id uuid.UUID) (*schema.SecurityEvent, error) {
	ev, ok := s.lookup(id)
	if !ok {
		return nil, secerrors.NewNotFoundError("event", id.String())
	}
	return ev.Clone(), nil
}

// GetMany returns copies of the events that exist, in the order of ids.
// Unknown and duplicate ids are skipped.
func (s *EventStore) GetMany(ids []uuid.UUID) []*schema.SecurityEvent {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]*schema.SecurityEvent, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if ev, ok := s.lookup(id); ok {
			out = append(out, ev.Clone())
		}
	}
	return out
}

// Snapshot returns the events stored right now in insertion order. Callers
// must not modify the events.
func (s *EventStore) Snapshot() []*schema.SecurityEvent {
	slots := *s.slots.Load()
	out := make([]*schema.SecurityEvent, len(slots))
	for i, sl := range slots {
		out[i] = sl.ev.Load()
	}
	return out
}

// All returns copies of every stored event in insertion order.
func (s *EventStore) All() []*schema.SecurityEvent {
	out := s.Snapshot()
	for i, ev := range out {
		out[i] = ev.Clone()
	}
	return out
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	return len(*s.slots.Load())
}

// Generation increments on every write.
func (s *EventStore) Generation() uint64 {
	return s.gen.Load()
}

// Filter selects events for Query.
type Filter struct {
	Type     schema.EventType
	Severity schema.Severity
	Source   string
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (f *Filter) matches(ev *schema.SecurityEvent) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns copies of matching events, newest first.
func (s *EventStore) Query(filter Filter) []*schema.SecurityEvent {
	var out []*schema.SecurityEvent
	for _, ev := range s.Snapshot() {
		if filter.matches(ev) {
			out = append(out, ev.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out
}

// Sweep removes events whose timestamp is strictly before cutoff and
// returns them. An event exactly at the cutoff is kept.
func (s *EventStore) Sweep(cutoff time.Time) []*schema.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.slots.Load()
	var removed []*schema.SecurityEvent
	kept := make([]*slot, 0, len(current))
	for _, sl := range current {
		ev := sl.ev.Load()
		if ev.Timestamp.Before(cutoff) {
			removed = append(removed, ev)
			delete(s.index, ev.ID)
			continue
		}
		kept = append(kept, sl)
	}
	if len(removed) == 0 {
		return nil
	}
	s.slots.Store(&kept)
	s.gen.Add(1)
	return removed
}
