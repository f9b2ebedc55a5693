// Package store keeps a bounded, deduplicated, newest-first window of market
// events.
package store

import (
	"sync"

	"marketfeed/config"
	"marketfeed/models"
)

// Stats are cumulative counters since the store was created.
type Stats struct {
	Len        int    `json:"len"`
	Capacity   int    `json:"capacity"`
	Inserted   uint64 `json:"inserted"`
	Duplicates uint64 `json:"duplicates"`
	Evicted    uint64 `json:"evicted"`
	Clears     uint64 `json:"clears"`
	Version    uint64 `json:"version"`
}

// Store holds at most capacity events. Internally the events sit in a ring in
// insertion order; readers always see them newest first. The ring and the id
// index are only touched under mu, so a reader never observes them out of
// step.
type Store struct {
	mu       sync.RWMutex
	ring     []models.MarketEvent
	head     int // oldest element
	size     int
	index    map[string]struct{}
	capacity int
	version  uint64
	stats    Stats
}

// New creates an empty store. A non-positive capacity falls back to the
// default of 2000.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = config.DefaultStoreCapacity
	}
	return &Store{
		ring:     make([]models.MarketEvent, capacity),
		index:    make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// Insert prepends ev unless an event with the same id is already held. When
// the store is full the oldest inserted event is evicted. It returns the
// store version after the call and whether ev was stored.
func (s *Store) Insert(ev models.MarketEvent) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[ev.ID]; ok {
		s.stats.Duplicates++
		return s.version, false
	}

	if s.size == s.capacity {
		oldest := s.ring[s.head]
		delete(s.index, oldest.ID)
		s.ring[s.head] = ev
		s.head = (s.head + 1) % s.capacity
		s.stats.Evicted++
	} else {
		s.ring[(s.head+s.size)%s.capacity] = ev
		s.size++
	}
	s.index[ev.ID] = struct{}{}

	s.stats.Inserted++
	s.version++
	return s.version, true
}

// Clear drops every event. It is only called on explicit resets.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.ring)
	s.index = make(map[string]struct{}, s.capacity)
	s.head = 0
	s.size = 0
	s.stats.Clears++
	s.version++
}

// Snapshot returns a copy of the events, newest first.
func (s *Store) Snapshot() []models.MarketEvent {
	events, _ := s.View()
	return events
}

// View returns a copy of the events together with the version they belong to.
func (s *Store) View() ([]models.MarketEvent, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.MarketEvent, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.ring[(s.head+s.size-1-i)%s.capacity]
	}
	return out, s.version
}

// Version changes every time the contents change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) Capacity() int {
	return s.capacity
}

// Contains reports whether an event with id is held.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Len = s.size
	st.Capacity = s.capacity
	st.Version = s.version
	return st
}
