package eitticket

import (
	"sync"
	"time"
)

// DefaultGraceWindow is how long a deleted id keeps suppressing replicated
// adds.
const DefaultGraceWindow = 2 * time.Minute

// TombstoneSet records recently deleted ticket ids. An ADD that reaches a
// node after the DELETE of the same id is discarded while the tombstone
// lives, so reordered delivery cannot resurrect a deleted ticket.
type TombstoneSet struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	grace   time.Duration
}

// NewTombstoneSet creates an empty set; non-positive grace means
// DefaultGraceWindow.
func NewTombstoneSet(grace time.Duration) *TombstoneSet {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &TombstoneSet{
		entries: make(map[string]time.Time),
		grace:   grace,
	}
}

// GraceWindow returns the lifetime of a tombstone.
func (s *TombstoneSet) GraceWindow() time.Duration { return s.grace }

// Add marks id deleted at now. Re-adding extends the tombstone.
func (s *TombstoneSet) Add(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = now.Add(s.grace)
}

// Contains reports whether id carries a live tombstone at now. A stale
// entry found here is dropped.
func (s *TombstoneSet) Contains(id string, now time.Time) bool {
	s.mu.RLock()
	expiresAt, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if now.Before(expiresAt) {
		return true
	}

	s.mu.Lock()
	if current, ok := s.entries[id]; ok && !now.Before(current) {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return false
}

// Cleanup removes tombstones whose grace window has passed and returns how
// many were removed.
func (s *TombstoneSet) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tombstones, live or not yet pruned.
func (s *TombstoneSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
