// Package presence keeps the set of users the hub reports as online.
package presence

import (
	"slices"
	"sync"
)

// Set is a concurrency-safe online set.
type Set struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// New creates an empty set.
func New() *Set {
	return &Set{online: make(map[string]struct{})}
}

// MarkOnline records userID as online. It reports whether the state changed.
func (s *Set) MarkOnline(userID string) bool {
	if userID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.online[userID]; ok {
		return false
	}
	s.online[userID] = struct{}{}
	return true
}

// MarkOffline records userID as offline. It reports whether the state changed.
func (s *Set) MarkOffline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.online[userID]; !ok {
		return false
	}
	delete(s.online, userID)
	return true
}

// Online reports whether userID is online.
func (s *Set) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

// List returns the online user ids sorted.
func (s *Set) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.online))
	for userID := range s.online {
		out = append(out, userID)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Clear empties the set, e.g. after the hub link drops.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.online)
}
