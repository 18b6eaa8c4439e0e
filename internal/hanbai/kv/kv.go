// Package kv provides the in-memory expiring key-value store backing
// Hanbai's ephemeral state: confirmation tokens, active plan state, and
// cached capability reports.
//
// Entries are never actively swept; expiry is checked on access and the
// entry is dropped then. Absence on lookup is the cancellation signal
// throughout the pipeline, so a crashed process simply loses its pending
// confirmations and the operator re-runs the preview.
package kv

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Store is an expiring key-value map. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Set stores value under key with the given TTL. A non-positive TTL stores
// the value without expiry.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = e
}

// Get returns the value for key, or false when the key is absent or has
// expired. Expired entries are removed on the spot.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

// GetDel returns the value for key and deletes it in the same critical
// section, so no second reader can ever observe the same entry. This is the
// primitive behind single-use confirmation tokens.
func (s *Store) GetDel(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	if ok {
		delete(s.entries, key)
	}
	return v, ok
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// getLocked checks expiry and drops stale entries. Caller must hold mu.
func (s *Store) getLocked(key string) (any, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}
