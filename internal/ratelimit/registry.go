// Package ratelimit tracks per-(backend, model, key) cooldowns recorded from
// upstream 429 responses. The dispatcher consults it before every attempt
// and asks for the earliest retry time when all candidates are blocked.
package ratelimit

import (
	"sync"
	"time"
)

type entryKey struct {
	backend string
	model   string
	keyName string
}

// Registry is the process-wide cooldown table. All operations are O(1) or
// O(entries) under a single mutex with short critical sections.
type Registry struct {
	mu      sync.Mutex
	entries map[entryKey]time.Time
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[entryKey]time.Time),
		now:     time.Now,
	}
}

// Set records now+delay as the earliest retry time for the triple.
func (r *Registry) Set(backend, model, keyName string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entryKey{backend, model, keyName}] = r.now().Add(delay)
}

// Get returns the recorded earliest-retry time if it is still in the future.
// An expired entry is deleted as a side effect and nil is returned.
func (r *Registry) Get(backend, model, keyName string) *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := entryKey{backend, model, keyName}
	until, ok := r.entries[k]
	if !ok {
		return nil
	}
	if !until.After(r.now()) {
		delete(r.entries, k)
		return nil
	}
	return &until
}

// Earliest returns the minimum of all live entries, or nil when the table
// holds none. Expired entries are pruned along the way.
func (r *Registry) Earliest() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var earliest *time.Time
	for k, until := range r.entries {
		if !until.After(now) {
			delete(r.entries, k)
			continue
		}
		if earliest == nil || until.Before(*earliest) {
			u := until
			earliest = &u
		}
	}
	return earliest
}

// NextAvailable is the dispatcher's query when every candidate key is
// blocked; it is the same minimum as Earliest.
func (r *Registry) NextAvailable() *time.Time {
	return r.Earliest()
}
