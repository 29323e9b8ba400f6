// Package registry tracks the scripts that are currently running and
// therefore allowed to reach the egress proxy.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrNotFound          = errors.New("registry: script not registered")
	ErrAlreadyRegistered = errors.New("registry: script already registered")
)

// Registry maps a script identifier to the number of proxy requests it has
// made. An entry exists only while the script's subprocess may run.
//
// The map itself is guarded by mu; counters are updated atomically so that
// increments for different scripts never contend on a write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*atomic.Int64
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries: make(map[string]*atomic.Int64),
	}
}

// Register inserts id with a request count of zero
func (r *Registry) Register(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return ErrAlreadyRegistered
	}
	r.entries[id] = new(atomic.Int64)
	return nil
}

// Unregister removes id. Removing an absent id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
}

// IsAuthorized reports whether id is currently registered
func (r *Registry) IsAuthorized(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.entries[id]
	return exists
}

// IncrementAndGet atomically increments the request count for id and
// returns the new value.
func (r *Registry) IncrementAndGet(id string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counter, exists := r.entries[id]
	if !exists {
		return 0, ErrNotFound
	}
	return counter.Add(1), nil
}

// Count returns the current request count for id
func (r *Registry) Count(id string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counter, exists := r.entries[id]
	if !exists {
		return 0, ErrNotFound
	}
	return counter.Load(), nil
}

// Len returns the number of registered scripts
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
