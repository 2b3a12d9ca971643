package common

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/subchen/go-trylock/v2"
)

// Registry is the shared table of active transactions. It is the only
// mutable shared state in the coordinator core, so it has to support
// atomic check-and-remove: when a timeout-fired rollback races an
// explicit finalize, exactly one caller wins the removal and performs
// the grid finalization, the loser treats the id as already gone.
//
// Entries are removed deterministically at finalization, never by
// capacity pressure.
type Registry struct {
	entries map[string]interface{}
	mu      trylock.TryLocker
	timeout time.Duration
	log     *log.Entry
}

// NewRegistry returns an empty registry. The timeout bounds how long
// readers and writers wait for the table lock.
func NewRegistry(logger *log.Logger, t time.Duration) *Registry {
	l := logger.WithField("component", "registry")
	return &Registry{
		entries: make(map[string]interface{}),
		mu:      trylock.New(),
		timeout: t,
		log:     l,
	}
}

// Put registers a value under id. Registering an id twice is a
// programming error and is rejected.
func (r *Registry) Put(id string, v interface{}) error {
	if global := r.mu.TryLockTimeout(r.timeout); !global {
		return errors.New("registry is locked globally")
	}
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		r.log.Warnf("Rejecting duplicate registration for %s", id)
		return errors.New("id already registered")
	}
	r.entries[id] = v
	return nil
}

// Get returns the value registered under id, if any.
func (r *Registry) Get(id string) (interface{}, bool, error) {
	if global := r.mu.RTryLockTimeout(r.timeout); !global {
		return nil, false, errors.New("registry is locked globally")
	}
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok, nil
}

// Remove deletes the entry for id and reports whether this caller won
// the removal. Remove blocks for the table lock rather than timing
// out: finalization must never fail on lock contention.
func (r *Registry) Remove(id string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return v, true
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot copies the current table.
func (r *Registry) Snapshot() map[string]interface{} {
	res := make(map[string]interface{})
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, v := range r.entries {
		res[k] = v
	}
	return res
}
