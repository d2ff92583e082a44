package services

import (
	"fmt"
	"sync"
)

// Registry holds the supervisors of one stack in declaration order.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Supervisor
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Supervisor)}
}

// Register adds a supervisor.
func (r *Registry) Register(s *Supervisor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[s.Name()]; exists {
		return fmt.Errorf("register %s: %w", s.Name(), ErrDuplicateService)
	}
	r.byName[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

// Get returns a supervisor by service name.
func (r *Registry) Get(name string) (*Supervisor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// All returns every supervisor in declaration order.
func (r *Registry) All() []*Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Supervisor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Snapshots returns the state of every service in declaration order.
func (r *Registry) Snapshots() []Snapshot {
	all := r.All()
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	return out
}

// Len is the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
