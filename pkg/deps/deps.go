// Package deps tracks prerequisite declarations for scheduled items and
// answers readiness and ordering questions for the schedulers built on top
// of it.
package deps

import (
	"errors"
	"sync"
)

// ErrCycle is returned when the declared dependencies cannot be ordered.
var ErrCycle = errors.New("dependency cycle detected")

// Resolver holds the dependency declarations of registered items. Safe for
// concurrent registration and queries.
type Resolver struct {
	mu    sync.RWMutex
	nodes map[string][]string
}

func NewResolver() *Resolver {
	return &Resolver{
		nodes: make(map[string][]string),
	}
}

// Register declares the direct prerequisites of an item. Re-registering
// replaces the previous declaration.
func (r *Resolver) Register(id string, dependsOn ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[id] = append([]string(nil), dependsOn...)
}

// Unregister removes an item's declaration.
func (r *Resolver) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, id)
}

// DependsOn returns the direct prerequisites declared for an item.
func (r *Resolver) DependsOn(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.nodes[id]...)
}

// Missing returns the direct prerequisites of an item that fail the given
// readiness predicate.
func (r *Resolver) Missing(id string, satisfied func(dep string) bool) []string {
	r.mu.RLock()
	declared := append([]string(nil), r.nodes[id]...)
	r.mu.RUnlock()

	var missing []string

	for _, dep := range declared {
		if !satisfied(dep) {
			missing = append(missing, dep)
		}
	}

	return missing
}

// Satisfied reports whether every direct prerequisite passes the predicate.
func (r *Resolver) Satisfied(id string, satisfied func(dep string) bool) bool {
	return len(r.Missing(id, satisfied)) == 0
}

// Order sorts the given items so every item comes after its prerequisites.
// Only edges between the given items are considered; ties keep the input
// order. Returns ErrCycle when the subset cannot be ordered.
func (r *Resolver) Order(ids []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	included := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))

	for _, id := range ids {
		if !included[id] {
			included[id] = true

			unique = append(unique, id)
		}
	}

	indegree := make(map[string]int, len(unique))
	dependents := make(map[string][]string)

	for _, id := range unique {
		indegree[id] += 0

		for _, dep := range r.nodes[id] {
			if included[dep] {
				indegree[id]++

				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	ready := make([]string, 0, len(unique))
	for _, id := range unique {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(unique))

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(unique) {
		return nil, ErrCycle
	}

	return order, nil
}

// Transitive returns every prerequisite reachable from an item, ordered
// dependency-first, excluding the item itself.
func (r *Resolver) Transitive(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	const (
		visiting = 1
		done     = 2
	)

	state := make(map[string]int)

	var order []string

	var visit func(node string) error

	visit = func(node string) error {
		switch state[node] {
		case visiting:
			return ErrCycle
		case done:
			return nil
		}

		state[node] = visiting

		for _, dep := range r.nodes[node] {
			if err := visit(dep); err != nil {
				return err
			}
		}

		state[node] = done

		if node != id {
			order = append(order, node)
		}

		return nil
	}

	if err := visit(id); err != nil {
		return nil, err
	}

	return order, nil
}
