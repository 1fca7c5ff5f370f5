package aserve

import (
	"sort"
	"sync"
)

// Registry maps connection ids to live connections. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[uint64]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint64]*Connection)}
}

// Insert adds c under id, replacing any previous entry.
func (r *Registry) Insert(id uint64, c *Connection) {
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
}

// Remove deletes id and returns the connection that was stored under it.
func (r *Registry) Remove(id uint64) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}

	return c, ok
}

// Get returns the connection stored under id.
func (r *Registry) Get(id uint64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]

	return c, ok
}

// Snapshot returns the live connections ordered by id.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}
