package transport

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Tracker is the driver-side table of live connections. It assigns
// identities from a monotonic counter, so an id is never reused by the
// same tracker.
type Tracker struct {
	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]Conn
	wg    sync.WaitGroup // one count per tracked connection until Remove.
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[uint64]Conn)}
}

// NextID returns a fresh connection identity.
func (t *Tracker) NextID() uint64 {
	return t.nextID.Add(1)
}

// Add starts tracking c.
func (t *Tracker) Add(c Conn) {
	t.mu.Lock()
	t.conns[c.ID()] = c
	t.wg.Add(1)
	t.mu.Unlock()
}

// Remove stops tracking the connection. It reports whether it was tracked.
func (t *Tracker) Remove(id uint64) bool {
	t.mu.Lock()
	_, ok := t.conns[id]
	if ok {
		delete(t.conns, id)
	}
	t.mu.Unlock()

	if ok {
		t.wg.Done()
	}

	return ok
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.conns)
}

// Snapshot returns the tracked connections ordered by id.
func (t *Tracker) Snapshot() []Conn {
	t.mu.Lock()
	conns := make([]Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })

	return conns
}

// CloseAll closes every tracked connection with at most limit closes in
// flight and returns the combined close errors.
func (t *Tracker) CloseAll(limit int) error {
	if limit <= 0 {
		limit = 1
	}

	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs error
	)
	eg.SetLimit(limit)

	for _, c := range t.Snapshot() {
		c := c
		eg.Go(func() error {
			if err := c.Close(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}

			return nil
		})
	}
	_ = eg.Wait()

	return errs
}

// Wait blocks until every tracked connection has been removed.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
