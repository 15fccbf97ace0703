// Package inflight provides a process-local keyed guard. Jobs that find a
// key already held skip that key for the current pass.
package inflight

import "sync"

// Guard is a set of keys currently being processed.
type Guard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{held: make(map[string]struct{})}
}

// TryAcquire marks key as held. It returns ok=false without blocking when
// another caller holds it. The release func is idempotent and is meant to
// be deferred so a panicking holder still frees the key.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return func() {}, false
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently held.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// Len returns the number of held keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
