// Package sessions tracks live protocol conversations for the
// session-oriented transports. One Registry exists per transport family.
package sessions

import "sync"

// Registry is a concurrency-safe map from session identifier to a live
// session value. Insert, lookup and remove are its only operations; the
// mutex is held for map access only, never across I/O, so contention stays
// confined to registry operations themselves.
type Registry[T any] struct {
	mu       sync.RWMutex
	sessions map[string]T
}

// NewRegistry constructs an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{sessions: make(map[string]T)}
}

// Put registers sess under id, replacing any previous entry.
func (r *Registry[T]) Put(id string, sess T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = sess
}

// Get looks up a session by identifier.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove deletes the entry for id and reports whether it was present. Both
// the explicit close path and the transport close callback converge here, so
// a double removal is a no-op, not an error.
func (r *Registry[T]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// Len returns the number of live sessions.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
