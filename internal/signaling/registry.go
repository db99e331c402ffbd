package signaling

import (
	"fmt"
	"sync"
)

// Sender delivers an encoded envelope to one client without blocking.
type Sender interface {
	Send(payload []byte) error
}

// Entry is one registered client as seen by a Snapshot.
type Entry struct {
	ID     string
	Sender Sender
}

// Registry maps identities to the send capability of their connection.
// Readers share the lock; registration and removal are exclusive. No network
// I/O ever happens under the lock.
type Registry struct {
	mu         sync.RWMutex
	clients    map[string]Sender
	maxClients int
}

// NewRegistry returns an empty registry. maxClients <= 0 means unlimited.
func NewRegistry(maxClients int) *Registry {
	return &Registry{
		clients:    make(map[string]Sender),
		maxClients: maxClients,
	}
}

func (r *Registry) Register(id string, s Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}
	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		return ErrTooManyClients
	}
	r.clients[id] = s
	return nil
}

// Deregister removes id and returns the sender it mapped to. Removing an
// absent identity is a no-op that returns false.
func (r *Registry) Deregister(id string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	return s, ok
}

func (r *Registry) Lookup(id string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.clients[id]
	return s, ok
}

// Snapshot copies the current entries. Later registry changes do not affect
// the returned slice.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.clients))
	for id, s := range r.clients {
		out = append(out, Entry{ID: id, Sender: s})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
