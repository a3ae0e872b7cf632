package room

import (
	"sync"
	"time"
)

// Connection is the registry's record of a live transport connection.
type Connection struct {
	ID          string
	ConnectedAt time.Time
}

// Registry tracks every live connection and the single room it currently
// occupies. It is the leaf of the room core: the table and router build on
// it, and it never calls back into them.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connRecord
}

type connRecord struct {
	conn Connection
	room string
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connRecord)}
}

// Register creates a record for a new connection with no room.
func (r *Registry) Register(id string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return Connection{}, ErrDuplicateConnection
	}
	rec := &connRecord{conn: Connection{ID: id, ConnectedAt: time.Now()}}
	r.conns[id] = rec
	return rec.conn, nil
}

// Unregister removes the record and reports the room the connection occupied,
// if any. Unregistering an unknown id is a no-op (ok=false): transport close
// events may race with an already-processed teardown.
func (r *Registry) Unregister(id string) (roomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[id]
	if !ok {
		return "", false
	}
	delete(r.conns, id)
	return rec.room, true
}

// CurrentRoom reports the room the connection currently occupies. ok is false
// when the connection is unknown.
func (r *Registry) CurrentRoom(id string) (roomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[id]
	if !ok {
		return "", false
	}
	return rec.room, true
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// swapRoom atomically points the connection at roomID and returns the room it
// previously occupied. ok is false when the connection is not registered.
func (r *Registry) swapRoom(id, roomID string) (prev string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[id]
	if !ok {
		return "", false
	}
	prev = rec.room
	rec.room = roomID
	return prev, true
}

// clearRoom clears the connection's room reference only if it still points at
// roomID. The compare-and-swap keeps a racing leave and disconnect from both
// claiming the removal.
func (r *Registry) clearRoom(id, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[id]
	if !ok || rec.room != roomID {
		return false
	}
	rec.room = ""
	return true
}
