package realtime

import (
	"sort"
	"sync"
)

// Connection is a live, authenticated client channel.
type Connection interface {
	ID() string
	UserID() string
	Role() string
	// Send enqueues a message without blocking. It reports false when the
	// message was not accepted because the connection is closed or its
	// queue is full.
	Send(message []byte) bool
	// Ping writes a liveness probe to the peer.
	Ping() error
	Close() error
}

type registryEntry struct {
	userID string
	conn   Connection
}

// Registry tracks which users are connected and through which connections.
// A connection id belongs to at most one user and a user with no
// connections has no entry.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Connection
	byID  map[string]registryEntry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[string]Connection),
		byID:  make(map[string]registryEntry),
	}
}

// Register adds conn under userID. Registering the same connection again is a
// no-op; registering it under a different user moves it.
func (r *Registry) Register(userID string, conn Connection) {
	if userID == "" || conn == nil || conn.ID() == "" {
		return
	}
	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok && existing.userID != userID {
		r.removeLocked(existing.userID, id)
	}
	conns := r.users[userID]
	if conns == nil {
		conns = make(map[string]Connection)
		r.users[userID] = conns
	}
	conns[id] = conn
	r.byID[id] = registryEntry{userID: userID, conn: conn}
}

// Unregister removes connID from userID. It is a no-op when the connection is
// not registered under that user.
func (r *Registry) Unregister(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[connID]; !ok || existing.userID != userID {
		return
	}
	r.removeLocked(userID, connID)
}

func (r *Registry) removeLocked(userID, connID string) {
	delete(r.byID, connID)
	conns := r.users[userID]
	if conns == nil {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, userID)
	}
}

// IsOnline reports whether the user has at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ListConnections returns the user's connection ids in sorted order.
func (r *Registry) ListConnections(userID string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// AllOnlineUsers returns every user with a live connection in sorted order.
func (r *Registry) AllOnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.users))
	for userID := range r.users {
		users = append(users, userID)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// TotalConnectionCount returns the number of registered connections.
func (r *Registry) TotalConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Lookup resolves a connection id.
func (r *Registry) Lookup(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[connID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Connection, 0, len(r.byID))
	for _, entry := range r.byID {
		conns = append(conns, entry.conn)
	}
	return conns
}
