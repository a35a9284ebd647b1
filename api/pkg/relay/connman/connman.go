// Package connman is the single point of enforcement for tenant isolation:
// it exclusively owns the tenant → tunnel connection map. A request for a
// tenant can only ever be routed over the connection that authenticated as
// that tenant, because this map is the only addressing path.
package connman

import (
	"errors"
	"sync"
)

var (
	ErrNoConnection = errors.New("no tunnel connection for tenant")
)

// ConnectionManager maps each tenant identity to at most one live tunnel
// connection. Last authenticated wins: installing a new connection for a
// tenant atomically replaces the previous one.
type ConnectionManager[T comparable] struct {
	tunnels map[string]T
	lock    sync.RWMutex
}

func New[T comparable]() *ConnectionManager[T] {
	return &ConnectionManager[T]{
		tunnels: make(map[string]T),
	}
}

// Set binds conn as the tenant's connection and returns the superseded one,
// if any. The caller is responsible for closing the superseded connection;
// it is already unreachable through this map.
func (m *ConnectionManager[T]) Set(tenantID string, conn T) (prev T, superseded bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	prev, superseded = m.tunnels[tenantID]
	m.tunnels[tenantID] = conn
	return prev, superseded
}

// Get returns the tenant's live connection or ErrNoConnection immediately.
// Requests are never queued for offline tunnels.
func (m *ConnectionManager[T]) Get(tenantID string) (T, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	conn, ok := m.tunnels[tenantID]
	if !ok {
		var zero T
		return zero, ErrNoConnection
	}
	return conn, nil
}

// Remove deletes the binding only if conn is still the current one for the
// tenant. A connection superseded by a reconnect must not tear down its
// replacement's binding when it finally closes.
func (m *ConnectionManager[T]) Remove(tenantID string, conn T) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	current, ok := m.tunnels[tenantID]
	if !ok || current != conn {
		return false
	}
	delete(m.tunnels, tenantID)
	return true
}

// Count returns the number of live bindings.
func (m *ConnectionManager[T]) Count() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.tunnels)
}
