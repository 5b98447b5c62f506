package ws

import (
	"sort"
	"sync"
)

// Manager tracks device connections. A device has at most one connection; a
// newer connection replaces and closes the older one.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewManager builds connection manager.
func NewManager() *Manager {
	return &Manager{connections: make(map[string]*Connection)}
}

// Add registers a connection and returns the one it replaced, already closed.
func (m *Manager) Add(conn *Connection) *Connection {
	m.mu.Lock()
	previous := m.connections[conn.DeviceID()]
	m.connections[conn.DeviceID()] = conn
	m.mu.Unlock()

	if previous != nil && previous != conn {
		previous.Close()
		return previous
	}
	return nil
}

// Remove drops conn if it is still the registered connection for its device.
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.connections[conn.DeviceID()]; ok && current == conn {
		delete(m.connections, conn.DeviceID())
	}
}

// Connected reports whether a device has an open connection.
func (m *Manager) Connected(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connections[deviceID]
	return ok
}

// Devices returns the connected device IDs in order.
func (m *Manager) Devices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.connections))
	for id := range m.connections {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every connection.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
