package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// DashboardRegistry tracks open admin dashboard websockets so they can be
// closed together on shutdown.
type DashboardRegistry struct {
	mu     sync.RWMutex
	nextID int64
	active map[int64]*websocket.Conn
}

// NewDashboardRegistry creates an empty registry.
func NewDashboardRegistry() *DashboardRegistry {
	return &DashboardRegistry{
		active: make(map[int64]*websocket.Conn),
	}
}

// Register adds conn and returns its connection id.
func (m *DashboardRegistry) Register(conn *websocket.Conn) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.active[m.nextID] = conn
	slog.Info("Dashboard connection registered", "conn_id", m.nextID)
	return m.nextID
}

// Unregister removes conn if it is still registered under id.
func (m *DashboardRegistry) Unregister(id int64, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.active[id]; ok && current == conn {
		delete(m.active, id)
		slog.Info("Dashboard connection unregistered", "conn_id", id)
	}
}

// Len returns the number of open dashboards.
func (m *DashboardRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// CloseAll closes every registered connection.
func (m *DashboardRegistry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		slog.Info("Dashboard connection closed", "conn_id", id)
	}
	clear(m.active)
}
