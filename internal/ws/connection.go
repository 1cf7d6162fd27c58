package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one radar client socket bound to a user. The write mutex
// serializes outbound frames from handlers, pushes and the heartbeat.
type Connection struct {
	ID         string    // connection ID (UUID)
	UserID     string    // radar user the socket speaks for
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor, -1 outside Linux
	CreatedAt  time.Time // when the connection was established
	LastPing   time.Time // last frame received from the client
	writeMu    sync.Mutex
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by ID, by net.Conn (as handed
// back by the epoll wait loop) and by user. A user may hold several
// connections at once, e.g. two open tabs.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[string]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in every index.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	user, ok := cm.byUser[conn.UserID]
	if !ok {
		user = make(map[string]*Connection)
		cm.byUser[conn.UserID] = user
	}
	user[conn.ID] = conn
}

// Remove drops a connection by ID and closes it. It reports false when the
// connection was already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if user := cm.byUser[conn.UserID]; user != nil {
			delete(user, id)
			if len(user) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// ForUser returns a snapshot of the user's open connections.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	user := cm.byUser[userID]
	conns := make([]*Connection, 0, len(user))
	for _, conn := range user {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Users returns the number of distinct connected users.
func (cm *ConnectionManager) Users() int {
	cm.mu.RLock()
	n := len(cm.byUser)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
