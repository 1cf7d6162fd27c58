// Package ws is the radar WebSocket gateway. Connections are upgraded with
// gobwas/ws, registered with epoll and read by a bounded worker pool; each
// decoded frame is dispatched to a radar message handler.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/radar/internal/config"
	"github.com/whisper/radar/internal/logger"
	"github.com/whisper/radar/internal/metrics"
	"github.com/whisper/radar/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// ServerConfigFrom maps the ws section of the radard config, keeping defaults
// for zero values.
func ServerConfigFrom(c config.WSConfig) ServerConfig {
	out := DefaultServerConfig()
	if c.WorkerPoolSize > 0 {
		out.WorkerPoolSize = c.WorkerPoolSize
	}
	if c.MaxConnections > 0 {
		out.MaxConnections = c.MaxConnections
	}
	if c.ReadTimeout > 0 {
		out.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		out.WriteTimeout = c.WriteTimeout
	}
	return out
}

// Server upgrades radar clients to WebSocket, registers them with epoll and
// hands ready connections to a bounded worker pool for frame reading. It is
// an http.Handler so it can be mounted on any router.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	admit        func(r *http.Request) bool
	done         chan struct{}
	startedAt    time.Time
	log          *zap.Logger
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), log *zap.Logger) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		log:        logger.Named(log, "ws"),
	}
}

// Start creates the epoll instance and runs the event loop and heartbeat in
// the background. It must be called before the server handles upgrades.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("websocket gateway started",
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
	return nil
}

// SetOnConnect registers a callback run after a connection is registered
// and greeted.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once when a connection is
// removed, whether by read error, heartbeat timeout or close frame.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetAdmit registers a check run before upgrading. Returning false rejects
// the request with 429.
func (s *Server) SetAdmit(fn func(r *http.Request) bool) {
	s.admit = fn
}

// ServeHTTP upgrades a request for /ws?user_id=<id>.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.admit != nil && !s.admit(r) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		LastPing:  now,
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.log.Error("epoll add failed", zap.String("conn_id", c.ID), zap.Error(err))
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
		UserID:       userID,
	})
	if err == nil {
		err = s.write(c, hello)
	}
	if err != nil {
		s.log.Warn("send connected failed", zap.String("conn_id", c.ID), zap.Error(err))
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	s.log.Debug("connection opened",
		zap.String("conn_id", c.ID),
		zap.String("user_id", userID),
		zap.Int("fd", c.Fd),
		zap.Int("total", s.conns.Count()))
}

// Health reports the live connection count and uptime.
func (s *Server) Health() (connections int, uptime time.Duration) {
	if s.startedAt.IsZero() {
		return s.conns.Count(), 0
	}
	return s.conns.Count(), time.Since(s.startedAt).Round(time.Second)
}

// startEventLoop runs the epoll wait loop and hands each ready connection to
// a worker, blocking while the pool is full.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if errors.Is(err, syscall.EINTR) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("epoll wait error", zap.Error(err))
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed in place; a read failure or close frame removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		// Only now may the poller report this conn again.
		s.epoll.Release(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A timeout means the dispatch was stale; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Only the first of several
// concurrent calls runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Debug("connection closed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.write(c, data)
}

// SendToUser writes a text frame to every connection of userID and returns
// how many received it.
func (s *Server) SendToUser(userID string, data []byte) int {
	sent := 0
	for _, c := range s.conns.ForUser(userID) {
		if err := s.write(c, data); err != nil {
			s.log.Debug("send to user failed", zap.String("conn_id", c.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	// Clear the deadline so it does not leak into heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and heartbeat and closes every connection.
// The owning HTTP server is shut down by the caller.
func (s *Server) Shutdown() error {
	s.log.Info("shutting down websocket gateway")

	close(s.done)

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.log.Info("websocket gateway stopped")
	return nil
}
