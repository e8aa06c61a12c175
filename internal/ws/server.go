// Package ws is the real-time front door. It upgrades HTTP connections to
// WebSocket, tracks the connections attached to this instance, reads
// frames on one goroutine per connection, and hands parsed traffic to the
// session layer through callbacks.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/ktirumal2006/Study-Hub/internal/metrics"
)

// DefaultParticipant is the display name used when a client connects
// without one.
const DefaultParticipant = "anonymous"

// ErrConnectionNotFound is returned by SendMessage when the target
// connection is not attached to this instance.
var ErrConnectionNotFound = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // max inbound data frame payload
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production
// defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		MaxFrameBytes:  16 * 1024,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts channel connections and runs their read loops. The
// session layer plugs in through three callbacks: OnConnect (may reject
// the connection), OnMessage, and OnDisconnect.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onConnect    func(ctx context.Context, conn *Connection) error
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	authorize    func(r *http.Request) bool
	extraRoutes  map[string]http.Handler
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration.
func NewServer(config ServerConfig) *Server {
	return &Server{
		config:      config,
		conns:       NewConnectionManager(),
		extraRoutes: make(map[string]http.Handler),
		done:        make(chan struct{}),
	}
}

// SetOnConnect registers the callback invoked after the WebSocket upgrade,
// before the connection becomes active. A non-nil error rejects the
// channel: the client receives one error event and the socket is closed.
func (s *Server) SetOnConnect(fn func(ctx context.Context, conn *Connection) error) {
	s.onConnect = fn
}

// SetOnMessage registers the callback invoked for each complete inbound
// text frame.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnDisconnect registers the callback invoked when a connection is
// removed (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetAuthorize registers a pre-upgrade gate (e.g. per-IP connect rate
// limiting). Returning false answers the request with 429.
func (s *Server) SetAuthorize(fn func(r *http.Request) bool) {
	s.authorize = fn
}

// Handle mounts an additional HTTP handler on the server's mux (REST API,
// metrics). Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.extraRoutes[pattern] = handler
}

// Start configures the HTTP server, begins accepting WebSocket
// connections, and blocks on ListenAndServe. The heartbeat monitor runs in
// the background until Shutdown.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, handler := range s.extraRoutes {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade validates the connect query parameters, upgrades the HTTP
// request, registers the connection with the session layer, and starts the
// read loop. A missing group rejects the request before the upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.authorize != nil && !s.authorize(r) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	group := r.URL.Query().Get("group")
	if group == "" {
		http.Error(w, "group is required", http.StatusBadRequest)
		return
	}
	participant := r.URL.Query().Get("participant")
	if participant == "" {
		participant = DefaultParticipant
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Group:       group,
		Participant: participant,
		Conn:        conn,
		CreatedAt:   time.Now(),
	}
	c.Touch()

	if s.onConnect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := s.onConnect(ctx, c)
		cancel()
		if err != nil {
			log.Printf("ws: connect rejected connection=%s group=%s: %v", c.ID, group, err)
			s.writeErrorEvent(c, "failed to connect")
			conn.Close()
			return
		}
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	go s.readLoop(c)

	log.Printf("ws: new connection id=%s group=%s participant=%s (total=%d)",
		c.ID, group, participant, s.conns.Count())
}

// readLoop reads frames from one connection until it closes. Control
// frames refresh liveness; data frames go to the message callback.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}

		c.Touch()

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				s.writePong(c)
			}
			// Pong: liveness already refreshed, nothing else to do.
			continue
		}

		if header.Length > s.config.MaxFrameBytes {
			log.Printf("ws: oversized frame (%d bytes) connection=%s", header.Length, c.ID)
			return
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

func (s *Server) writePong(c *Connection) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
}

// writeErrorEvent sends a minimal error event on a connection that is
// about to be closed, bypassing the session layer.
func (s *Server) writeErrorEvent(c *Connection, text string) {
	data, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload struct {
			Text string `json:"text"`
		} `json:"payload"`
	}{Type: "error", Payload: struct {
		Text string `json:"text"`
	}{Text: text}})
	if err != nil {
		return
	}
	_ = c.WriteMessage(data)
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection detaches a connection from this instance and notifies
// the session layer. It is exported so the heartbeat monitor can evict
// dead connections. The manager's Remove guard makes concurrent calls for
// the same connection safe.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
// It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the write deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g. by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Done exposes the shutdown signal for background helpers.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown performs a graceful shutdown: stop the HTTP listener, signal
// the heartbeat and read loops, and close all active connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
