// Package realtime serves a loopback HTTP status API and a websocket feed of
// session events, for operators watching a running bridge.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"editor-bridge/internal/batch"
	"editor-bridge/internal/session"
	"editor-bridge/internal/supervisor"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 64
)

var upgrader = websocket.Upgrader{}

// Connection reports the supervisor's view of the editor link.
type Connection interface {
	Status() supervisor.Status
}

// Batches exposes the persisted batch.
type Batches interface {
	Status() batch.Status
	Reset() error
}

// Notifier delivers session notifications; *session.Session satisfies it.
type Notifier interface {
	On(event session.Event, fn session.Listener)
}

// FeedMessage is one frame on the /ws feed.
type FeedMessage struct {
	Type      string             `json:"type"` // "status" or "event"
	Event     string             `json:"event,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`
	Error     string             `json:"error,omitempty"`
	Status    *supervisor.Status `json:"status,omitempty"`
	Time      time.Time          `json:"time"`
}

// Server fans session events out to websocket clients and answers status
// requests.
type Server struct {
	conn    Connection
	batches Batches
	logger  *slog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a server. Events from notifier are broadcast to every client
// connected to /ws.
func New(conn Connection, batches Batches, notifier Notifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		conn:    conn,
		batches: batches,
		logger:  logger.With("component", "realtime"),
		clients: make(map[*client]bool),
	}
	if notifier != nil {
		for _, ev := range []session.Event{session.EventConnected, session.EventDisconnected, session.EventContextUpdated} {
			notifier.On(ev, s.onNotification)
		}
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /batch", s.handleBatchStatus)
	mux.HandleFunc("POST /batch/reset", s.handleBatchReset)

	return mux
}

// ListenAndServe serves on addr until ctx is done. ready, if non-nil,
// receives the bound address once the listener is open.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}
	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	s.logger.Info("status api listening", "addr", ln.Addr().String())
	if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Clients returns the number of connected feed clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	// Queue the snapshot before registering so it is the first frame.
	if data, err := json.Marshal(s.statusMessage()); err == nil {
		c.send <- data
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (s *Server) statusMessage() FeedMessage {
	msg := FeedMessage{Type: "status", Time: time.Now().UTC()}
	if s.conn != nil {
		st := s.conn.Status()
		msg.Status = &st
	}
	return msg
}

// onNotification runs on the session receive loop and never blocks.
func (s *Server) onNotification(n session.Notification) {
	msg := FeedMessage{
		Type:      "event",
		Event:     n.Event.String(),
		SessionID: n.SessionID,
		Time:      time.Now().UTC(),
	}
	if n.Err != nil {
		msg.Error = n.Err.Error()
	}
	s.broadcast(msg)
}

func (s *Server) broadcast(msg FeedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// readPump discards inbound frames; it exists to process pongs and notice
// the client going away.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("feed client read error", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient unregisters c and closes its send channel exactly once.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if !s.clients[c] {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}
