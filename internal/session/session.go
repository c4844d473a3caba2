// Package session owns the single connection to the editor: it dispatches
// inbound frames, correlates command results with their callers and exposes
// the outbound primitives the rest of the bridge uses.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"editor-bridge/internal/protocol"

	"github.com/google/uuid"
)

const defaultCommandTimeout = 30 * time.Second

// Event identifies a class of session notifications.
type Event int

const (
	EventConnected Event = iota + 1
	EventDisconnected
	EventContextUpdated
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventContextUpdated:
		return "contextUpdated"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

func (e Event) valid() bool {
	return e >= EventConnected && e <= EventContextUpdated
}

// Notification is delivered to listeners.
type Notification struct {
	Event     Event
	SessionID string
	Context   json.RawMessage // EventContextUpdated only
	Err       error           // EventDisconnected only
}

// Listener receives notifications on the receive loop; it must not block.
// Connected and context listeners must not call Detach either: Detach waits
// for the receive loop they are running on. Disconnected listeners run after
// the loop has released the connection and may.
type Listener func(Notification)

// ConditionKind distinguishes the conditions AwaitCondition can observe.
type ConditionKind string

const (
	ConditionCompilation ConditionKind = "compilation"
	ConditionRestarted   ConditionKind = "restarted"
)

// Condition is delivered to AwaitCondition callers.
type Condition struct {
	Kind        ConditionKind               `json:"kind"`
	Compilation *protocol.CompilationResult `json:"compilation,omitempty"`
	Reason      string                      `json:"reason,omitempty"`
	SessionID   string                      `json:"sessionId,omitempty"`
}

// Info is a point-in-time view of the session.
type Info struct {
	Connected       bool      `json:"connected"`
	SessionID       string    `json:"sessionId,omitempty"`
	LastHeartbeat   time.Time `json:"lastHeartbeat,omitzero"`
	LastSeen        time.Time `json:"lastSeen,omitzero"`
	PendingCommands int       `json:"pendingCommands"`
}

// Session holds at most one attached connection at a time. Listeners survive
// reconnects; the peer session id and heartbeat are reset on every detach.
type Session struct {
	logger  *slog.Logger
	pending *correlator

	mu            sync.RWMutex
	conn          Conn
	loopDone      chan struct{}
	sessionID     string
	helloSeen     bool
	lastHeartbeat time.Time
	lastSeen      time.Time
	snapshot      json.RawMessage

	listenersMu sync.RWMutex
	listeners   map[Event][]Listener

	waitersMu sync.Mutex
	waiters   map[chan Condition]struct{}
}

// New creates a detached session.
func New(logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:    logger.With("component", "session"),
		pending:   newCorrelator(),
		listeners: make(map[Event][]Listener),
		waiters:   make(map[chan Condition]struct{}),
	}
}

// On registers fn for event. Registering for an unknown event is a
// programming error and panics.
func (s *Session) On(event Event, fn Listener) {
	if !event.valid() {
		panic(fmt.Sprintf("session: cannot listen for unknown event %s", event))
	}
	if fn == nil {
		panic("session: nil listener")
	}
	s.listenersMu.Lock()
	s.listeners[event] = append(s.listeners[event], fn)
	s.listenersMu.Unlock()
}

func (s *Session) notify(n Notification) {
	s.listenersMu.RLock()
	fns := append([]Listener(nil), s.listeners[n.Event]...)
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
}

// Attach stores conn and starts consuming its frames. Any previously attached
// connection is detached first. The returned channel is closed once conn has
// ended and the session has released it.
func (s *Session) Attach(conn Conn) <-chan struct{} {
	s.Detach()

	done := make(chan struct{})
	now := time.Now()

	s.mu.Lock()
	s.conn = conn
	s.loopDone = done
	s.helloSeen = false
	s.sessionID = ""
	s.lastHeartbeat = now
	s.lastSeen = now
	s.mu.Unlock()

	go s.readLoop(conn, done)
	return done
}

// Detach closes the attached connection, if any, and waits until the receive
// loop has released it.
func (s *Session) Detach() {
	s.mu.RLock()
	conn, done := s.conn, s.loopDone
	s.mu.RUnlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-done
}

// Done returns a channel closed when the current connection ends. It is nil
// when nothing is attached.
func (s *Session) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.loopDone
}

// IsConnected reports whether a connection is attached and still open
// according to the transport itself.
func (s *Session) IsConnected() bool {
	return s.activeConn() != nil
}

func (s *Session) activeConn() Conn {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil || conn.Closed() {
		return nil
	}
	return conn
}

// readLoop reads frames until the connection ends. done is closed before the
// disconnect notification goes out, so a listener may call Detach or stop the
// supervisor.
func (s *Session) readLoop(conn Conn, done chan struct{}) {
	var readErr error
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		s.handleFrame(data)
	}

	n, current := s.release(conn, readErr)
	close(done)
	if current {
		s.notify(n)
	}
}

// release clears per-connection state and fails commands still waiting on
// conn. Await waiters are kept: a restart notice usually arrives on the next
// connection. It reports whether conn was the attached connection.
func (s *Session) release(conn Conn, cause error) (Notification, bool) {
	s.mu.Lock()
	current := s.conn == conn
	var sessionID string
	if current {
		sessionID = s.sessionID
		s.conn = nil
		s.sessionID = ""
		s.helloSeen = false
		s.lastHeartbeat = time.Time{}
	}
	s.mu.Unlock()

	conn.Close()
	if !current {
		return Notification{}, false
	}

	if n := s.pending.failAll(ErrConnectionLost); n > 0 {
		s.logger.Warn("failed pending commands on disconnect", "count", n)
	}
	s.logger.Debug("connection released", "session_id", sessionID, "cause", cause)
	return Notification{Event: EventDisconnected, SessionID: sessionID, Err: cause}, true
}

// handleFrame parses and dispatches one inbound frame. Nothing here may end
// the receive loop.
func (s *Session) handleFrame(data []byte) {
	env, err := protocol.ParseFrame(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			s.markSeen()
			s.logger.Debug("ignoring unknown frame", "type", env.Type)
			return
		}
		s.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	s.markSeen()

	switch env.Type {
	case protocol.TypeHello:
		var h protocol.Hello
		if err := env.Decode(&h); err != nil {
			s.logger.Warn("dropping frame", "error", err)
			return
		}
		s.handleHello(h)

	case protocol.TypeHeartbeat:
		s.mu.Lock()
		s.lastHeartbeat = time.Now()
		s.mu.Unlock()

	case protocol.TypePong:
		// markSeen already recorded it.

	case protocol.TypeContextUpdate:
		var c protocol.ContextUpdate
		if err := env.Decode(&c); err != nil {
			s.logger.Warn("dropping frame", "error", err)
			return
		}
		s.mu.Lock()
		s.snapshot = c.Payload
		sessionID := s.sessionID
		s.mu.Unlock()
		s.notify(Notification{Event: EventContextUpdated, SessionID: sessionID, Context: c.Payload})

	case protocol.TypeCommandResult:
		var r protocol.CommandResult
		if err := env.Decode(&r); err != nil {
			s.logger.Warn("dropping frame", "error", err)
			return
		}
		if !s.pending.resolve(r) {
			s.logger.Debug("discarding result for unknown command", "command_id", r.CommandID)
		}

	case protocol.TypeCompilationComplete:
		var c protocol.CompilationComplete
		if err := env.Decode(&c); err != nil {
			s.logger.Warn("dropping frame", "error", err)
			return
		}
		result := c.Result
		s.resolveWaiters(Condition{Kind: ConditionCompilation, Compilation: &result})

	case protocol.TypeBridgeRestarted:
		var r protocol.BridgeRestarted
		if err := env.Decode(&r); err != nil {
			s.logger.Warn("dropping frame", "error", err)
			return
		}
		if r.SessionID != "" {
			s.mu.Lock()
			s.sessionID = r.SessionID
			s.mu.Unlock()
		}
		s.logger.Info("editor bridge restarted", "reason", r.Reason, "session_id", r.SessionID)
		s.resolveWaiters(Condition{Kind: ConditionRestarted, Reason: r.Reason, SessionID: r.SessionID})
	}
}

func (s *Session) handleHello(h protocol.Hello) {
	s.mu.Lock()
	first := !s.helloSeen
	s.helloSeen = true
	s.sessionID = h.SessionID
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	if !first {
		s.logger.Info("session id updated", "session_id", h.SessionID)
		return
	}
	s.logger.Info("editor connected",
		"session_id", h.SessionID,
		"peer_version", h.PeerVersion,
		"project", h.ProjectName,
	)
	s.notify(Notification{Event: EventConnected, SessionID: h.SessionID})
}

func (s *Session) markSeen() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// SendCommand issues toolName to the editor and blocks until its result
// arrives, timeout elapses or ctx is done. A non-positive timeout uses the
// default of 30s.
func (s *Session) SendCommand(ctx context.Context, toolName string, payload any, timeout time.Duration) (json.RawMessage, error) {
	conn := s.activeConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	id := uuid.NewString()
	data, err := protocol.NewCommandExecute(id, toolName, payload)
	if err != nil {
		return nil, err
	}

	// The deadline starts before the write, and the entry is registered
	// before it too so a fast reply cannot miss it.
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	pc := s.pending.register(id, toolName)

	// The write runs on its own goroutine: a peer that stops reading must not
	// hold the caller past its deadline.
	written := make(chan error, 1)
	go func() { written <- conn.WriteMessage(data) }()

	for {
		select {
		case err := <-written:
			written = nil
			if err == nil {
				continue
			}
			if !s.pending.cancel(id) {
				// Already failed by the detach that this write error caused.
				out := <-pc.done
				return out.result, out.err
			}
			if errors.Is(err, ErrNotConnected) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: send %s: %v", ErrNotConnected, toolName, err)
		case out := <-pc.done:
			return out.result, out.err
		case <-timer.C:
			if s.pending.cancel(id) {
				return nil, fmt.Errorf("%w: %s after %s", ErrCommandTimeout, toolName, timeout)
			}
			// The result won the race; it is already on its way.
			out := <-pc.done
			return out.result, out.err
		case <-ctx.Done():
			if s.pending.cancel(id) {
				return nil, ctx.Err()
			}
			out := <-pc.done
			return out.result, out.err
		}
	}
}

// SendPing writes a ping frame. It fails with ErrNotConnected when nothing
// is attached or the attached transport has already closed.
func (s *Session) SendPing() error {
	conn := s.activeConn()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.NewPing(time.Now())
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// AwaitCondition blocks until the editor reports a finished compilation or a
// restart, timeout elapses or ctx is done.
func (s *Session) AwaitCondition(ctx context.Context, timeout time.Duration) (Condition, error) {
	ch := make(chan Condition, 1)
	s.waitersMu.Lock()
	s.waiters[ch] = struct{}{}
	s.waitersMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case c := <-ch:
		return c, nil
	case <-timer.C:
		err = fmt.Errorf("%w after %s", ErrAwaitTimeout, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.waitersMu.Lock()
	_, stillWaiting := s.waiters[ch]
	delete(s.waiters, ch)
	s.waitersMu.Unlock()
	if !stillWaiting {
		return <-ch, nil
	}
	return Condition{}, err
}

func (s *Session) resolveWaiters(c Condition) {
	s.waitersMu.Lock()
	waiters := s.waiters
	s.waiters = make(map[chan Condition]struct{})
	s.waitersMu.Unlock()

	for ch := range waiters {
		ch <- c
	}
}

// SessionID returns the peer-assigned id, empty when detached.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// LastHeartbeat returns the time of the last attach, hello or heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// LastSeen returns the time the last recognized inbound frame arrived.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Context returns the most recent context snapshot from the editor.
func (s *Session) Context() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil
	}
	return append(json.RawMessage(nil), s.snapshot...)
}

// Info returns a point-in-time view of the session.
func (s *Session) Info() Info {
	connected := s.IsConnected()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Connected:       connected,
		SessionID:       s.sessionID,
		LastHeartbeat:   s.lastHeartbeat,
		LastSeen:        s.lastSeen,
		PendingCommands: s.pending.len(),
	}
}
