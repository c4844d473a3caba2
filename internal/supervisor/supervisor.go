// Package supervisor keeps the session attached to the editor: it dials,
// watches the connection while it lives and redials with backoff when it
// ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"editor-bridge/internal/session"
)

const defaultHistorySize = 64

// quickBackoff is the delay after each of the first consecutive dial failures.
var quickBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// SteadyInterval clamps the configured retry interval to at least one second.
func SteadyInterval(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

// BackoffDelay returns the wait before the next dial after the given number
// of consecutive failures.
func BackoffDelay(failures int, steady time.Duration) time.Duration {
	if failures >= 1 && failures <= len(quickBackoff) {
		return quickBackoff[failures-1]
	}
	return SteadyInterval(steady)
}

// Dialer opens one transport to the editor.
type Dialer func(ctx context.Context) (session.Conn, error)

// Target is the editor's websocket address. The port can be changed while
// the supervisor runs; the next dial uses it.
type Target struct {
	host string
	port atomic.Int32
}

// NewTarget creates a target for host:port.
func NewTarget(host string, port int) *Target {
	t := &Target{host: host}
	t.port.Store(int32(port))
	return t
}

// Port returns the current port.
func (t *Target) Port() int { return int(t.port.Load()) }

// SetPort changes the port and reports whether it differs from the old one.
func (t *Target) SetPort(port int) bool {
	return t.port.Swap(int32(port)) != int32(port)
}

// URL returns the websocket URL for the current port.
func (t *Target) URL() string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(t.host, strconv.Itoa(t.Port())), Path: "/"}
	return u.String()
}

// WebsocketDialer dials target with opts on every call.
func WebsocketDialer(target *Target, opts session.DialOptions) Dialer {
	return func(ctx context.Context) (session.Conn, error) {
		return session.Dial(ctx, target.URL(), opts)
	}
}

// Config tunes the supervisor.
type Config struct {
	RetryInterval time.Duration // steady-state delay between failed dials
	PingInterval  time.Duration
	ProbeFailures int
	StaleAfter    time.Duration // zero disables the staleness probe
	HistorySize   int
	Describe      func() string // reported as the dial target in logs and history
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Running      bool              `json:"running"`
	Connected    bool              `json:"connected"`
	Failures     int               `json:"consecutiveFailures"`
	NextRetry    time.Duration     `json:"nextRetryNs,omitempty"`
	Target       string            `json:"target,omitempty"`
	Session      session.Info      `json:"session"`
	RecentEvents []ConnectionEvent `json:"recentEvents"`
}

// Supervisor owns the connect/retry loop for one Session.
type Supervisor struct {
	cfg     Config
	sess    *session.Session
	dial    Dialer
	logger  *slog.Logger
	history *History
	backoff func(failures int) time.Duration
	steady  time.Duration

	wake        chan struct{}
	intentional atomic.Bool
	failures    atomic.Int64
	nextRetry   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor that attaches connections from dial to sess.
func New(sess *session.Session, dial Dialer, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	s := &Supervisor{
		cfg:     cfg,
		sess:    sess,
		dial:    dial,
		logger:  logger.With("component", "supervisor"),
		history: NewHistory(cfg.HistorySize),
		wake:    make(chan struct{}, 1),
		steady:  SteadyInterval(cfg.RetryInterval),
	}
	s.backoff = func(failures int) time.Duration {
		return BackoffDelay(failures, cfg.RetryInterval)
	}
	return s
}

// Start runs the loop in the background until Stop or until ctx is done.
// Calling Start on a running supervisor does nothing.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.intentional.Store(false)

	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("supervisor exited", "error", err)
		}
	}()
}

// Stop closes the connection gracefully and waits for the loop to exit or
// for ctx to be done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.intentional.Store(true)

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for supervisor: %w", ctx.Err())
	}
}

// Wake cuts a pending backoff wait short so the next dial happens now.
func (s *Supervisor) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// History returns recent connection events, oldest first.
func (s *Supervisor) History() []ConnectionEvent {
	return s.history.Events()
}

// Status reports whether the loop runs and the state of the connection.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	running := s.done != nil
	s.mu.Unlock()

	info := s.sess.Info()
	return Status{
		Running:      running,
		Connected:    info.Connected,
		Failures:     int(s.failures.Load()),
		NextRetry:    time.Duration(s.nextRetry.Load()),
		Target:       s.target(),
		Session:      info,
		RecentEvents: s.history.Events(),
	}
}

func (s *Supervisor) target() string {
	if s.cfg.Describe == nil {
		return ""
	}
	return s.cfg.Describe()
}

// Run is the connect/retry loop. It returns ctx.Err() once ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	var delay time.Duration

	for {
		if delay > 0 {
			s.nextRetry.Store(int64(delay))
			if !s.sleep(ctx, delay) {
				s.stopped(ctx)
				return ctx.Err()
			}
			s.nextRetry.Store(0)
		}
		if ctx.Err() != nil {
			s.stopped(ctx)
			return ctx.Err()
		}

		target := s.target()
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.stopped(ctx)
				return ctx.Err()
			}
			failures++
			s.failures.Store(int64(failures))
			delay = s.backoff(failures)
			s.history.Add(ConnectionEvent{Kind: KindDialFailed, Target: target, Attempt: failures, Detail: err.Error()})

			attrs := []any{"target", target, "attempt", failures, "retry_in", delay, "error", err}
			if failures <= len(quickBackoff) {
				s.logger.Info("connect failed, retrying", attrs...)
			} else {
				s.logger.Warn("connect failed, retrying", attrs...)
			}
			continue
		}

		failures = 0
		s.failures.Store(0)
		delay = s.steady
		s.history.Add(ConnectionEvent{Kind: KindConnected, Target: target})
		s.logger.Info("connected", "target", target)

		s.watch(ctx, conn)
	}
}

// sleep waits for d, a Wake or ctx. It reports false if ctx ended the wait.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.wake:
		s.logger.Debug("retry wait cut short")
		return true
	case <-ctx.Done():
		return false
	}
}

// watch attaches conn and blocks until the transport ends, the liveness
// monitor gives up or ctx is done, whichever comes first.
func (s *Supervisor) watch(ctx context.Context, conn session.Conn) {
	done := s.sess.Attach(conn)

	probeCtx, cancelProbe := context.WithCancel(ctx)
	monitor := NewLivenessMonitor(s.sess, s.cfg.PingInterval, s.cfg.ProbeFailures, s.cfg.StaleAfter, s.logger)
	lost := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lost <- monitor.Run(probeCtx)
	}()
	defer func() {
		cancelProbe()
		wg.Wait()
	}()

	select {
	case <-done:
		if s.intentional.Load() || ctx.Err() != nil {
			return
		}
		s.history.Add(ConnectionEvent{Kind: KindDisconnected, Target: s.target()})
		s.logger.Warn("unexpected disconnect", "target", s.target())

	case err := <-lost:
		if !errors.Is(err, ErrLivenessLost) {
			// The probe only stops early on ctx.
			s.sess.Detach()
			return
		}
		s.history.Add(ConnectionEvent{Kind: KindLivenessLost, Target: s.target(), Detail: err.Error()})
		s.logger.Warn("peer unresponsive, closing connection", "error", err)
		s.sess.Detach()

	case <-ctx.Done():
		s.sess.Detach()
	}
}

func (s *Supervisor) stopped(ctx context.Context) {
	s.history.Add(ConnectionEvent{Kind: KindStopped, Detail: context.Cause(ctx).Error()})
	s.logger.Info("supervisor stopped")
}
