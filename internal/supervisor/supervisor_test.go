package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"editor-bridge/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound  chan []byte
	stop     chan struct{}
	once     sync.Once
	closed   atomic.Bool
	writeErr error
	// wedge marks the conn closed on a write error while ReadMessage keeps
	// blocking, like a transport whose reader has not noticed yet.
	wedge bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 8), stop: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.stop:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage([]byte) error {
	if c.closed.Load() {
		return session.ErrNotConnected
	}
	if c.writeErr != nil && c.wedge {
		c.closed.Store(true)
	}
	return c.writeErr
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.stop)
	})
	return nil
}

func (c *fakeConn) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Closed() bool { return c.closed.Load() }

// fakeDialer fails the first failFirst calls, then hands out fresh conns.
type fakeDialer struct {
	failFirst int32
	calls     atomic.Int32
	conns     chan *fakeConn
	prepare   func(*fakeConn)
}

func newFakeDialer(failFirst int) *fakeDialer {
	return &fakeDialer{failFirst: int32(failFirst), conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) dial(ctx context.Context) (session.Conn, error) {
	n := d.calls.Add(1)
	if n <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.prepare != nil {
		d.prepare(c)
	}
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func newTestSupervisor(d *fakeDialer, cfg Config) (*Supervisor, *session.Session) {
	sess := session.New(nil)
	s := New(sess, d.dial, cfg, nil)
	s.backoff = func(int) time.Duration { return time.Millisecond }
	s.steady = time.Millisecond
	return s, sess
}

func kinds(events []ConnectionEvent) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func stop(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		steady   time.Duration
		want     time.Duration
	}{
		{1, 5 * time.Second, 500 * time.Millisecond},
		{2, 5 * time.Second, time.Second},
		{3, 5 * time.Second, 2 * time.Second},
		{4, 5 * time.Second, 5 * time.Second},
		{10, 5 * time.Second, 5 * time.Second},
		{4, 100 * time.Millisecond, time.Second},
		{0, 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.failures, tt.steady); got != tt.want {
			t.Errorf("BackoffDelay(%d, %s) = %s, want %s", tt.failures, tt.steady, got, tt.want)
		}
	}
}

func TestTarget(t *testing.T) {
	target := NewTarget("127.0.0.1", 6400)
	assert.Equal(t, "ws://127.0.0.1:6400/", target.URL())

	assert.False(t, target.SetPort(6400))
	assert.True(t, target.SetPort(6401))
	assert.Equal(t, 6401, target.Port())

	assert.Equal(t, "ws://[::1]:7000/", NewTarget("::1", 7000).URL())
}

func TestSupervisorRetriesThenConnects(t *testing.T) {
	d := newFakeDialer(2)
	s, sess := newTestSupervisor(d, Config{PingInterval: time.Hour})

	s.Start(context.Background())
	conn := d.next(t)

	assert.Eventually(t, sess.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Status().Failures)
	assert.Equal(t, []EventKind{KindDialFailed, KindDialFailed, KindConnected}, kinds(s.History()))

	stop(t, s)
	assert.True(t, conn.Closed())
	assert.False(t, sess.IsConnected())
	assert.False(t, s.Status().Running)

	events := kinds(s.History())
	assert.Equal(t, KindStopped, events[len(events)-1])
	assert.NotContains(t, events, KindDisconnected)
}

func TestSupervisorRedialsAfterUnexpectedDisconnect(t *testing.T) {
	d := newFakeDialer(0)
	s, sess := newTestSupervisor(d, Config{PingInterval: time.Hour})
	s.Start(context.Background())
	defer stop(t, s)

	first := d.next(t)
	first.Close()

	second := d.next(t)
	assert.NotSame(t, first, second)
	assert.Eventually(t, sess.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, kinds(s.History()), KindDisconnected)
}

func TestSupervisorTearsDownUnresponsivePeer(t *testing.T) {
	d := newFakeDialer(0)
	var dialed atomic.Int32
	d.prepare = func(c *fakeConn) {
		if dialed.Add(1) == 1 {
			c.writeErr = errBrokenPipe
		}
	}
	s, _ := newTestSupervisor(d, Config{PingInterval: 2 * time.Millisecond, ProbeFailures: 3})
	s.Start(context.Background())
	defer stop(t, s)

	first := d.next(t)
	d.next(t)

	assert.True(t, first.Closed())
	assert.Contains(t, kinds(s.History()), KindLivenessLost)
}

func TestSupervisorTearsDownTransportThatClosedWithoutEnding(t *testing.T) {
	d := newFakeDialer(0)
	var dialed atomic.Int32
	d.prepare = func(c *fakeConn) {
		if dialed.Add(1) == 1 {
			c.writeErr = errBrokenPipe
			c.wedge = true
		}
	}
	s, _ := newTestSupervisor(d, Config{PingInterval: 2 * time.Millisecond, ProbeFailures: 3})
	s.Start(context.Background())
	defer stop(t, s)

	first := d.next(t)
	d.next(t)

	assert.True(t, first.stopped(), "wedged conn was never closed")
	assert.Contains(t, kinds(s.History()), KindLivenessLost)
}

func TestSupervisorWakeCutsBackoffShort(t *testing.T) {
	d := newFakeDialer(1)
	sess := session.New(nil)
	s := New(sess, d.dial, Config{PingInterval: time.Hour}, nil)
	s.backoff = func(int) time.Duration { return time.Hour }

	s.Start(context.Background())
	defer stop(t, s)

	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Wake()
	d.next(t)
}

func TestSupervisorStopDuringBackoff(t *testing.T) {
	d := newFakeDialer(100)
	sess := session.New(nil)
	s := New(sess, d.dial, Config{}, nil)
	s.backoff = func(int) time.Duration { return time.Hour }

	s.Start(context.Background())
	require.Eventually(t, func() bool { return d.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	stop(t, s)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestSupervisorStopWithoutStart(t *testing.T) {
	s := New(session.New(nil), newFakeDialer(0).dial, Config{}, nil)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSupervisorStatusReportsTarget(t *testing.T) {
	target := NewTarget("127.0.0.1", 6400)
	d := newFakeDialer(1)
	s, _ := newTestSupervisor(d, Config{PingInterval: time.Hour, Describe: target.URL})
	s.backoff = func(int) time.Duration { return time.Hour }

	s.Start(context.Background())
	defer stop(t, s)

	require.Eventually(t, func() bool { return len(s.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Failures)
	assert.False(t, st.Connected)
	assert.Equal(t, "ws://127.0.0.1:6400/", st.Target)
	assert.Equal(t, "ws://127.0.0.1:6400/", st.RecentEvents[0].Target)
}
