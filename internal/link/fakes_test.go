package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlaybridge/overlay-bridge/internal/overlay"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// manualClock hands out timers that only fire when the test says so.
type manualClock struct {
	mu      sync.Mutex
	timers  []*manualTimer
	created int
}

type manualTimer struct {
	clock   *manualClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	c.created++
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// pending returns the timers that have neither fired nor been stopped.
func (c *manualClock) pending() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *manualClock) createdCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

// waitPending waits until exactly one timer is pending and returns it.
func (c *manualClock) waitPending(t *testing.T) *manualTimer {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.pending()) == 1 }, waitFor, tick)
	return c.pending()[0]
}

// fire runs a pending timer.
func (c *manualClock) fire(t *manualTimer) {
	c.mu.Lock()
	t.fired = true
	c.mu.Unlock()
	t.f()
}

// fakeOverlayConn records the commands written to it.
type fakeOverlayConn struct {
	listener overlay.Listener

	mu      sync.Mutex
	sent    []string
	closed  bool
	sendErr error
}

func (c *fakeOverlayConn) Send(_ context.Context, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ClosedError("overlay connection", nil)
	}
	c.sent = append(c.sent, line)
	return c.sendErr
}

func (c *fakeOverlayConn) EventsMode(ctx context.Context) error {
	return c.Send(ctx, overlay.CommandEventsMode)
}

func (c *fakeOverlayConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeOverlayConn) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeOverlayConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeOverlayServer is an OverlayDialFunc backed by fake connections.
type fakeOverlayServer struct {
	mu      sync.Mutex
	dialErr error
	sendErr error
	conns   chan *fakeOverlayConn
}

func newFakeOverlayServer() *fakeOverlayServer {
	return &fakeOverlayServer{conns: make(chan *fakeOverlayConn, 16)}
}

func (s *fakeOverlayServer) dial(_ context.Context, l overlay.Listener) (OverlayConn, error) {
	s.mu.Lock()
	dialErr, sendErr := s.dialErr, s.sendErr
	s.mu.Unlock()

	if dialErr != nil {
		return nil, dialErr
	}
	conn := &fakeOverlayConn{listener: l, sendErr: sendErr}
	s.conns <- conn
	return conn, nil
}

func (s *fakeOverlayServer) setDialErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

func (s *fakeOverlayServer) waitConn(t *testing.T) *fakeOverlayConn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("Timeout waiting for dial")
		return nil
	}
}

// stateRecorder is a StateObserver keeping every notification.
type stateRecorder struct {
	mu         sync.Mutex
	states     []State
	reconnects []time.Duration
}

func (r *stateRecorder) LinkStateChanged(_ string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) LinkReconnectScheduled(_ string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects = append(r.reconnects, d)
}

func (r *stateRecorder) snapshot() ([]State, []time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]time.Duration(nil), r.reconnects...)
}

// runLink starts run in the background and stops it at test end.
func runLink(t *testing.T, run func(context.Context) error) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("Run() did not return after cancel")
		}
	})
	return cancel
}
