package link

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/logger"
)

// failure classifies why a connection was torn down.
type failure int

const (
	failClosed failure = iota
	failError
	failConnect
	failReset
)

func (f failure) String() string {
	switch f {
	case failClosed:
		return "closed"
	case failError:
		return "error"
	case failConnect:
		return "connect_failed"
	case failReset:
		return "reset"
	default:
		return "unknown"
	}
}

type eventKind int

const (
	evConnected eventKind = iota
	evConnectFailed
	evClosed
	evError
	evDeliver
	evReconnectDue
	evReset
)

type event[C io.Closer] struct {
	kind    eventKind
	attempt uint64
	conn    C
	err     error
	payload any
}

// attempt is one connection attempt. Its context is cancelled as soon as the
// attempt is superseded, which aborts a running handshake and releases
// transport goroutines waiting to post.
type attempt struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
}

type session[C io.Closer] struct {
	attempt uint64
	conn    C
}

// notifier is the transport's handle back into the machine for one attempt.
type notifier[C io.Closer] struct {
	m *machine[C]
	a *attempt
}

func (n notifier[C]) deliver(payload any) {
	n.m.postAttempt(n.a, event[C]{kind: evDeliver, attempt: n.a.id, payload: payload})
}

func (n notifier[C]) closed() {
	n.m.postAttempt(n.a, event[C]{kind: evClosed, attempt: n.a.id})
}

func (n notifier[C]) failed(err error) {
	n.m.postAttempt(n.a, event[C]{kind: evError, attempt: n.a.id, err: err})
}

type machineConfig[C io.Closer] struct {
	name      string
	dial      func(ctx context.Context, n notifier[C]) (C, error)
	delay     func(failure) time.Duration
	deliver   func(ctx context.Context, payload any)
	afterFunc AfterFunc
	observer  StateObserver
	log       *logger.Logger
}

// machine is the reconnect state machine shared by all links.
type machine[C io.Closer] struct {
	machineConfig[C]

	events  chan event[C]
	done    chan struct{}
	started atomic.Bool
	state   atomic.Int32
	session atomic.Pointer[session[C]]

	// Owned by the event loop.
	ctx     context.Context
	current *attempt
	nextID  uint64
	conn    *session[C]
	timer   reconnectTimer
	onDown  []func()
}

func newMachine[C io.Closer](cfg machineConfig[C]) *machine[C] {
	if cfg.afterFunc == nil {
		cfg.afterFunc = StdAfterFunc
	}
	if cfg.observer == nil {
		cfg.observer = nopObserver{}
	}
	if cfg.log == nil {
		cfg.log = logger.Default()
	}
	cfg.log = cfg.log.WithLink(cfg.name)

	return &machine[C]{
		machineConfig: cfg,
		events:        make(chan event[C], 64),
		done:          make(chan struct{}),
		timer:         reconnectTimer{afterFunc: cfg.afterFunc},
	}
}

// State returns the current state.
func (m *machine[C]) State() State {
	return State(m.state.Load())
}

// active returns the connection of a ready link.
func (m *machine[C]) active() (C, error) {
	s := m.session.Load()
	if s == nil {
		var zero C
		return zero, errors.NotConnectedError(m.name)
	}
	return s.conn, nil
}

// reset asks the loop to tear down the current connection, if any.
func (m *machine[C]) reset(reason error) {
	m.post(event[C]{kind: evReset, err: reason})
}

// run is the event loop. It returns when ctx is cancelled.
func (m *machine[C]) run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New(errors.CodeInternal, m.name+" is already running")
	}
	defer close(m.done)

	m.ctx = ctx
	m.connect()

	for {
		select {
		case <-ctx.Done():
			m.timer.stop()
			m.teardown()
			m.setState(StateDisconnected)
			m.log.Info("Link stopped")
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *machine[C]) handle(ev event[C]) {
	switch ev.kind {
	case evConnected:
		if !m.isCurrent(ev.attempt) || m.State() != StateConnecting {
			_ = ev.conn.Close()
			return
		}
		m.conn = &session[C]{attempt: ev.attempt, conn: ev.conn}
		m.session.Store(m.conn)
		m.setState(StateReady)
		m.log.Info("Link ready", "attempt", ev.attempt)

	case evConnectFailed:
		if m.isCurrent(ev.attempt) {
			m.fail(failConnect, ev.err)
		}

	case evClosed:
		if m.isCurrent(ev.attempt) {
			m.fail(failClosed, nil)
		}

	case evError:
		if m.isCurrent(ev.attempt) {
			m.fail(failError, ev.err)
		}

	case evDeliver:
		if m.isCurrent(ev.attempt) && m.deliver != nil {
			m.deliver(m.ctx, ev.payload)
		}

	case evReconnectDue:
		m.timer.fired()
		if m.State() == StateDisconnected {
			m.connect()
		}

	case evReset:
		if m.State() != StateDisconnected {
			m.fail(failReset, ev.err)
		}
	}
}

func (m *machine[C]) connect() {
	m.nextID++
	ctx, cancel := context.WithCancel(m.ctx)
	a := &attempt{id: m.nextID, ctx: ctx, cancel: cancel}
	m.current = a
	m.setState(StateConnecting)
	m.log.Debug("Connecting", "attempt", a.id)

	n := notifier[C]{m: m, a: a}
	go func() {
		conn, err := m.dial(a.ctx, n)
		if err != nil {
			m.postAttempt(a, event[C]{kind: evConnectFailed, attempt: a.id, err: err})
			return
		}
		if !m.postAttempt(a, event[C]{kind: evConnected, attempt: a.id, conn: conn}) {
			_ = conn.Close()
		}
	}()
}

// fail tears the connection down, propagates to coupled links and arms the
// reconnect timer unless one is already pending.
func (m *machine[C]) fail(f failure, err error) {
	m.teardown()
	m.setState(StateDisconnected)

	for _, fn := range m.onDown {
		fn()
	}

	delay := m.delay(f)
	log := m.log.With("cause", f.String(), "delay", delay)
	if err != nil {
		log = log.With("error", err.Error())
	}
	if f == failClosed || f == failReset {
		log.Info("Link down, reconnecting")
	} else {
		log.Warn("Link down, reconnecting")
	}

	if m.timer.schedule(delay, func() { m.post(event[C]{kind: evReconnectDue}) }) {
		m.observer.LinkReconnectScheduled(m.name, delay)
	}
}

// teardown invalidates the current attempt and closes its connection.
func (m *machine[C]) teardown() {
	m.session.Store(nil)
	if m.current != nil {
		m.current.cancel()
		m.current = nil
	}
	if m.conn != nil {
		_ = m.conn.conn.Close()
		m.conn = nil
	}
}

func (m *machine[C]) isCurrent(id uint64) bool {
	return m.current != nil && m.current.id == id
}

func (m *machine[C]) setState(s State) {
	if State(m.state.Swap(int32(s))) != s {
		m.observer.LinkStateChanged(m.name, s)
	}
}

// post queues an event that is not tied to an attempt.
func (m *machine[C]) post(ev event[C]) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// postAttempt queues an event unless its attempt has been superseded.
func (m *machine[C]) postAttempt(a *attempt, ev event[C]) bool {
	select {
	case m.events <- ev:
		return true
	case <-a.ctx.Done():
		return false
	case <-m.done:
		return false
	}
}
