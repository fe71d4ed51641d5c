// Package overlay provides a client for the legacy overlay server protocol.
//
// The protocol is line based over TCP. Every command line is answered by a
// status reply of the form "<3-digit code>[ <text>]", in order. A connection
// switched into events mode additionally receives one line per overlay event.
package overlay

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

// CommandEventsMode switches a connection into event streaming.
const CommandEventsMode = "eventsmode"

const maxLineSize = 1 << 20

// Config configures a connection.
type Config struct {
	// Host is the overlay server host name.
	Host string

	// Port is the overlay server TCP port.
	Port int

	// AckTimeout bounds the wait for the status reply to each command.
	AckTimeout time.Duration

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// MaxAckTimeouts is the number of consecutive unanswered commands after
	// which the connection is dropped, since later replies can no longer be
	// matched.
	MaxAckTimeouts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        5001,
		AckTimeout:     2 * time.Second,
		DialTimeout:    5 * time.Second,
		MaxAckTimeouts: 3,
	}
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Listener receives notifications from a Conn.
type Listener interface {
	// OnEvent is called for each event line once events mode is active.
	OnEvent(line string)

	// OnClose is called once when the server closes the connection (nil
	// err) or reading fails. It is not called after Conn.Close.
	OnClose(err error)
}

// Conn is one connection to the overlay server.
type Conn struct {
	conn       net.Conn
	listener   Listener
	ackTimeout time.Duration

	maxTimeouts int32
	timeouts    atomic.Int32

	// writeMu keeps the write order and the pending queue order identical.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending []*pendingReply

	eventsMode atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}
}

type pendingReply struct {
	command string
	ch      chan error
	onAck   func()
}

// Dial connects to the overlay server and starts reading.
func Dial(ctx context.Context, cfg Config, l Listener) (*Conn, error) {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if cfg.MaxAckTimeouts <= 0 {
		cfg.MaxAckTimeouts = DefaultConfig().MaxAckTimeouts
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "connect to overlay server", err).
			WithDetail("address", cfg.Address())
	}

	c := &Conn{
		conn:        nc,
		listener:    l,
		ackTimeout:  cfg.AckTimeout,
		maxTimeouts: int32(cfg.MaxAckTimeouts),
		done:        make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// Send writes a command line and waits for its status reply. A non-2xx
// reply is returned as a REJECTED error.
func (c *Conn) Send(ctx context.Context, line string) error {
	return c.send(ctx, line, nil)
}

// EventsMode switches the connection into event streaming. Event lines are
// delivered to the listener once the server acknowledges.
func (c *Conn) EventsMode(ctx context.Context) error {
	return c.send(ctx, CommandEventsMode, func() { c.eventsMode.Store(true) })
}

// Close closes the connection without notifying the listener. Pending sends
// fail with a CLOSED error.
func (c *Conn) Close() error {
	c.shutdown(nil, false)
	return nil
}

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) send(ctx context.Context, line string, onAck func()) error {
	if strings.ContainsAny(line, "\r\n") {
		return errors.ValidationError("command line cannot contain line breaks")
	}

	p := &pendingReply{
		command: firstWord(line),
		ch:      make(chan error, 1),
		onAck:   onAck,
	}

	if err := c.write(ctx, line, p); err != nil {
		return err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case err := <-p.ch:
		return err
	case <-timer.C:
		// The slot stays queued so a late reply is matched to it.
		err := errors.TimeoutError("overlay " + p.command)
		if c.timeouts.Add(1) >= c.maxTimeouts {
			c.shutdown(err, true)
		}
		return err
	case <-ctx.Done():
		return errors.Wrap(errors.CodeTimeout, "overlay "+p.command, ctx.Err())
	case <-c.done:
		return errors.ClosedError("overlay connection", nil)
	}
}

// write queues p and writes the line.
func (c *Conn) write(ctx context.Context, line string, p *pendingReply) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return errors.ClosedError("overlay connection", nil)
	default:
	}

	c.mu.Lock()
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.ackTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.shutdown(err, true)
		return errors.ClosedError("overlay connection", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if code, ok := parseReply(line); ok && c.deliverReply(code, line) {
			continue
		}
		if c.eventsMode.Load() {
			c.listener.OnEvent(line)
		}
		// Anything else (greetings, unsolicited replies) is dropped.
	}

	c.shutdown(scanner.Err(), true)
}

// deliverReply completes the oldest pending command. It reports false when
// nothing is pending.
func (c *Conn) deliverReply(code int, line string) bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	p := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	c.mu.Unlock()

	c.timeouts.Store(0)

	if code < 200 || code > 299 {
		p.ch <- errors.RejectedError(p.command, line)
		return true
	}
	if p.onAck != nil {
		p.onAck()
	}
	p.ch <- nil
	return true
}

// shutdown closes the socket once. Only failures seen by the connection
// itself are reported to the listener.
func (c *Conn) shutdown(err error, notify bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()

		if notify {
			c.listener.OnClose(err)
		}
	})
}

// parseReply recognizes a status reply and returns its code.
func parseReply(line string) (int, bool) {
	if len(line) < 3 || (len(line) > 3 && line[3] != ' ') {
		return 0, false
	}
	code := 0
	for i := 0; i < 3; i++ {
		ch := line[i]
		if ch < '0' || ch > '9' {
			return 0, false
		}
		code = code*10 + int(ch-'0')
	}
	return code, true
}

func firstWord(line string) string {
	word, _, _ := strings.Cut(line, " ")
	return word
}
