package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

// NATSDialer connects to a NATS server. Nodes map to subjects; each message
// travels as a JSON body with its headers mirrored into NATS headers.
type NATSDialer struct {
	// Name identifies this client to the server.
	Name string

	// Timeout bounds the initial connect; 5s when zero.
	Timeout time.Duration
}

// Dial connects to url (e.g. nats://localhost:4222). The client's own
// reconnect logic is disabled so that a dropped connection surfaces as
// OnError/OnClose.
func (d *NATSDialer) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	c := &natsConn{listener: l}

	opts := []nats.Option{
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if d.Name != "" {
		opts = append(opts, nats.Name(d.Name))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "connect to nats", err)
	}
	c.nc = nc

	return c, nil
}

type natsConn struct {
	nc       *nats.Conn
	listener Listener

	mu      sync.Mutex
	subs    []*nats.Subscription
	closing atomic.Bool
	ended   atomic.Bool
}

func (c *natsConn) Subscribe(_ context.Context, node string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.nc.Subscribe(node, c.handleMsg)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "subscribe to "+node, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *natsConn) Publish(ctx context.Context, node string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "marshal message", err)
	}

	out := nats.NewMsg(node)
	out.Data = data
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}

	if err := c.nc.PublishMsg(out); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "publish to nats", err)
	}
	if _, ok := ctx.Deadline(); ok {
		if err := c.nc.FlushWithContext(ctx); err != nil {
			return apperrors.Wrap(apperrors.CodeTimeout, "flush nats publish", err)
		}
	}
	return nil
}

func (c *natsConn) Close() error {
	c.closing.Store(true)

	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()

	c.nc.Close()
	return nil
}

func (c *natsConn) handleMsg(m *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		// Not an envelope written by a bridge; surface the raw body.
		msg = Message{Topic: m.Subject, Data: string(m.Data)}
	}

	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}
	mergeHeaders(&msg, headers)

	c.listener.OnMessage(msg)
}

func (c *natsConn) handleDisconnect(_ *nats.Conn, err error) {
	if err == nil || errors.Is(err, io.EOF) {
		return // the closed handler follows
	}
	c.end(err)
}

func (c *natsConn) handleClosed(_ *nats.Conn) {
	c.end(nil)
}

func (c *natsConn) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.end(err)
}

// end reports the first terminal notification unless the owner closed the
// connection.
func (c *natsConn) end(err error) {
	if c.closing.Load() || !c.ended.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		c.listener.OnError(err)
		return
	}
	c.listener.OnClose()
}
