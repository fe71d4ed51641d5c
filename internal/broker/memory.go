package broker

import (
	"context"
	"sync"

	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

// MemoryHub is an in-process broker. Every connection dialed from the same hub
// shares its nodes, so a connection subscribed to the node it publishes on
// receives its own messages, as with mhub.
type MemoryHub struct {
	mu      sync.RWMutex
	conns   map[*memoryConn]struct{}
	dialErr error
}

// NewMemoryHub creates an empty in-process broker.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		conns: make(map[*memoryConn]struct{}),
	}
}

// Dial opens a connection to the hub. The url is ignored.
func (h *MemoryHub) Dial(_ context.Context, _ string, l Listener) (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dialErr != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "memory hub refused connection", h.dialErr)
	}

	c := &memoryConn{
		hub:      h,
		listener: l,
		nodes:    make(map[string]bool),
	}
	h.conns[c] = struct{}{}
	return c, nil
}

// RefuseDials makes subsequent dials fail with err. A nil err accepts dials again.
func (h *MemoryHub) RefuseDials(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErr = err
}

// Inject delivers msg to the subscribers of node as if another client had
// published it.
func (h *MemoryHub) Inject(node string, msg Message) {
	h.deliver(node, msg)
}

// Disconnect ends every open connection. A nil err is reported to listeners
// as a clean close, anything else as an error.
func (h *MemoryHub) Disconnect(err error) {
	h.mu.Lock()
	conns := make([]*memoryConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*memoryConn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		if !c.markClosed() {
			continue
		}
		if err != nil {
			c.listener.OnError(err)
		} else {
			c.listener.OnClose()
		}
	}
}

// Connections returns the number of open connections.
func (h *MemoryHub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *MemoryHub) deliver(node string, msg Message) {
	h.mu.RLock()
	var targets []*memoryConn
	for c := range h.conns {
		if c.subscribed(node) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	// Deliver outside the lock; listeners may block.
	for _, c := range targets {
		c.listener.OnMessage(cloneMessage(msg))
	}
}

func (h *MemoryHub) remove(c *memoryConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

type memoryConn struct {
	hub      *MemoryHub
	listener Listener

	mu     sync.Mutex
	nodes  map[string]bool
	closed bool
}

func (c *memoryConn) Subscribe(_ context.Context, node string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ClosedError("memory connection", nil)
	}
	c.nodes[node] = true
	return nil
}

func (c *memoryConn) Publish(_ context.Context, node string, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return errors.ClosedError("memory connection", nil)
	}
	c.hub.deliver(node, msg)
	return nil
}

func (c *memoryConn) Close() error {
	if c.markClosed() {
		c.hub.remove(c)
	}
	return nil
}

func (c *memoryConn) subscribed(node string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.nodes[node]
}

// markClosed reports whether this call closed the connection.
func (c *memoryConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func cloneMessage(msg Message) Message {
	out := Message{Topic: msg.Topic, Data: msg.Data}
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
