// Package broker provides publish/subscribe transports for the message broker
// side of the bridge.
//
// A Dialer opens one Conn per connection attempt. The Conn reports its
// lifecycle through the Listener given at dial time: OnMessage for every
// delivered message, then at most one of OnClose or OnError when the
// connection ends. Closes initiated through Conn.Close are not reported.
// Transports never reconnect on their own; reconnecting is the caller's job.
package broker

import (
	"context"
	"strings"
)

// HeaderOverlaySource names the overlay source tag a message originated from.
const HeaderOverlaySource = "x-overlay-source"

// Message is a topic-addressed payload exchanged with the broker.
type Message struct {
	// Topic is "<namespace>:<verb>", e.g. "clock:arm".
	Topic string `json:"topic" msgpack:"topic"`

	// Headers carry routing metadata, never business payload.
	Headers map[string]string `json:"headers,omitempty" msgpack:"headers,omitempty"`

	// Data is nil, a string, or a map[string]any depending on the topic.
	Data any `json:"data,omitempty" msgpack:"data,omitempty"`
}

// NewMessage creates a message with an empty header set.
func NewMessage(topic string, data any) Message {
	return Message{
		Topic:   topic,
		Headers: make(map[string]string),
		Data:    data,
	}
}

// Header returns the value of a header and whether it is present.
func (m Message) Header(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// SetHeader sets a header, allocating the header map if needed.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// SplitTopic splits a topic into namespace and verb. A topic without a colon
// has an empty verb.
func SplitTopic(topic string) (namespace, verb string) {
	namespace, verb, _ = strings.Cut(topic, ":")
	return namespace, verb
}

// Listener receives notifications from a Conn.
type Listener interface {
	// OnMessage is called for each message delivered on a subscribed node.
	OnMessage(msg Message)

	// OnClose is called when the peer closes the connection cleanly.
	OnClose()

	// OnError is called when the connection fails.
	OnError(err error)
}

// Conn is one open broker connection.
type Conn interface {
	// Subscribe starts delivery of messages published on node.
	Subscribe(ctx context.Context, node string) error

	// Publish sends msg to node.
	Publish(ctx context.Context, node string, msg Message) error

	// Close closes the connection without notifying the listener.
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string, l Listener) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string, l Listener) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	return f(ctx, url, l)
}

// mergeHeaders copies transport-level headers into msg without overriding
// headers carried in the message body.
func mergeHeaders(msg *Message, headers map[string]string) {
	for k, v := range headers {
		if _, ok := msg.Headers[k]; ok {
			continue
		}
		msg.SetHeader(k, v)
	}
}
