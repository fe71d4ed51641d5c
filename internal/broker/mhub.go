package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

// mhub frame types.
const (
	frameSubscribe = "subscribe"
	framePublish   = "publish"
	frameMessage   = "message"
	frameError     = "error"
)

// mhubFrame is one JSON frame of the mhub WebSocket protocol.
type mhubFrame struct {
	Type         string            `json:"type"`
	Node         string            `json:"node,omitempty"`
	ID           string            `json:"id,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Data         any               `json:"data,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Subscription string            `json:"subscription,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// mhubIncoming is a frame received from the server. Header values may be
// strings, booleans or numbers.
type mhubIncoming struct {
	Type    string         `json:"type"`
	Topic   string         `json:"topic,omitempty"`
	Data    any            `json:"data,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Message string         `json:"message,omitempty"`
}

// MHubDialer connects to an mhub server over WebSocket.
type MHubDialer struct {
	// Dialer is the WebSocket dialer; websocket.DefaultDialer when nil.
	Dialer *websocket.Dialer

	// WriteTimeout bounds each frame write when the context has no deadline.
	WriteTimeout time.Duration
}

// NewMHubDialer creates a dialer with default settings.
func NewMHubDialer() *MHubDialer {
	return &MHubDialer{
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: 10 * time.Second,
	}
}

// Dial opens a WebSocket connection to url (e.g. ws://localhost:13900).
func (d *MHubDialer) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "dial mhub", err)
	}

	c := &mhubConn{
		ws:           ws,
		listener:     l,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

type mhubConn struct {
	ws           *websocket.Conn
	listener     Listener
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *mhubConn) Subscribe(ctx context.Context, node string) error {
	return c.write(ctx, mhubFrame{
		Type: frameSubscribe,
		Node: node,
		ID:   "default",
	})
}

func (c *mhubConn) Publish(ctx context.Context, node string, msg Message) error {
	return c.write(ctx, mhubFrame{
		Type:    framePublish,
		Node:    node,
		Topic:   msg.Topic,
		Data:    msg.Data,
		Headers: msg.Headers,
	})
}

func (c *mhubConn) Close() error {
	c.shutdown(nil, false)
	return nil
}

func (c *mhubConn) write(ctx context.Context, frame mhubFrame) error {
	select {
	case <-c.done:
		return apperrors.ClosedError("mhub connection", nil)
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "marshal mhub frame", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "write mhub frame", err)
	}
	return nil
}

func (c *mhubConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(err, true)
			return
		}

		var frame mhubIncoming
		if err := json.Unmarshal(data, &frame); err != nil {
			// Other publishers share the node; one bad frame is dropped.
			continue
		}

		switch frame.Type {
		case frameMessage:
			c.listener.OnMessage(Message{
				Topic:   frame.Topic,
				Headers: headerStrings(frame.Headers),
				Data:    frame.Data,
			})
		case frameError:
			c.shutdown(apperrors.ProtocolError("mhub: "+frame.Message), true)
			return
		default:
			// Acks and other control frames carry nothing for the bridge.
		}
	}
}

// shutdown closes the socket once. Only failures seen by the read loop are
// reported to the listener.
func (c *mhubConn) shutdown(err error, notify bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()

		if !notify {
			return
		}
		if err != nil {
			c.listener.OnError(err)
		} else {
			c.listener.OnClose()
		}
	})
}

// headerStrings converts mhub header values to strings. Values that are
// neither strings, booleans nor numbers are skipped.
func headerStrings(in map[string]any) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch v := v.(type) {
		case string:
			out[k] = v
		case bool:
			out[k] = strconv.FormatBool(v)
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return out
}
