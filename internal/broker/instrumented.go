package broker

import (
	"context"
	"time"
)

// MetricsRecorder is an interface for recording broker metrics.
// This avoids import cycles with the metrics package.
type MetricsRecorder interface {
	RecordPublish(node string, latency time.Duration, err error)
}

// InstrumentedDialer wraps a Dialer so that every connection it opens
// records publish latency.
type InstrumentedDialer struct {
	inner   Dialer
	metrics MetricsRecorder
}

// NewInstrumentedDialer creates a new instrumented dialer that records metrics.
func NewInstrumentedDialer(inner Dialer, metrics MetricsRecorder) *InstrumentedDialer {
	return &InstrumentedDialer{
		inner:   inner,
		metrics: metrics,
	}
}

// Dial opens a connection through the inner dialer.
func (d *InstrumentedDialer) Dial(ctx context.Context, url string, l Listener) (Conn, error) {
	conn, err := d.inner.Dial(ctx, url, l)
	if err != nil {
		return nil, err
	}
	return &instrumentedConn{inner: conn, metrics: d.metrics}, nil
}

type instrumentedConn struct {
	inner   Conn
	metrics MetricsRecorder
}

func (c *instrumentedConn) Subscribe(ctx context.Context, node string) error {
	return c.inner.Subscribe(ctx, node)
}

// Publish publishes msg and records metrics.
func (c *instrumentedConn) Publish(ctx context.Context, node string, msg Message) error {
	start := time.Now()
	err := c.inner.Publish(ctx, node, msg)

	if c.metrics != nil {
		c.metrics.RecordPublish(node, time.Since(start), err)
	}

	return err
}

func (c *instrumentedConn) Close() error {
	return c.inner.Close()
}
