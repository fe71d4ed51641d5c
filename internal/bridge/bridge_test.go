package bridge

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlaybridge/overlay-bridge/internal/broker"
	"github.com/overlaybridge/overlay-bridge/internal/identity"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/logger"
)

const self = identity.Identity("proxy-self")

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu        sync.Mutex
	published []broker.Message
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

type fakeControl struct {
	mu    sync.Mutex
	ready bool
	err   error
	sent  []string
}

func (c *fakeControl) Send(_ context.Context, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, line)
	return nil
}

func (c *fakeControl) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

type countingRecorder struct {
	mu        sync.Mutex
	received  int
	forwarded []string
	dropped   []string
}

func (r *countingRecorder) RecordReceived(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received++
}

func (r *countingRecorder) RecordForwarded(_, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, topic)
}

func (r *countingRecorder) RecordDropped(_, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, reason)
}

func newOverlayToBroker(pub Publisher, rec Recorder) *OverlayToBroker {
	return NewOverlayToBroker(OverlayToBrokerConfig{
		Identity: self,
		Broker:   pub,
		Recorder: rec,
		Logger:   logger.Discard(),
		Now:      func() time.Time { return fixedNow },
	})
}

func newBrokerToOverlay(ctrl CommandSender, rec Recorder) *BrokerToOverlay {
	return NewBrokerToOverlay(BrokerToOverlayConfig{
		Identity: self,
		Control:  ctrl,
		Recorder: rec,
		Logger:   logger.Discard(),
	})
}

func TestOverlayToBroker_Forwards(t *testing.T) {
	pub := &fakePublisher{}
	rec := &countingRecorder{}
	b := newOverlayToBroker(pub, rec)

	b.HandleLine(context.Background(), "main showclock arm")

	require.Len(t, pub.published, 1)
	msg := pub.published[0]
	require.Equal(t, "clock:arm", msg.Topic)
	require.Equal(t, "main", msg.Headers[broker.HeaderOverlaySource])
	require.Equal(t, "true", msg.Headers["x-via-proxy-self"])
	require.Equal(t, map[string]any{
		"countdown": 150,
		"timestamp": "2024-05-01T10:00:00.000Z",
	}, msg.Data)

	require.Equal(t, 1, rec.received)
	require.Equal(t, []string{"clock:arm"}, rec.forwarded)
	require.Empty(t, rec.dropped)
}

func TestOverlayToBroker_NoiseFilter(t *testing.T) {
	lines := []string{
		"main servertime 12:00:00",
		"main debugmessage hello",
		"main frobnicate now",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			pub := &fakePublisher{}
			rec := &countingRecorder{}
			b := newOverlayToBroker(pub, rec)

			b.HandleLine(context.Background(), line)

			require.Empty(t, pub.published)
			require.Equal(t, []string{DropNoise}, rec.dropped)
		})
	}
}

func TestOverlayToBroker_SourceLoopGuard(t *testing.T) {
	pub := &fakePublisher{}
	rec := &countingRecorder{}
	b := newOverlayToBroker(pub, rec)

	b.HandleLine(context.Background(), "proxy-self showclock start")
	require.Empty(t, pub.published)
	require.Equal(t, []string{DropOwnSource}, rec.dropped)

	// Another bridge instance's source is forwarded.
	b.HandleLine(context.Background(), "proxy-other showclock start")
	require.Len(t, pub.published, 1)
}

func TestOverlayToBroker_PublishFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{name: "broker not connected", err: errors.NotConnectedError("mserver"), reason: DropNotReady},
		{name: "publish error", err: stderrors.New("write: broken pipe"), reason: DropPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{err: tt.err}
			rec := &countingRecorder{}
			b := newOverlayToBroker(pub, rec)

			b.HandleLine(context.Background(), "main showtime True")
			b.HandleLine(context.Background(), "main showtime False")

			require.Equal(t, []string{tt.reason, tt.reason}, rec.dropped)
			require.Empty(t, rec.forwarded)
		})
	}
}

func TestBrokerToOverlay_Sends(t *testing.T) {
	ctrl := &fakeControl{ready: true}
	rec := &countingRecorder{}
	b := newBrokerToOverlay(ctrl, rec)

	msg := broker.NewMessage("announcement:show", map[string]any{"main": "Welcome\nteams"})
	b.HandleMessage(context.Background(), msg)

	require.Equal(t, []string{`directmsg Welcome\nteams`}, ctrl.sent)
	require.Equal(t, []string{"announcement:show"}, rec.forwarded)
}

func TestBrokerToOverlay_ViaLoopGuard(t *testing.T) {
	ctrl := &fakeControl{ready: true}
	rec := &countingRecorder{}
	b := newBrokerToOverlay(ctrl, rec)

	own := broker.NewMessage("clock:arm", nil)
	own.SetHeader(self.ViaHeader(), "true")
	b.HandleMessage(context.Background(), own)

	require.Empty(t, ctrl.sent)
	require.Equal(t, []string{DropOwnVia}, rec.dropped)

	other := broker.NewMessage("clock:arm", nil)
	other.SetHeader(identity.Identity("proxy-other").ViaHeader(), "true")
	b.HandleMessage(context.Background(), other)

	require.Equal(t, []string{"armclock"}, ctrl.sent)
}

func TestBrokerToOverlay_LogsOtherBridges(t *testing.T) {
	var buf bytes.Buffer
	ctrl := &fakeControl{ready: true}
	b := NewBrokerToOverlay(BrokerToOverlayConfig{
		Identity: self,
		Control:  ctrl,
		Logger:   logger.NewWithWriter(&buf, "debug", "text"),
	})

	msg := broker.NewMessage("clock:start", nil)
	msg.SetHeader(identity.Identity("proxy-b").ViaHeader(), "true")
	msg.SetHeader(identity.Identity("proxy-a").ViaHeader(), "true")
	msg.SetHeader(broker.HeaderOverlaySource, "main")
	b.HandleMessage(context.Background(), msg)

	require.Equal(t, []string{"startclock"}, ctrl.sent)
	require.Contains(t, buf.String(), "Message passed through other bridges")
	require.Contains(t, buf.String(), "proxy-a proxy-b")
}

func TestRelayedBy(t *testing.T) {
	require.Empty(t, relayedBy(nil))
	require.Empty(t, relayedBy(map[string]string{broker.HeaderOverlaySource: "main"}))
	require.Equal(t, []string{"proxy-1", "proxy-2"}, relayedBy(map[string]string{
		"x-via-proxy-2":            "true",
		"x-via-proxy-1":            "true",
		broker.HeaderOverlaySource: "main",
	}))
}

func TestBrokerToOverlay_LoopGuardsAreIndependent(t *testing.T) {
	// A message from the broker whose overlay source is our identity but
	// without our via header is still sent.
	ctrl := &fakeControl{ready: true}
	b := newBrokerToOverlay(ctrl, nil)

	msg := broker.NewMessage("time:show", nil)
	msg.SetHeader(broker.HeaderOverlaySource, self.String())
	b.HandleMessage(context.Background(), msg)

	require.Equal(t, []string{"showtime"}, ctrl.sent)
}

func TestBrokerToOverlay_NotRepresentable(t *testing.T) {
	ctrl := &fakeControl{ready: true}
	rec := &countingRecorder{}
	b := newBrokerToOverlay(ctrl, rec)

	b.HandleMessage(context.Background(), broker.NewMessage("announcement:show", map[string]any{"main": 7}))
	b.HandleMessage(context.Background(), broker.NewMessage("scores:show", map[string]any{"type": "final"}))

	require.Empty(t, ctrl.sent)
	require.Equal(t, []string{DropNotRepresentable, DropNotRepresentable}, rec.dropped)
}

func TestBrokerToOverlay_ControlNotReady(t *testing.T) {
	ctrl := &fakeControl{ready: false}
	rec := &countingRecorder{}
	b := newBrokerToOverlay(ctrl, rec)

	b.HandleMessage(context.Background(), broker.NewMessage("clock:stop", nil))

	require.Empty(t, ctrl.sent)
	require.Equal(t, []string{DropNotReady}, rec.dropped)
}

func TestBrokerToOverlay_SendFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{name: "lost connection mid-send", err: errors.NotConnectedError("overlay-control"), reason: DropNotReady},
		{name: "rejected", err: errors.RejectedError("showimage", "404 Not found"), reason: DropAckFailed},
		{name: "ack timeout", err: errors.TimeoutError("overlay showimage"), reason: DropAckFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeControl{ready: true, err: tt.err}
			rec := &countingRecorder{}
			b := newBrokerToOverlay(ctrl, rec)

			b.HandleMessage(context.Background(), broker.NewMessage("image:show", map[string]any{"name": "x.png"}))

			require.Equal(t, []string{tt.reason}, rec.dropped)
			require.Empty(t, rec.forwarded)
		})
	}
}

func TestBridges_RoundTripDoesNotLoop(t *testing.T) {
	// An event forwarded to the broker comes back on the subscribe node
	// (same node for publish and subscribe) and must not be sent back.
	pub := &fakePublisher{}
	ctrl := &fakeControl{ready: true}
	o2b := newOverlayToBroker(pub, nil)
	b2o := newBrokerToOverlay(ctrl, nil)

	o2b.HandleLine(context.Background(), "main showclock arm")
	require.Len(t, pub.published, 1)

	b2o.HandleMessage(context.Background(), pub.published[0])
	require.Empty(t, ctrl.sent)
}
