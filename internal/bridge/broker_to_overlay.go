package bridge

import (
	"context"
	"slices"
	"strings"

	"golang.org/x/time/rate"

	"github.com/overlaybridge/overlay-bridge/internal/broker"
	"github.com/overlaybridge/overlay-bridge/internal/codec"
	"github.com/overlaybridge/overlay-bridge/internal/identity"
	"github.com/overlaybridge/overlay-bridge/internal/overlay"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/logger"
)

// BrokerToOverlayConfig configures a BrokerToOverlay bridge.
type BrokerToOverlayConfig struct {
	Identity identity.Identity
	Control  CommandSender
	Recorder Recorder
	Logger   *logger.Logger

	// Escape encodes free text in commands; overlay.EncodeMessage when nil.
	Escape codec.EscapeFunc
}

// BrokerToOverlay turns broker messages into overlay commands.
type BrokerToOverlay struct {
	identity identity.Identity
	control  CommandSender
	recorder Recorder
	log      *logger.Logger
	escape   codec.EscapeFunc
	notReady rate.Sometimes
}

// NewBrokerToOverlay creates the broker to overlay bridge.
func NewBrokerToOverlay(cfg BrokerToOverlayConfig) *BrokerToOverlay {
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.Escape == nil {
		cfg.Escape = overlay.EncodeMessage
	}

	return &BrokerToOverlay{
		identity: cfg.Identity,
		control:  cfg.Control,
		recorder: cfg.Recorder,
		log:      cfg.Logger.WithComponent(DirectionBrokerToOverlay),
		escape:   cfg.Escape,
		notReady: rate.Sometimes{First: 1, Interval: notReadyLogInterval},
	}
}

// HandleMessage sends the overlay command for msg over the control link and
// waits for the acknowledgement. Messages this instance published itself,
// messages without an overlay command, and messages arriving while the
// control link is down are dropped.
func (b *BrokerToOverlay) HandleMessage(ctx context.Context, msg broker.Message) {
	b.recorder.RecordReceived(DirectionBrokerToOverlay)

	if _, ok := msg.Header(b.identity.ViaHeader()); ok {
		b.drop(DropOwnVia, msg.Topic)
		return
	}

	if via := relayedBy(msg.Headers); len(via) > 0 {
		b.log.Debug("Message passed through other bridges", "topic", msg.Topic, "via", via)
	}

	line, ok := codec.Encode(msg, b.escape)
	if !ok {
		b.drop(DropNotRepresentable, msg.Topic)
		return
	}

	if !b.control.Ready() {
		b.dropNotReady(msg.Topic)
		return
	}

	b.log.Debug("Sending command", "topic", msg.Topic, "line", line)

	if err := b.control.Send(ctx, line); err != nil {
		if errors.IsNotConnected(err) {
			b.dropNotReady(msg.Topic)
			return
		}
		b.recorder.RecordDropped(DirectionBrokerToOverlay, DropAckFailed)
		b.log.WithError(err).Warn("Overlay command failed", "topic", msg.Topic, "line", line)
		return
	}

	b.recorder.RecordForwarded(DirectionBrokerToOverlay, msg.Topic)
}

func (b *BrokerToOverlay) drop(reason, topic string) {
	b.recorder.RecordDropped(DirectionBrokerToOverlay, reason)
	b.log.Debug("Dropping message", "reason", reason, "topic", topic)
}

func (b *BrokerToOverlay) dropNotReady(topic string) {
	b.recorder.RecordDropped(DirectionBrokerToOverlay, DropNotReady)
	b.notReady.Do(func() {
		b.log.Warn("Overlay control not connected, dropping commands", "topic", topic)
	})
}

// relayedBy returns the identities named by via headers, sorted.
func relayedBy(headers map[string]string) []string {
	var ids []string
	for k := range headers {
		if identity.IsVia(k) {
			ids = append(ids, strings.TrimPrefix(k, identity.ViaHeaderPrefix))
		}
	}
	slices.Sort(ids)
	return ids
}
