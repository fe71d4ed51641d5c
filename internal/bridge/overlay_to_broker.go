package bridge

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/overlaybridge/overlay-bridge/internal/broker"
	"github.com/overlaybridge/overlay-bridge/internal/codec"
	"github.com/overlaybridge/overlay-bridge/internal/identity"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/logger"
)

// OverlayToBrokerConfig configures an OverlayToBroker bridge.
type OverlayToBrokerConfig struct {
	Identity identity.Identity
	Broker   Publisher
	Recorder Recorder
	Logger   *logger.Logger

	// Now supplies the wall clock for decoded timestamps; time.Now when nil.
	Now func() time.Time
}

// OverlayToBroker forwards overlay events to the broker.
type OverlayToBroker struct {
	identity identity.Identity
	broker   Publisher
	recorder Recorder
	log      *logger.Logger
	now      func() time.Time
	notReady rate.Sometimes
}

// NewOverlayToBroker creates the overlay to broker bridge.
func NewOverlayToBroker(cfg OverlayToBrokerConfig) *OverlayToBroker {
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &OverlayToBroker{
		identity: cfg.Identity,
		broker:   cfg.Broker,
		recorder: cfg.Recorder,
		log:      cfg.Logger.WithComponent(DirectionOverlayToBroker),
		now:      cfg.Now,
		notReady: rate.Sometimes{First: 1, Interval: notReadyLogInterval},
	}
}

// HandleLine decodes one overlay event line and publishes it unless it is
// noise or was caused by this instance's own commands.
func (b *OverlayToBroker) HandleLine(ctx context.Context, line string) {
	b.recorder.RecordReceived(DirectionOverlayToBroker)

	msg := codec.DecodeLine(line, b.now())

	if codec.IsNoise(msg.Topic) {
		b.drop(DropNoise, msg)
		return
	}

	// Events tagged with our own source were caused by commands this
	// instance sent on its control connection.
	if src, _ := msg.Header(broker.HeaderOverlaySource); src == b.identity.String() {
		b.drop(DropOwnSource, msg)
		return
	}

	msg.SetHeader(b.identity.ViaHeader(), "true")
	b.log.Debug("Forwarding event", "topic", msg.Topic, "data", msg.Data, "headers", msg.Headers)

	if err := b.broker.Publish(ctx, msg); err != nil {
		if errors.IsNotConnected(err) {
			b.drop(DropNotReady, msg)
			b.notReady.Do(func() {
				b.log.Warn("Broker not connected, dropping events", "topic", msg.Topic)
			})
			return
		}
		b.drop(DropPublishFailed, msg)
		b.log.WithError(err).Warn("Failed to publish event", "topic", msg.Topic)
		return
	}

	b.recorder.RecordForwarded(DirectionOverlayToBroker, msg.Topic)
}

func (b *OverlayToBroker) drop(reason string, msg broker.Message) {
	b.recorder.RecordDropped(DirectionOverlayToBroker, reason)
	if reason != DropNotReady && reason != DropPublishFailed {
		b.log.Debug("Dropping event", "reason", reason, "topic", msg.Topic)
	}
}
