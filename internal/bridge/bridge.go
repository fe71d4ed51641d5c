// Package bridge routes traffic between the overlay server and the broker.
//
// OverlayToBroker turns overlay events into broker messages; BrokerToOverlay
// turns broker messages into overlay commands. Both drop what they must not
// forward and never retry: a bridge is a live relay, not a queue.
package bridge

import (
	"context"
	"time"

	"github.com/overlaybridge/overlay-bridge/internal/broker"
)

// Directions, as used in logs and metrics.
const (
	DirectionOverlayToBroker = "overlay2mserver"
	DirectionBrokerToOverlay = "mserver2overlay"
)

// Reasons a message is not forwarded.
const (
	DropNoise            = "noise"
	DropOwnSource        = "own_source"
	DropOwnVia           = "own_via"
	DropNotRepresentable = "not_representable"
	DropNotReady         = "not_ready"
	DropPublishFailed    = "publish_failed"
	DropAckFailed        = "ack_failed"
)

// notReadyLogInterval throttles the warning for drops while a link is down.
const notReadyLogInterval = 10 * time.Second

// Publisher publishes to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg broker.Message) error
}

// CommandSender sends commands to the overlay server.
type CommandSender interface {
	Send(ctx context.Context, line string) error
	Ready() bool
}

// Recorder is an interface for recording bridge metrics.
// This avoids import cycles with the metrics package.
type Recorder interface {
	RecordReceived(direction string)
	RecordForwarded(direction, topic string)
	RecordDropped(direction, reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordReceived(string)          {}
func (nopRecorder) RecordForwarded(string, string) {}
func (nopRecorder) RecordDropped(string, string)   {}
