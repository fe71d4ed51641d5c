package link

import (
	"context"
	"time"

	"github.com/overlaybridge/overlay-bridge/internal/broker"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/logger"
)

// BrokerOptions configures a BrokerLink.
type BrokerOptions struct {
	// Name identifies the link in logs and metrics; "mserver" when empty.
	Name string

	URL    string
	Dialer broker.Dialer

	// SubscribeNode is subscribed on every connect. Empty disables
	// subscribing.
	SubscribeNode string

	// PublishNode receives every Publish.
	PublishNode string

	// CloseDelay is the wait after a clean close; 1s when zero.
	CloseDelay time.Duration

	// ErrorDelay is the wait after an error or failed connect; 10s when zero.
	ErrorDelay time.Duration

	// ConnectTimeout bounds dial plus subscribe; 10s when zero.
	ConnectTimeout time.Duration

	AfterFunc AfterFunc
	Observer  StateObserver
	Logger    *logger.Logger
}

// BrokerLink keeps one broker connection alive and re-subscribes on every
// connect.
type BrokerLink struct {
	m         *machine[broker.Conn]
	opts      BrokerOptions
	onMessage func(ctx context.Context, msg broker.Message)
}

// NewBrokerLink creates a link. Call Run to start it.
func NewBrokerLink(opts BrokerOptions) *BrokerLink {
	if opts.Name == "" {
		opts.Name = "mserver"
	}
	if opts.CloseDelay == 0 {
		opts.CloseDelay = time.Second
	}
	if opts.ErrorDelay == 0 {
		opts.ErrorDelay = 10 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	l := &BrokerLink{opts: opts}
	l.m = newMachine(machineConfig[broker.Conn]{
		name:      opts.Name,
		dial:      l.dial,
		delay:     l.delay,
		deliver:   l.deliver,
		afterFunc: opts.AfterFunc,
		observer:  opts.Observer,
		log:       opts.Logger,
	})
	return l
}

// OnMessage sets the handler for messages on the subscribe node. It runs on
// the link's event loop. Must be called before Run.
func (l *BrokerLink) OnMessage(fn func(ctx context.Context, msg broker.Message)) {
	l.onMessage = fn
}

// Publish sends msg to the publish node. It fails with NOT_CONNECTED unless
// the link is ready.
func (l *BrokerLink) Publish(ctx context.Context, msg broker.Message) error {
	conn, err := l.m.active()
	if err != nil {
		return err
	}
	return conn.Publish(ctx, l.opts.PublishNode, msg)
}

// Ready reports whether the link can publish.
func (l *BrokerLink) Ready() bool {
	return l.m.State() == StateReady
}

// State returns the current state.
func (l *BrokerLink) State() State {
	return l.m.State()
}

// Name returns the link name.
func (l *BrokerLink) Name() string {
	return l.opts.Name
}

// Run connects and keeps the link alive until ctx is cancelled.
func (l *BrokerLink) Run(ctx context.Context) error {
	return l.m.run(ctx)
}

func (l *BrokerLink) dial(ctx context.Context, n notifier[broker.Conn]) (broker.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()

	conn, err := l.opts.Dialer.Dial(ctx, l.opts.URL, brokerListener{n})
	if err != nil {
		return nil, err
	}

	if l.opts.SubscribeNode != "" {
		if err := conn.Subscribe(ctx, l.opts.SubscribeNode); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (l *BrokerLink) delay(f failure) time.Duration {
	if f == failClosed || f == failReset {
		return l.opts.CloseDelay
	}
	return l.opts.ErrorDelay
}

func (l *BrokerLink) deliver(ctx context.Context, payload any) {
	msg, ok := payload.(broker.Message)
	if !ok || l.onMessage == nil {
		return
	}
	l.onMessage(ctx, msg)
}

// brokerListener adapts transport notifications to the state machine.
type brokerListener struct {
	n notifier[broker.Conn]
}

func (b brokerListener) OnMessage(msg broker.Message) {
	b.n.deliver(msg)
}

func (b brokerListener) OnClose() {
	b.n.closed()
}

func (b brokerListener) OnError(err error) {
	b.n.failed(err)
}
