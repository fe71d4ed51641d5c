package link

import (
	"context"
	"time"

	"github.com/overlaybridge/overlay-bridge/internal/identity"
	"github.com/overlaybridge/overlay-bridge/internal/overlay"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/logger"
)

// Role selects what an overlay link is used for.
type Role int

const (
	// RoleEvents streams overlay events.
	RoleEvents Role = iota

	// RoleControl sends commands to the overlay server.
	RoleControl
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleControl {
		return "control"
	}
	return "events"
}

// OverlayConn is the part of an overlay connection a link uses.
type OverlayConn interface {
	Send(ctx context.Context, line string) error
	EventsMode(ctx context.Context) error
	Close() error
}

// OverlayDialFunc opens an overlay connection reporting to l.
type OverlayDialFunc func(ctx context.Context, l overlay.Listener) (OverlayConn, error)

// DialOverlay returns a dial function for the overlay server described by cfg.
func DialOverlay(cfg overlay.Config) OverlayDialFunc {
	return func(ctx context.Context, l overlay.Listener) (OverlayConn, error) {
		conn, err := overlay.Dial(ctx, cfg, l)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// OverlayOptions configures an OverlayLink.
type OverlayOptions struct {
	// Name identifies the link in logs and metrics; "overlay-<role>" when empty.
	Name string

	Role     Role
	Identity identity.Identity
	Dial     OverlayDialFunc

	// ReconnectDelay is the wait after any failure; 1s when zero.
	ReconnectDelay time.Duration

	AfterFunc AfterFunc
	Observer  StateObserver
	Logger    *logger.Logger
}

// OverlayLink keeps one connection to the overlay server alive.
//
// On every connect the link tags the connection with the instance identity
// (setsource) and, for the events role, switches it into events mode. The
// link becomes ready only after the server acknowledged both.
type OverlayLink struct {
	m       *machine[OverlayConn]
	opts    OverlayOptions
	onEvent func(ctx context.Context, line string)
}

// NewOverlayLink creates a link. Call Run to start it.
func NewOverlayLink(opts OverlayOptions) *OverlayLink {
	if opts.Name == "" {
		opts.Name = "overlay-" + opts.Role.String()
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = time.Second
	}

	l := &OverlayLink{opts: opts}
	l.m = newMachine(machineConfig[OverlayConn]{
		name:      opts.Name,
		dial:      l.dial,
		delay:     func(failure) time.Duration { return l.opts.ReconnectDelay },
		deliver:   l.deliver,
		afterFunc: opts.AfterFunc,
		observer:  opts.Observer,
		log:       opts.Logger,
	})
	return l
}

// OnEvent sets the handler for event lines. It runs on the link's event
// loop. Must be called before Run.
func (l *OverlayLink) OnEvent(fn func(ctx context.Context, line string)) {
	l.onEvent = fn
}

// CoupleTo makes every failure of l also reset peer. The events link is
// coupled to the control link this way: the control connection is otherwise
// idle and would only notice a dead server on its next command. Must be
// called before Run.
func (l *OverlayLink) CoupleTo(peer *OverlayLink) {
	l.m.onDown = append(l.m.onDown, func() {
		peer.Reset(errors.New(errors.CodeClosed, l.opts.Name+" went down"))
	})
}

// Reset tears down the current connection and reconnects after the usual
// delay. It is a no-op while the link is already disconnected.
func (l *OverlayLink) Reset(reason error) {
	l.m.reset(reason)
}

// Send writes a command and waits for its acknowledgement. It fails with
// NOT_CONNECTED unless the link is ready.
func (l *OverlayLink) Send(ctx context.Context, line string) error {
	conn, err := l.m.active()
	if err != nil {
		return err
	}
	return conn.Send(ctx, line)
}

// Ready reports whether the link can send.
func (l *OverlayLink) Ready() bool {
	return l.m.State() == StateReady
}

// State returns the current state.
func (l *OverlayLink) State() State {
	return l.m.State()
}

// Name returns the link name.
func (l *OverlayLink) Name() string {
	return l.opts.Name
}

// Run connects and keeps the link alive until ctx is cancelled.
func (l *OverlayLink) Run(ctx context.Context) error {
	return l.m.run(ctx)
}

func (l *OverlayLink) dial(ctx context.Context, n notifier[OverlayConn]) (OverlayConn, error) {
	conn, err := l.opts.Dial(ctx, overlayListener{n})
	if err != nil {
		return nil, err
	}

	if err := conn.Send(ctx, "setsource "+l.opts.Identity.String()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if l.opts.Role == RoleEvents {
		if err := conn.EventsMode(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (l *OverlayLink) deliver(ctx context.Context, payload any) {
	line, ok := payload.(string)
	if !ok || l.onEvent == nil {
		return
	}
	l.onEvent(ctx, line)
}

// overlayListener adapts transport notifications to the state machine.
type overlayListener struct {
	n notifier[OverlayConn]
}

func (o overlayListener) OnEvent(line string) {
	o.n.deliver(line)
}

func (o overlayListener) OnClose(err error) {
	if err != nil {
		o.n.failed(err)
		return
	}
	o.n.closed()
}
