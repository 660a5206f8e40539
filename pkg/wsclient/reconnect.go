package wsclient

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"realtime-service/pkg/protocol"
)

// State is the controller's externally visible connection state.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateSessionReplaced State = "session-replaced" // evicted by a newer session, no auto-reconnect
	StateGaveUp          State = "gave-up"          // bounded retries exhausted, terminal until manual reconnect
)

var ErrAnnounceFailed = fmt.Errorf("identity announce failed")

// Transport is what the controller needs from the connection manager.
type Transport interface {
	Reconnect(ctx context.Context) error
	IsConnected() bool
	Emit(name protocol.EventName, payload any) error
	Subscribe(name protocol.EventName) (<-chan protocol.Event, func())
	TransportEvents() <-chan TransportEvent
}

type signalKind int

const (
	sigForeground signalKind = iota
	sigBackground
	sigNetworkRestored
	sigManualReconnect
)

// ControllerConfig tunes the reconnection controller.
type ControllerConfig struct {
	// PollInterval is the coarse safety-net reconciliation of the transport's
	// connected flag against cached state (default 30s). Deliberately
	// low-frequency: it backstops missed callbacks, it does not replace the
	// event-driven state.
	PollInterval time.Duration

	// JoinAttempts bounds identity re-announce retries after a connect
	// (default 3); exhaustion surfaces a terminal failure instead of
	// retrying forever.
	JoinAttempts int

	// JoinTimeout bounds the wait for the server's joined ack per attempt
	// (default 5s).
	JoinTimeout time.Duration
}

func (c *ControllerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 3
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
}

// Controller reacts to transport connect/disconnect events, app
// foreground/background transitions, network-change notifications, and
// manual reconnect requests, deciding when to re-establish the socket and
// re-announce presence.
type Controller struct {
	transport Transport
	userID    string
	cfg       ControllerConfig

	signals chan signalKind
	states  chan State

	// cached connected flag for the poll reconciliation
	lastConnected bool
	foregrounded  bool
	state         State
}

func NewController(transport Transport, userID string, cfg ControllerConfig) *Controller {
	cfg.applyDefaults()
	return &Controller{
		transport:    transport,
		userID:       userID,
		cfg:          cfg,
		signals:      make(chan signalKind, 16),
		states:       make(chan State, 16),
		foregrounded: true,
		state:        StateDisconnected,
	}
}

// States emits every state transition for the UI's offline/reconnecting
// indicator.
func (c *Controller) States() <-chan State {
	return c.states
}

// Foreground signals that the app returned to the foreground.
func (c *Controller) Foreground() { c.signal(sigForeground) }

// Background signals that the app was backgrounded.
func (c *Controller) Background() { c.signal(sigBackground) }

// NetworkRestored signals an OS connectivity-restored notification.
func (c *Controller) NetworkRestored() { c.signal(sigNetworkRestored) }

// ReconnectNow is the manual user-triggered reconnect.
func (c *Controller) ReconnectNow() { c.signal(sigManualReconnect) }

func (c *Controller) signal(s signalKind) {
	select {
	case c.signals <- s:
	default:
	}
}

// Run drives the state machine until ctx is cancelled. All state lives on
// this goroutine; the public methods only enqueue signals.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.transport.TransportEvents():
			c.handleTransportEvent(ctx, ev)

		case sig := <-c.signals:
			c.handleSignal(ctx, sig)

		case <-ticker.C:
			c.reconcile(ctx)

		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleTransportEvent(ctx context.Context, ev TransportEvent) {
	switch ev.Kind {
	case TransportConnected:
		c.lastConnected = true
		// Re-announce on every connect, including reconnects, so server-side
		// state is rebuilt without application-level intervention.
		if err := c.announce(ctx); err != nil {
			slog.Error("Identity announce failed after connect", "userID", c.userID, "error", err)
			c.setState(StateGaveUp)
			return
		}
		c.setState(StateConnected)

	case TransportDisconnected:
		c.lastConnected = false
		switch {
		case ev.Manual:
			c.setState(StateDisconnected)
		case ev.CloseCode == protocol.CloseSessionReplaced:
			// A newer session for this user took over; reconnecting would
			// just evict it back. Wait for an explicit user decision.
			slog.Info("Session replaced by a newer connection", "userID", c.userID)
			c.setState(StateSessionReplaced)
		default:
			c.reconnect(ctx)
		}
	}
}

func (c *Controller) handleSignal(ctx context.Context, sig signalKind) {
	switch sig {
	case sigForeground:
		c.foregrounded = true
		if !c.transport.IsConnected() {
			c.reconnect(ctx)
			return
		}
		// Still connected: a cheap idempotent re-join covers server-side
		// session eviction that happened while backgrounded.
		if err := c.transport.Emit(protocol.EventJoin, protocol.JoinData{UserID: c.userID}); err != nil {
			slog.Warn("Foreground re-join failed", "userID", c.userID, "error", err)
		}

	case sigBackground:
		c.foregrounded = false

	case sigNetworkRestored:
		// Avoid redundant reconnect storms: only act when actually down.
		if !c.transport.IsConnected() {
			c.reconnect(ctx)
		}

	case sigManualReconnect:
		c.reconnect(ctx)
	}
}

// reconcile is the coarse safety net against missed event callbacks.
func (c *Controller) reconcile(ctx context.Context) {
	actual := c.transport.IsConnected()
	if c.lastConnected && !actual {
		slog.Warn("Poll detected silent disconnect, reconnecting")
		c.reconnect(ctx)
	}
	c.lastConnected = actual
}

func (c *Controller) reconnect(ctx context.Context) {
	c.setState(StateConnecting)
	if err := c.transport.Reconnect(ctx); err != nil {
		slog.Error("Reconnect gave up", "userID", c.userID, "error", err)
		c.lastConnected = false
		c.setState(StateGaveUp)
		return
	}
	// The TransportConnected event completes the transition (and triggers
	// the re-announce).
}

// announce emits join and waits for the joined ack, with bounded retries.
func (c *Controller) announce(ctx context.Context) error {
	acks, cancel := c.transport.Subscribe(protocol.EventJoined)
	defer cancel()

	for attempt := 1; attempt <= c.cfg.JoinAttempts; attempt++ {
		if err := c.transport.Emit(protocol.EventJoin, protocol.JoinData{UserID: c.userID}); err != nil {
			slog.Warn("Join emit failed", "attempt", attempt, "error", err)
		} else {
			select {
			case <-acks:
				return nil
			case <-time.After(c.cfg.JoinTimeout):
				slog.Warn("Join ack timeout", "attempt", attempt, "maxAttempts", c.cfg.JoinAttempts)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return ErrAnnounceFailed
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	select {
	case c.states <- s:
	default:
	}
}
