// Package wsclient is the mobile-side transport: a single long-lived socket
// with pre-flight health probing, bounded reconnection, and scoped event
// subscriptions, plus the reconnection controller and per-thread
// conversation sessions built on top of it.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"log/slog"

	"realtime-service/pkg/protocol"

	"github.com/gorilla/websocket"
)

// DefaultServerURL is the platform default used when neither the explicit
// override nor the environment provides an address.
const DefaultServerURL = "http://localhost:8080"

// ServerURLEnv overrides the server address when Config.ServerURL is empty.
const ServerURLEnv = "REALTIME_SERVER_URL"

var (
	ErrNotConnected     = fmt.Errorf("not connected")
	ErrRetriesExhausted = fmt.Errorf("reconnect attempts exhausted")
)

// Config controls the connection manager.
//
// SocketPath MUST match the server's socket mount path exactly. The path is a
// configuration contract, not negotiated at runtime; a mismatch makes every
// handshake fail with a 404 and is the single most common misconfiguration
// between client and server.
type Config struct {
	// ServerURL overrides address resolution. Resolution order: this field,
	// then the REALTIME_SERVER_URL environment variable, then DefaultServerURL.
	ServerURL string

	// SocketPath is the socket mount path (default "/ws"). See above.
	SocketPath string

	// Token is the JWT presented in the handshake query string.
	Token string

	// HealthTimeout bounds the pre-flight reachability probe (default 5s).
	HealthTimeout time.Duration

	// HandshakeTimeout bounds a single connection attempt (default 20s).
	HandshakeTimeout time.Duration

	// MaxDialAttempts bounds Reconnect (default 5).
	MaxDialAttempts int

	// BaseBackoff and MaxBackoff shape the capped exponential delay between
	// reconnect attempts (defaults 500ms / 10s).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = "/ws"
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.MaxDialAttempts <= 0 {
		c.MaxDialAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
}

// TransportEventKind classifies transport-level transitions.
type TransportEventKind string

const (
	TransportConnected    TransportEventKind = "connected"
	TransportDisconnected TransportEventKind = "disconnected"
)

// TransportEvent is surfaced to the reconnection controller.
type TransportEvent struct {
	Kind      TransportEventKind
	CloseCode int   // websocket close code, 0 if none
	Err       error // read error that ended the connection, nil on manual close
	Manual    bool  // true when Disconnect was called locally
}

// Manager owns exactly one active socket per process. It is created by the
// application's composition root and passed down; it is not a singleton, so
// tests construct independent instances freely.
type Manager struct {
	cfg   Config
	httpc *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	userID    string

	// manualClosed marks connections torn down locally, keyed per connection
	// so an old read loop racing a reconnect cannot misread the reason for a
	// newer socket's teardown.
	manualClosed map[*websocket.Conn]bool

	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[protocol.EventName]map[int]chan protocol.Event
	nextSub int

	transport chan TransportEvent
}

func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:          cfg,
		httpc:        &http.Client{},
		manualClosed: make(map[*websocket.Conn]bool),
		subs:         make(map[protocol.EventName]map[int]chan protocol.Event),
		transport:    make(chan TransportEvent, 16),
	}
}

// ServerURL resolves the target address: explicit override, then environment,
// then the platform default.
func (m *Manager) ServerURL() string {
	if m.cfg.ServerURL != "" {
		return m.cfg.ServerURL
	}
	if env := os.Getenv(ServerURLEnv); env != "" {
		return env
	}
	return DefaultServerURL
}

// Initialize connects and remembers the user identity. Idempotent: calling it
// again while already connected for the same user returns immediately rather
// than creating a duplicate connection.
func (m *Manager) Initialize(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.connected && m.userID == userID {
		m.mu.Unlock()
		return nil
	}
	if m.connected {
		m.closeLocked()
	}
	m.userID = userID
	m.mu.Unlock()

	return m.connect(ctx)
}

// UserID returns the identity passed to Initialize.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// TransportEvents is consumed by the reconnection controller.
func (m *Manager) TransportEvents() <-chan TransportEvent {
	return m.transport
}

// connect performs the probe and a single dial attempt.
func (m *Manager) connect(ctx context.Context) error {
	m.probeHealth(ctx)

	wsURL, err := m.socketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		// Distinguish "path mismatch" (handshake reached the server but the
		// mount rejected it) from "server unreachable".
		if resp != nil {
			slog.Error("WebSocket handshake rejected; check that SocketPath matches the server mount path",
				"url", wsURL, "status", resp.StatusCode, "error", err)
		} else {
			slog.Error("Server unreachable", "url", wsURL, "error", err)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	go m.readLoop(conn)

	slog.Info("Socket connected", "url", wsURL, "userID", m.UserID())
	m.pushTransport(TransportEvent{Kind: TransportConnected})
	return nil
}

// probeHealth is a bounded reachability check against /health. Failures are
// logged but never fatal: the probe can be a false negative (NAT, captive
// portals), so the real connection attempt is made regardless.
func (m *Manager) probeHealth(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, m.ServerURL()+"/health", nil)
	if err != nil {
		slog.Warn("Health probe setup failed", "error", err)
		return
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		slog.Warn("Health probe failed, attempting connection anyway", "error", err)
		return
	}
	resp.Body.Close()
	slog.Debug("Health probe ok", "status", resp.StatusCode)
}

func (m *Manager) socketURL() (string, error) {
	u, err := url.Parse(m.ServerURL())
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = m.cfg.SocketPath

	q := u.Query()
	if m.cfg.Token != "" {
		q.Set("token", m.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Reconnect re-establishes the connection with bounded attempts and capped
// exponential backoff. Returns ErrRetriesExhausted when every attempt fails
// so the caller can surface a terminal disconnected state.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.closeLocked()
	m.mu.Unlock()

	delay := m.cfg.BaseBackoff
	for attempt := 1; attempt <= m.cfg.MaxDialAttempts; attempt++ {
		if err := m.connect(ctx); err == nil {
			return nil
		}
		slog.Warn("Reconnect attempt failed", "attempt", attempt, "maxAttempts", m.cfg.MaxDialAttempts, "nextDelay", delay)

		if attempt == m.cfg.MaxDialAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > m.cfg.MaxBackoff {
			delay = m.cfg.MaxBackoff
		}
	}
	return ErrRetriesExhausted
}

// Disconnect tears down the connection. Safe to call multiple times; cleanup
// is unconditional and in-flight sends fail via events rather than blocking.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closeLocked()
	m.mu.Unlock()
}

func (m *Manager) closeLocked() {
	if m.conn == nil {
		return
	}
	m.manualClosed[m.conn] = true
	m.writeMu.Lock()
	m.conn.SetWriteDeadline(time.Now().Add(time.Second))
	m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()
	m.conn.Close()
	m.conn = nil
	m.connected = false
}

// Emit sends one event. Failures are returned, never thrown across the wire.
func (m *Manager) Emit(name protocol.EventName, payload any) error {
	ev, err := protocol.NewEvent(name, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(ev)
}

// Subscribe returns a channel receiving every inbound event with the given
// name, plus a cancel function that releases the subscription. Listener
// lifecycle is tied to the owning component: defer cancel() and there is no
// add/remove bookkeeping to mismatch.
func (m *Manager) Subscribe(name protocol.EventName) (<-chan protocol.Event, func()) {
	ch := make(chan protocol.Event, 16)

	m.subMu.Lock()
	if m.subs[name] == nil {
		m.subs[name] = make(map[int]chan protocol.Event)
	}
	id := m.nextSub
	m.nextSub++
	m.subs[name][id] = ch
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs[name], id)
			m.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (m *Manager) fanout(ev protocol.Event) {
	m.subMu.Lock()
	targets := make([]chan protocol.Event, 0, len(m.subs[ev.Name]))
	for _, ch := range m.subs[ev.Name] {
		targets = append(targets, ch)
	}
	m.subMu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; dropping beats blocking the read loop.
		}
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			m.mu.Lock()
			manual := m.manualClosed[conn]
			delete(m.manualClosed, conn)
			if m.conn == conn {
				m.conn = nil
				m.connected = false
			}
			m.mu.Unlock()

			closeCode := 0
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
			}
			if manual {
				slog.Debug("Socket closed locally")
				m.pushTransport(TransportEvent{Kind: TransportDisconnected, Manual: true})
			} else {
				slog.Warn("Socket disconnected", "closeCode", closeCode, "error", err)
				m.pushTransport(TransportEvent{Kind: TransportDisconnected, CloseCode: closeCode, Err: err})
			}
			return
		}
		m.fanout(ev)
	}
}

func (m *Manager) pushTransport(ev TransportEvent) {
	select {
	case m.transport <- ev:
	default:
		slog.Warn("Transport event dropped, controller not draining", "kind", ev.Kind)
	}
}
