package realtime

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"realtime-service/pkg/protocol"
)

type inboundEvent struct {
	client *Client
	raw    []byte
}

// Hub owns the set of live connections and runs the single event loop that
// feeds the dispatcher. Lifecycle transitions (register, unregister, inbound
// events) all pass through Run so per-connection ordering is preserved.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan *inboundEvent

	dispatcher *Dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time
}

func NewHub(dispatcher *Dispatcher) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inboundEvent, 64),
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		startedAt:  time.Now(),
	}
	dispatcher.broadcaster = h
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.registerClient(c)

		case c := <-h.unregister:
			h.unregisterClient(c)

		case in := <-h.inbound:
			h.dispatcher.HandleEvent(in.client, in.raw)

		case <-h.ctx.Done():
			slog.Info("Realtime hub shutting down")
			return
		}
	}
}

func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	slog.Info("Client registered", "clientID", c.ID())

	c.SendEvent(protocol.MustEvent(protocol.EventWelcome, protocol.WelcomeData{SocketID: c.ID()}))
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()

	h.dispatcher.HandleDisconnect(c, "transport closed")
	c.closeSendChannel()

	slog.Info("Client unregistered", "clientID", c.ID(), "userID", c.UserID())
}

// BroadcastExcept delivers the event to every registered connection except one.
func (h *Hub) BroadcastExcept(ev *protocol.Event, except *Client) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.SendEvent(ev)
	}
}

// ConnectionCount feeds the /health payload.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Uptime() time.Duration {
	return time.Since(h.startedAt)
}
