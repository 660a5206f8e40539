package realtime

import (
	"net/http"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Native mobile clients send no Origin header.
			return true
		}
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			return true
		}
		for _, allowed := range strings.Split(os.Getenv("REALTIME_ALLOWED_ORIGINS"), ",") {
			if origin == strings.TrimSpace(allowed) {
				return true
			}
		}
		return false
	},
}

// ServeWS upgrades the HTTP request and attaches the connection to the hub.
// The route this is mounted on is the socket path contract: clients must be
// configured with the identical path string or the handshake 404s, which is
// the single most common misconfiguration between the two sides.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	client := NewClient(hub, conn)
	slog.Info("New WebSocket connection established", "clientID", client.ID(), "remote", r.RemoteAddr)

	select {
	case hub.register <- client:
	case <-time.After(5 * time.Second):
		slog.Error("Timeout registering client", "clientID", client.ID())
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
