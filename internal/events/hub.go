package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// Admin tooling connects from arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub bridges the event bus to websocket clients. Every connected client
// receives every published event as a JSON object; clients falling behind
// are disconnected rather than buffered without bound.
type Hub struct {
	bus    *Bus
	logger *slog.Logger
}

// NewHub creates a websocket sink over the given bus.
func NewHub(bus *Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{bus: bus, logger: logger}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects or the bus subscription is cancelled.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.bus.Subscribe()
	defer cancel()

	h.logger.Info("event listener connected", "remote", r.RemoteAddr)

	// Drain the read side so close and control frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Info("event listener disconnected", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			h.logger.Info("event listener closed connection", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
