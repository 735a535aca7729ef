package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 54 * time.Second
	wsSendBuffer     = 64
	wsMaxMessageSize = 512
)

// wsEnvelope is the browser-facing frame: the event name plus its payload.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub is a Transport that fans events out to connected WebSocket clients. It
// lets browsers on the operations console receive the same stream the MQTT
// transport carries, without needing a broker in between.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	// syncProvider, when set, supplies the initial-state event sent to each
	// client on connect so reconnecting viewers repopulate their map.
	syncMu       sync.RWMutex
	syncProvider func() (event string, payload []byte, ok bool)
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The console is served from the same origin in production;
			// cross-origin access control belongs to the proxy in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// SetSyncProvider installs the initial-state callback.
func (h *Hub) SetSyncProvider(fn func() (string, []byte, bool)) {
	h.syncMu.Lock()
	h.syncProvider = fn
	h.syncMu.Unlock()
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, wsSendBuffer)}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr, "total", total)

	h.syncMu.RLock()
	provider := h.syncProvider
	h.syncMu.RUnlock()
	if provider != nil {
		if event, payload, ok := provider(); ok {
			if frame, err := marshalEnvelope(event, payload); err == nil {
				client.trySend(frame)
			}
		}
	}

	go client.writePump()
	go client.readPump()
}

// Publish implements Transport: the envelope goes to every connected client.
// Clients that cannot keep up are disconnected rather than allowed to apply
// backpressure.
func (h *Hub) Publish(event string, payload []byte) error {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	stale := make([]*wsClient, 0)
	for client := range h.clients {
		if !client.trySend(frame) {
			stale = append(stale, client)
		}
	}
	h.clientsMu.RUnlock()

	for _, client := range stale {
		h.logger.Warn("websocket client too slow, dropping")
		h.remove(client)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*wsClient]struct{})
	h.clientsMu.Unlock()

	for _, client := range clients {
		client.close()
	}
	return nil
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(client *wsClient) {
	h.clientsMu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.clientsMu.Unlock()

	if ok {
		client.close()
	}
}

func marshalEnvelope(event string, payload []byte) ([]byte, error) {
	return json.Marshal(wsEnvelope{Event: event, Data: payload})
}
