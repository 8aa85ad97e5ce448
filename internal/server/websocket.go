package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/recorder"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool, any origin
	},
}

// defaultWriteWait bounds one write to one client.
const defaultWriteWait = time.Second

// Hub streams decision events to websocket clients. As a guard.Observer
// it publishes every rejection.
type Hub struct {
	log       zerolog.Logger
	writeWait time.Duration

	mu      sync.Mutex // also serializes writes, gorilla allows one writer per conn
	clients map[*websocket.Conn]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:       log,
		writeWait: defaultWriteWait,
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// HandleWebSocket upgrades the HTTP connection and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Clients only listen; reading detects disconnects.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Broadcast sends an event to all connected clients. Clients that fail a
// write, or do not accept it within the write wait, are dropped.
func (h *Hub) Broadcast(event recorder.DecisionEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket marshal")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		err := conn.SetWriteDeadline(time.Now().Add(h.writeWait))
		if err == nil {
			err = conn.WriteMessage(websocket.TextMessage, data)
		}
		if err != nil {
			h.log.Debug().Err(err).Msg("websocket write")
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *Hub) Notify(err *guard.RateLimitError, reqCtx *guard.RequestContext) {
	rec := recorder.TrafficRecord{
		Timestamp: err.Timestamp(),
		Key:       err.Key(),
		Policy:    err.Policy(),
	}
	if reqCtx != nil {
		rec.Endpoint = endpoint(reqCtx.Method, reqCtx.Path)
		rec.Metadata = reqCtx.Metadata
	}
	h.Broadcast(recorder.NewDecisionEvent(rec, err, err.Timestamp()))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func endpoint(method, path string) string {
	if method == "" {
		return path
	}
	return method + " " + path
}
