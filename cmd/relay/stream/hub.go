// Package stream pushes relay state to dashboard clients over websockets.
//
// Every message is a JSON Event. A client receives the current state right
// after connecting and every change after that. Slow clients whose send
// buffer fills up are disconnected rather than allowed to stall the rest.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/HatiCode/kilnpilot/pkg/httpx"
)

// Event types.
const (
	TypeSnapshot  = "snapshot"
	TypeReview    = "review"
	TypeSummary   = "summary"
	TypeDashboard = "dashboard"
)

// Event is the envelope of every websocket message.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const broadcastBuffer = 64

type registration struct {
	client  *Client
	initial func() []Event
}

// Hub maintains the set of connected clients. Run owns the client map;
// everything else talks to it over channels.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan registration
	unregister chan *Client
	done       chan struct{}

	count   atomic.Int64
	onCount func(int)
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan registration),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "stream"),
	}
}

// OnClientCount registers fn to be called from Run whenever the number of
// connected clients changes. Must be called before Run.
func (h *Hub) OnClientCount(fn func(int)) {
	h.onCount = fn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Run serves registrations and broadcasts until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			h.updateCount()
			return

		case reg := <-h.register:
			h.clients[reg.client] = struct{}{}
			h.logger.Info("websocket client registered", "remote", reg.client.remote)
			if reg.initial != nil {
				for _, e := range reg.initial() {
					if msg, err := encode(e); err == nil {
						reg.client.send <- msg
					}
				}
			}
			h.updateCount()

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("websocket client unregistered", "remote", c.remote)
				h.updateCount()
			}

		case msg := <-h.broadcast:
			dropped := false
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("websocket client send buffer full, removing", "remote", c.remote)
					h.drop(c)
					dropped = true
				}
			}
			if dropped {
				h.updateCount()
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) updateCount() {
	n := len(h.clients)
	if int64(n) == h.count.Swap(int64(n)) {
		return
	}
	if h.onCount != nil {
		h.onCount(n)
	}
}

// Broadcast queues e for every connected client. It never blocks: when the
// queue is full or the hub has stopped the event is dropped.
func (h *Hub) Broadcast(e Event) {
	msg, err := encode(e)
	if err != nil {
		h.logger.Error("failed to encode event", "type", e.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "type", e.Type)
	}
}

func encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// ServeWS upgrades requests from origin to websocket clients of the hub.
// initial, when set, supplies the events a client gets on connect; it runs
// on the hub goroutine so no change can slip between it and the first
// broadcast.
func (h *Hub) ServeWS(origin string, initial func() []Event) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return httpx.OriginAllowed(r, origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		c := &Client{
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
			remote: conn.RemoteAddr().String(),
		}
		select {
		case h.register <- registration{client: c, initial: initial}:
		case <-h.done:
			_ = conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}
