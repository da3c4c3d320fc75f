package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"claude-pulse/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrTooManySubscribers is returned by Reserve when the hub is full.
var ErrTooManySubscribers = errors.New("too many subscribers")

const sendBuffer = 256

// Hub fans collector notifications out to stream subscribers. A
// subscriber that cannot keep up is disconnected.
type Hub struct {
	max    int
	logger zerolog.Logger

	mu       sync.Mutex
	reserved int
	clients  map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub creates a hub admitting at most max subscribers.
func NewHub(max int, logger zerolog.Logger) *Hub {
	if max <= 0 {
		max = 50
	}
	return &Hub{
		max:     max,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Reserve claims a subscriber slot. It must be followed by attach or
// Release.
func (h *Hub) Reserve() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reserved >= h.max {
		return ErrTooManySubscribers
	}
	h.reserved++
	return nil
}

// Release returns a slot claimed by Reserve that was never attached.
func (h *Hub) Release() {
	h.mu.Lock()
	h.reserved--
	h.mu.Unlock()
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// attach queues the snapshot for c and starts delivering notifications
// to it. It runs inside Collector.Subscribe.
func (h *Hub) attach(c *client, snapshot []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.send <- snapshot
	h.clients[c] = struct{}{}
}

// Publish implements collector.Publisher.
func (h *Hub) Publish(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("marshal notification")
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("subscriber", c.id).Msg("subscriber too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// remove detaches c and closes its send channel. Safe to call twice.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.reserved--
	close(c.send)
}
