package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-rules/internal/infrastructure/logging"
)

// eventFamilies are the channel prefixes the engine and platform publish
// on: rule.fired, timer.scheduled, item.state_changed, thing.status_changed.
var eventFamilies = []string{"rule.", "timer.", "item.", "thing."}

// validChannel reports whether a subscription can ever match a broadcast.
// "*" matches everything and "family.*" matches a whole family.
func validChannel(ch string) bool {
	if ch == "*" {
		return true
	}
	for _, family := range eventFamilies {
		if rest, ok := strings.CutPrefix(ch, family); ok && rest != "" {
			return true
		}
	}
	return false
}

// Hub fans engine events out to WebSocket clients by channel.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	closed  bool

	dropped atomic.Int64
}

// NewHub creates a hub. Call Run to tie its lifetime to a context.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

// Register adds a client. Clients registering after Run returned are
// disconnected straight away.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.shutdown()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

// Unregister removes a client. It is safe to call more than once.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.shutdown()
		h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
	}
}

// Broadcast implements automation.WSHub. Clients whose send buffer is full
// miss the event; the loss is counted in Dropped.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	recipients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		if !c.subs.matches(channel) {
			continue
		}
		if !c.enqueue(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of events lost to slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
