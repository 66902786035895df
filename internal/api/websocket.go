package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// wsSendBufferSize is the per-client outbound queue length.
const wsSendBufferSize = 256

// WSMessage is a message sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is a message received from a client. The payload is decoded
// once the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware and the ticket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// subscriptionSet holds a client's channels. "prefix.*" and "*" match by
// prefix.
type subscriptionSet struct {
	mu       sync.RWMutex
	channels map[string]struct{}
}

func (s *subscriptionSet) add(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = make(map[string]struct{}, len(channels))
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
}

func (s *subscriptionSet) remove(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
}

func (s *subscriptionSet) matches(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.channels[channel]; ok {
		return true
	}
	for sub := range s.channels {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// WSClient is one WebSocket connection.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string // token subject the ticket was issued to

	subs subscriptionSet
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(hub *Hub, conn *websocket.Conn, subject string) *WSClient {
	return &WSClient{
		hub:     hub,
		conn:    conn,
		subject: subject,
		send:    make(chan []byte, wsSendBufferSize),
		done:    make(chan struct{}),
	}
}

// enqueue queues data for the write pump. It returns false when the
// client's buffer is full. Messages for a closed client are discarded.
func (c *WSClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown stops the write pump, which closes the connection.
func (c *WSClient) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// handleWebSocket upgrades a request carrying a ticket from
// POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "subject", entry.subject, "error", err)
		return
	}

	c := newWSClient(s.hub, conn, entry.subject)
	s.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

// Fallbacks for an unset websocket.ping_interval and pong_timeout.
const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// timeouts returns the ping interval, the read deadline and the write
// deadline of a connection.
func (c *WSClient) timeouts() (ping, readWait, writeWait time.Duration) {
	ping = time.Duration(c.hub.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultPingInterval
	}
	writeWait = time.Duration(c.hub.cfg.PongTimeout) * time.Second
	if writeWait <= 0 {
		writeWait = defaultPongTimeout
	}
	return ping, ping + writeWait, writeWait
}

func (c *WSClient) readPump() {
	defer c.hub.Unregister(c)

	_, wait, _ := c.timeouts()
	c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	//nolint:errcheck // Deadline errors surface on the next read
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any message keeps the
		// connection alive.
		//nolint:errcheck // Deadline errors surface on the next read
		c.conn.SetReadDeadline(time.Now().Add(wait))
		c.handle(data)
	}
}

func (c *WSClient) writePump() {
	ping, _, writeWait := c.timeouts()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // Connection teardown
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // A failed deadline fails the write
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			//nolint:errcheck // Best-effort close frame
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

// handle answers one client request.
func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscription(req)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, errorPayload("unknown message type: "+req.Type))
	}
}

func (c *WSClient) handleSubscription(req wsRequest) {
	var p WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.reply(req.ID, WSTypeError, errorPayload("invalid "+req.Type+" payload"))
		return
	}
	if len(p.Channels) == 0 {
		c.reply(req.ID, WSTypeError, errorPayload("channels must not be empty"))
		return
	}

	if req.Type == WSTypeUnsubscribe {
		c.subs.remove(p.Channels)
		c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": p.Channels})
		return
	}

	var unknown []string
	for _, ch := range p.Channels {
		if !validChannel(ch) {
			unknown = append(unknown, ch)
		}
	}
	if len(unknown) > 0 {
		c.reply(req.ID, WSTypeError, errorPayload(fmt.Sprintf("unknown channels: %s", strings.Join(unknown, ", "))))
		return
	}

	c.subs.add(p.Channels)
	c.hub.logger.Debug("websocket client subscribed", "subject", c.subject, "channels", p.Channels)
	c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": p.Channels})
}

func (c *WSClient) reply(id, typ string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      typ,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func errorPayload(msg string) map[string]string {
	return map[string]string{"message": msg}
}
