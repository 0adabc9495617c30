// Package ws pushes engine events from the signal bus to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/steward/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Config configures a Hub.
type Config struct {
	// Channels are the bus channels forwarded to clients. Glob patterns are
	// allowed.
	Channels []string
	// Origins restricts browser origins; empty allows all.
	Origins   []string
	Mode      string
	StartedAt time.Time
	// Status, when set, is included in the greeting sent on connect.
	Status func(ctx context.Context) any
}

// envelope is the frame sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// controlMsg is what a client sends to change its subscription.
//
//	{"action":"subscribe","channels":["conditions"]}
//	{"action":"watch","conditions":[1,2]}   // only these condition ids
//	{"action":"unwatch"}                    // every condition again
type controlMsg struct {
	Action     string   `json:"action"`
	Channels   []string `json:"channels"`
	Conditions []uint64 `json:"conditions"`
}

type broadcastMsg struct {
	channel     string
	conditionID uint64
	frame       []byte
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	bus      domain.SignalBus
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"conditions"}
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	h := &Hub{
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.Origins) == 0 {
		return true
	}
	for _, o := range h.cfg.Origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run subscribes to the configured channels and serves clients until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range h.cfg.Channels {
		go h.forward(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.channel, msg.conditionID) {
					continue
				}
				select {
				case c.send <- msg.frame:
				default:
					h.logger.Warn("dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward relays one bus channel into the broadcast loop.
func (h *Hub) forward(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	h.logger.Info("subscribed", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("subscription closed", slog.String("channel", channel))
				return
			}
			msg, err := newBroadcast(channel, data)
			if err != nil {
				h.logger.Warn("skipping malformed payload", slog.String("channel", channel), slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func newBroadcast(channel string, data []byte) (broadcastMsg, error) {
	var head struct {
		ConditionID uint64 `json:"condition_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return broadcastMsg{}, err
	}
	frame, err := json.Marshal(envelope{Type: "event", Channel: channel, Payload: data})
	if err != nil {
		return broadcastMsg{}, err
	}
	return broadcastMsg{channel: channel, conditionID: head.ConditionID, frame: frame}, nil
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(h.cfg.Channels)),
	}
	for _, ch := range h.cfg.Channels {
		c.subs[ch] = true
	}

	h.register <- c
	c.greet(r.Context())

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	subs    map[string]bool
	watched map[uint64]bool
}

func (c *client) greet(ctx context.Context) {
	payload := map[string]any{
		"mode":           c.hub.cfg.Mode,
		"uptime_seconds": max(0, int64(time.Since(c.hub.cfg.StartedAt).Seconds())),
	}
	if c.hub.cfg.Status != nil {
		payload["engine"] = c.hub.cfg.Status(ctx)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(envelope{Type: "status", Payload: raw})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

func (c *client) apply(msg controlMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	case "watch":
		if c.watched == nil {
			c.watched = make(map[uint64]bool, len(msg.Conditions))
		}
		for _, id := range msg.Conditions {
			c.watched[id] = true
		}
	case "unwatch":
		c.watched = nil
	}
}

// wants reports whether a message on channel about conditionID should reach
// the client. Engine-wide events (id 0) always pass the condition filter.
func (c *client) wants(channel string, conditionID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.watched) > 0 && conditionID != 0 && !c.watched[conditionID] {
		return false
	}
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
