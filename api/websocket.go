package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"emulatorwatch/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is per client; a slow viewer loses its oldest frames.
	sendBuffer = 16

	// SubscribeAll subscribes a client to every device.
	SubscribeAll = "all"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024 * 1024,
}

type outbound struct {
	messageType int
	data        []byte
}

type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan outbound

	mu         sync.RWMutex
	subscribed map[string]bool
}

func (c *Client) wants(serial string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed[serial] || c.subscribed[SubscribeAll]
}

func (c *Client) setSubscribed(serial string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subscribed[serial] = true
	} else {
		delete(c.subscribed, serial)
	}
}

// FrameSource returns the latest frame of a device, if any.
type FrameSource func(serial string) (models.FrameEvent, bool)

// WebSocketHub fans frames out to subscribed viewers.
type WebSocketHub struct {
	latest FrameSource
	log    *slog.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWebSocketHub creates a hub. latest may be nil; when set, a new
// subscriber immediately receives the latest frame of its device.
func NewWebSocketHub(latest FrameSource, logger *slog.Logger) *WebSocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHub{
		latest:     latest,
		log:        logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run tracks client registration until ctx is cancelled, then drops
// every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("viewer connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("viewer disconnected", "total", n)
		}
	}
}

// ClientCount returns the number of registered viewers.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// EncodeFrame builds the binary message for ev:
// one length byte, the serial, then the PNG bytes.
func EncodeFrame(ev models.FrameEvent) []byte {
	serial := ev.Device.Serial
	if len(serial) > 255 {
		serial = serial[:255]
	}
	packet := make([]byte, 0, 1+len(serial)+len(ev.Data))
	packet = append(packet, byte(len(serial)))
	packet = append(packet, serial...)
	return append(packet, ev.Data...)
}

// BroadcastFrame sends ev to clients subscribed to its device.
func (h *WebSocketHub) BroadcastFrame(ev models.FrameEvent) {
	msg := outbound{messageType: websocket.BinaryMessage, data: EncodeFrame(ev)}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wants(ev.Device.Serial) {
			h.deliver(client, msg)
		}
	}
}

// BroadcastEvent sends a JSON status message to every client.
func (h *WebSocketHub) BroadcastEvent(event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", "error", err)
		return
	}
	msg := outbound{messageType: websocket.TextMessage, data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		h.deliver(client, msg)
	}
}

// deliver must be called with h.mu held for reading.
func (h *WebSocketHub) deliver(client *Client, msg outbound) {
	select {
	case client.send <- msg:
		return
	default:
	}
	// Full: drop the oldest queued message and retry once.
	select {
	case <-client.send:
	default:
	}
	select {
	case client.send <- msg:
	default:
		h.log.Warn("viewer send buffer full, dropping message")
	}
}

// sendCached pushes the cached frame for serial to one client.
func (h *WebSocketHub) sendCached(client *Client, serial string) {
	if h.latest == nil || serial == SubscribeAll {
		return
	}
	ev, ok := h.latest(serial)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client] {
		h.deliver(client, outbound{messageType: websocket.BinaryMessage, data: EncodeFrame(ev)})
	}
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan outbound, sendBuffer),
		subscribed: make(map[string]bool),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

type subscription struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", "error", err)
			}
			return
		}

		var msg subscription
		if err := json.Unmarshal(message, &msg); err != nil || msg.DeviceID == "" {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.setSubscribed(msg.DeviceID, true)
			c.hub.log.Debug("viewer subscribed", "serial", msg.DeviceID)
			c.hub.sendCached(c, msg.DeviceID)
		case "unsubscribe":
			c.setSubscribed(msg.DeviceID, false)
			c.hub.log.Debug("viewer unsubscribed", "serial", msg.DeviceID)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
