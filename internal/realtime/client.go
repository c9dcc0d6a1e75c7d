package realtime

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/events"
)

// Client is one websocket connection
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	user  *auth.User
	staff bool

	mu    sync.RWMutex
	focus string // staff may narrow the stream to one user
}

// userVisible lists the event type prefixes a non-staff user receives
// about themselves
var userVisible = []string{
	"panic_",
	"breathing_",
	"resource_",
	events.TypeEmergencyContacted,
	events.TypeAlertAcknowledged,
}

func (c *Client) wants(event events.Event) bool {
	if c.staff {
		c.mu.RLock()
		focus := c.focus
		c.mu.RUnlock()
		return focus == "" || focus == event.UserID
	}
	if event.UserID != c.user.ID {
		return false
	}
	for _, prefix := range userVisible {
		if strings.HasPrefix(event.Type, prefix) {
			return true
		}
	}
	return false
}

// sendMessage queues msg unless the client is already gone or full
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("realtime read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

type clientMessage struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

func (c *Client) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.hub.log.WithError(err).Debug("failed to parse realtime client message")
		return
	}

	switch msg.Type {
	case "subscribe":
		if !c.staff {
			return
		}
		c.mu.Lock()
		c.focus = msg.UserID
		c.mu.Unlock()
		c.sendMessage(Message{Type: "subscribed", Timestamp: time.Now().UTC(), Data: map[string]any{"user_id": msg.UserID}})

	case "unsubscribe":
		c.mu.Lock()
		c.focus = ""
		c.mu.Unlock()
		c.sendMessage(Message{Type: "subscribed", Timestamp: time.Now().UTC(), Data: map[string]any{"user_id": ""}})

	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().UTC()})

	default:
		c.hub.log.WithField("type", msg.Type).Debug("unknown realtime client message")
	}
}
