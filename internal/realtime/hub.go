// Package realtime pushes pipeline events to connected dashboards over
// websockets.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/httputil"
	"github.com/carecircle/crisis/internal/shared/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	sendBuffer     = 256
	broadcastQueue = 1024
)

// Patterns the hub forwards from the bus
var forwarded = []string{
	events.TypeCrisisDetected,
	"alert_*",
	"escalation_*",
	"notification_*",
	"panic_*",
	"resource_*",
	"breathing_*",
	events.TypeEmergencyContacted,
}

// Message is the frame written to clients
type Message struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Event     *events.Event `json:"event,omitempty"`
	Data      any           `json:"data,omitempty"`
}

// Hub fans bus events out to websocket clients. Staff see every event,
// other users only the events about themselves.
type Hub struct {
	log            *logrus.Entry
	upgrader       websocket.Upgrader
	allowedOrigins []string
	pingInterval   time.Duration

	mu         sync.RWMutex
	clients    map[*Client]bool
	unregister chan *Client
	broadcast  chan events.Event
	done       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a hub. An empty allowedOrigins list or "*" accepts any
// origin.
func NewHub(allowedOrigins []string, log *logrus.Entry) *Hub {
	h := &Hub{
		log:            log,
		allowedOrigins: allowedOrigins,
		pingInterval:   (pongWait * 9) / 10,
		clients:        make(map[*Client]bool),
		unregister:     make(chan *Client),
		broadcast:      make(chan events.Event, broadcastQueue),
		done:           make(chan struct{}),
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
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Attach subscribes the hub to the bus. It returns a function that removes
// the subscriptions.
func (h *Hub) Attach(bus *events.Bus) func() {
	unsubs := make([]func(), 0, len(forwarded))
	for _, pattern := range forwarded {
		unsubs = append(unsubs, bus.Subscribe(pattern, "realtime", func(_ context.Context, event events.Event) error {
			h.Broadcast(event)
			return nil
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Broadcast queues event for delivery. It never blocks; events are dropped
// when the queue is full.
func (h *Hub) Broadcast(event events.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.WithField("event_type", event.Type).Warn("realtime broadcast queue full, dropping event")
	}
}

// Start runs the hub loop until ctx ends or Stop is called
func (h *Hub) Start(ctx context.Context) {
	go h.run(ctx)
}

// Stop disconnects every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return

		case c := <-h.unregister:
			h.remove([]*Client{c})

		case event := <-h.broadcast:
			if stale := h.deliver(event); len(stale) > 0 {
				h.remove(stale)
			}
		}
	}
}

// deliver writes event to every client allowed to see it and returns the
// clients whose buffers are full.
func (h *Hub) deliver(event events.Event) []*Client {
	data, err := json.Marshal(Message{Type: "event", Timestamp: time.Now().UTC(), Event: &event})
	if err != nil {
		h.log.WithError(err).WithField("event_type", event.Type).Error("failed to marshal realtime event")
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var stale []*Client
	for c := range h.clients {
		if !c.wants(event) {
			continue
		}
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	return stale
}

// add registers c unless the hub has stopped
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return false
	default:
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	metrics.RecordRealtimeClients(n)
	h.log.WithFields(logrus.Fields{"user_id": c.user.ID, "staff": c.staff}).Debug("realtime client registered")
	return true
}

func (h *Hub) remove(clients []*Client) {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
			h.log.WithField("user_id", c.user.ID).Debug("realtime client unregistered")
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.RecordRealtimeClients(n)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	metrics.RecordRealtimeClients(0)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades an authenticated request to a websocket
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		httputil.WriteError(w, errors.Unauthorized("authentication required"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade realtime connection")
		return
	}

	c := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		user:  user,
		staff: user.IsStaff(),
	}

	// the welcome frame is queued before registration so it always comes first
	if welcome, err := json.Marshal(Message{
		Type:      "connected",
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"user_id": user.ID,
			"staff":   c.staff,
		},
	}); err == nil {
		c.send <- welcome
	}

	if !h.add(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
