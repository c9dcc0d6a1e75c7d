package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/logging"
)

var authCfg = config.AuthConfig{JWTSecret: "realtime-secret"}

type harness struct {
	hub *Hub
	bus *events.Bus
	url string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logging.Discard()
	hub := NewHub(nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	hub.Start(ctx)

	bus := events.NewBus(log)
	detach := hub.Attach(bus)

	server := httptest.NewServer(auth.Middleware(authCfg)(hub))
	t.Cleanup(func() {
		detach()
		server.Close()
		cancel()
	})
	return &harness{hub: hub, bus: bus, url: "ws" + strings.TrimPrefix(server.URL, "http")}
}

func (h *harness) dial(t *testing.T, user auth.User) *websocket.Conn {
	t.Helper()
	token, err := auth.IssueToken(authCfg, user, time.Minute)
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(h.url+"?access_token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	welcome := read(t, ws)
	require.Equal(t, "connected", welcome.Type)
	return ws
}

func (h *harness) publish(t *testing.T, eventType, userID string) {
	t.Helper()
	ev := events.NewEvent(eventType, "test", map[string]any{"marker": eventType + ":" + userID}).ForUser(userID)
	require.NoError(t, h.bus.Publish(context.Background(), ev))
}

func read(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	var msg Message
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestRejectsUnauthenticated(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStaffReceiveAllEvents(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, auth.User{ID: "crisis-1", Roles: []string{auth.RoleCrisisTeam}})

	h.publish(t, events.TypeCrisisDetected, "user-1")
	h.publish(t, events.TypeAlertCreated, "user-2")
	h.publish(t, events.TypeEscalationLevelStarted, "user-2")

	for _, want := range []string{events.TypeCrisisDetected, events.TypeAlertCreated, events.TypeEscalationLevelStarted} {
		msg := read(t, ws)
		assert.Equal(t, "event", msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, want, msg.Event.Type)
	}
}

func TestUsersOnlySeeTheirOwnSessionEvents(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, auth.User{ID: "user-1", Roles: []string{auth.RoleClient}})

	h.publish(t, events.TypePanicStarted, "user-2")
	h.publish(t, events.TypeCrisisDetected, "user-1")
	h.publish(t, events.TypeAlertCreated, "user-1")
	h.publish(t, events.TypeBreathingPhaseUpdate, "user-1")

	msg := read(t, ws)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.TypeBreathingPhaseUpdate, msg.Event.Type)
	assert.Equal(t, "user-1", msg.Event.UserID)
}

func TestStaffFocusOnOneUser(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, auth.User{ID: "therapist-1", Roles: []string{auth.RoleTherapist}})

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "subscribe", "user_id": "user-3"}))
	assert.Equal(t, "subscribed", read(t, ws).Type)

	h.publish(t, events.TypeAlertCreated, "user-2")
	h.publish(t, events.TypeAlertCreated, "user-3")

	msg := read(t, ws)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "user-3", msg.Event.UserID)
}

func TestPingAndDisconnect(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, auth.User{ID: "user-1", Roles: []string{auth.RoleClient}})

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", read(t, ws).Type)
	assert.Equal(t, 1, h.hub.Clients())

	ws.Close()
	assert.Eventually(t, func() bool { return h.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub([]string{"https://dashboard.carecircle.app"}, logging.Discard())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, hub.checkOrigin(req))
	req.Header.Set("Origin", "https://dashboard.carecircle.app")
	assert.True(t, hub.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.checkOrigin(req))
}
