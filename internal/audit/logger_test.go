package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(t string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// blockingRepo holds every append until release is closed
type blockingRepo struct {
	*MemoryRepository
	release chan struct{}
}

func (b *blockingRepo) Append(ctx context.Context, e *Entry) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.MemoryRepository.Append(ctx, e)
}

type failingRepo struct{ *MemoryRepository }

func (failingRepo) Append(context.Context, *Entry) error {
	return errors.UpstreamUnavailable("postgres", context.DeadlineExceeded)
}

func TestLoggerAppendsAndEmits(t *testing.T) {
	repo := NewMemoryRepository()
	rec := &recorder{}
	logger := NewLogger(repo, rec, LoggerConfig{}, logging.Discard())
	logger.Start()

	for i := 0; i < 20; i++ {
		logger.LogCrisisEvent(context.Background(), CrisisEvent{Type: "alert_created", Source: "alert", UserID: "user-1"})
	}
	logger.Stop()

	assert.Equal(t, 20, rec.count(events.TypeEventLogged))
	assert.Zero(t, rec.count(events.TypeLogError))

	chain, err := repo.Chain(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, chain, 20)
	assert.True(t, VerifyChain(chain).Valid)
}

func TestLogCrisisEventNeverBlocks(t *testing.T) {
	repo := &blockingRepo{MemoryRepository: NewMemoryRepository(), release: make(chan struct{})}
	rec := &recorder{}
	logger := NewLogger(repo, rec, LoggerConfig{QueueSize: 2, Workers: 1}, logging.Discard())
	logger.Start()

	start := time.Now()
	for i := 0; i < 10; i++ {
		logger.LogCrisisEvent(context.Background(), CrisisEvent{Type: "panic_started", Source: "panic"})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// one in the worker, two queued, the rest dropped onto the side channel
	assert.GreaterOrEqual(t, rec.count(events.TypeLogError), 7)

	close(repo.release)
	logger.Stop()
	assert.Equal(t, 10, rec.count(events.TypeLogError)+rec.count(events.TypeEventLogged))
}

func TestLoggerReportsAppendFailure(t *testing.T) {
	rec := &recorder{}
	logger := NewLogger(failingRepo{NewMemoryRepository()}, rec, LoggerConfig{}, logging.Discard())
	logger.Start()

	logger.LogCrisisEvent(context.Background(), CrisisEvent{Type: "alert_resolved", Source: "alert"})
	logger.Stop()

	assert.Equal(t, 1, rec.count(events.TypeLogError))
	assert.Zero(t, rec.count(events.TypeEventLogged))
}

func TestLoggerAppendTimeout(t *testing.T) {
	repo := &blockingRepo{MemoryRepository: NewMemoryRepository(), release: make(chan struct{})}
	rec := &recorder{}
	logger := NewLogger(repo, rec, LoggerConfig{AppendTimeout: 50 * time.Millisecond}, logging.Discard())
	logger.Start()

	logger.LogCrisisEvent(context.Background(), CrisisEvent{Type: "alert_created", Source: "alert"})
	assert.Eventually(t, func() bool { return rec.count(events.TypeLogError) == 1 }, time.Second, 10*time.Millisecond)
	logger.Stop()
}

func TestLogAfterStop(t *testing.T) {
	rec := &recorder{}
	logger := NewLogger(NewMemoryRepository(), rec, LoggerConfig{}, logging.Discard())
	logger.Start()
	logger.Stop()
	logger.Stop()

	logger.LogCrisisEvent(context.Background(), CrisisEvent{Type: "alert_created", Source: "alert"})
	assert.Equal(t, 1, rec.count(events.TypeLogError))
}

func TestSubscriberMapsBusEvents(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	repo := NewMemoryRepository()
	logger := NewLogger(repo, bus, LoggerConfig{}, logging.Discard())
	logger.Start()
	defer logger.Stop()

	unsubscribe := NewSubscriber(logger).Attach(bus)
	defer unsubscribe()

	ctx := context.Background()
	type payload struct {
		AlertID  string `json:"alert_id"`
		Severity string `json:"severity"`
	}
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.TypeAlertAcknowledged, "alert",
		payload{AlertID: "alert-1", Severity: "critical"}).ForUser("user-1").WithActor("staff-1", "staff")))
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.TypeBreathingPhaseUpdate, "panic",
		map[string]any{"phase": "inhale"})))
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.TypePanicStarted, "panic",
		map[string]any{"session_id": "session-1"})))

	require.Eventually(t, func() bool {
		_, total, _ := repo.List(ctx, ListFilter{})
		return total == 2
	}, time.Second, 10*time.Millisecond)

	// event_logged from the logger itself must not loop back into the log
	time.Sleep(50 * time.Millisecond)
	entries, total, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	byType := map[string]*Entry{}
	for _, e := range entries {
		byType[e.EventType] = e
	}

	ack := byType[events.TypeAlertAcknowledged]
	require.NotNil(t, ack)
	assert.Equal(t, "alert", ack.ResourceType)
	assert.Equal(t, "alert-1", ack.ResourceID)
	assert.Equal(t, "critical", ack.Severity)
	assert.Equal(t, ActorTypeStaff, ack.ActorType)
	assert.Equal(t, "user-1", ack.UserID)

	started := byType[events.TypePanicStarted]
	require.NotNil(t, started)
	assert.Equal(t, "panic_session", started.ResourceType)
	assert.Equal(t, "session-1", started.ResourceID)
}

func TestAuditRoutesAdminOnly(t *testing.T) {
	repo := NewMemoryRepository()
	entries := appendN(t, repo, 3)

	r := chi.NewRouter()
	NewHandler(repo).RegisterRoutes(r)

	get := func(user *auth.User, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if user != nil {
			req = req.WithContext(auth.WithUser(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	admin := &auth.User{ID: "admin-1", Roles: []string{auth.RoleAdmin}}
	therapist := &auth.User{ID: "t-1", Roles: []string{auth.RoleTherapist}}

	assert.Equal(t, http.StatusUnauthorized, get(nil, "/audit/entries").Code)
	assert.Equal(t, http.StatusForbidden, get(therapist, "/audit/entries").Code)

	rec := get(admin, "/audit/entries?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []Entry `json:"data"`
		Total int     `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Data, 2)

	rec = get(admin, "/audit/verify")
	require.Equal(t, http.StatusOK, rec.Code)
	var result VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Checked)

	entries[1].Severity = "low"
	rec = get(admin, "/audit/verify?from=2")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.Equal(t, int64(2), result.BrokenAt)
}
