package alert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/logging"
	"github.com/carecircle/crisis/internal/shared/types"
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

func (r *recorder) ofType(t string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeDispatcher records enqueued notifications without delivering them
type fakeDispatcher struct {
	mu   sync.Mutex
	sent []*notification.Notification
}

func (d *fakeDispatcher) Enqueue(n *notification.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n.ID = types.NewID()
	n.CreatedAt = time.Now().UTC()
	d.sent = append(d.sent, n)
	return nil
}

func (d *fakeDispatcher) forLevel(alertID string, level int) []*notification.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*notification.Notification
	for _, n := range d.sent {
		if n.AlertID == alertID && n.Level == level {
			out = append(out, n)
		}
	}
	return out
}

// flakyDirectory fails the first failures lookups
type flakyDirectory struct {
	ContactDirectory
	failures int32
	calls    atomic.Int32
}

func (f *flakyDirectory) ResolveContacts(ctx context.Context, q ContactQuery) ([]*EmergencyContact, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, errors.New("directory offline")
	}
	return f.ContactDirectory.ResolveContacts(ctx, q)
}

type failingProtocols struct{}

func (failingProtocols) Protocols(context.Context) ([]*Protocol, error) {
	return nil, errors.New("protocol table unavailable")
}

type failingRepo struct {
	*MemoryRepository
}

func (failingRepo) Save(context.Context, *Alert) error {
	return errors.New("database unavailable")
}

func testConfig() config.EscalationConfig {
	return config.EscalationConfig{
		TimeoutUnit:   10 * time.Millisecond,
		LookupTimeout: 200 * time.Millisecond,
		LookupRetries: 2,
		RetryDelay:    10 * time.Millisecond,
		CreateTimeout: 2 * time.Second,
		HighGrace:     30 * time.Millisecond,
		MediumGrace:   60 * time.Millisecond,
		LowGrace:      100 * time.Millisecond,
	}
}

func seedContacts(t *testing.T, store *MemoryContactStore, userID string) {
	t.Helper()
	ctx := context.Background()
	for _, c := range []*EmergencyContact{
		{
			UserID:          userID,
			Name:            "Ana",
			EscalationLevel: ContactPrimary,
			ContactMethods: []ContactMethod{
				{Type: notification.MethodSMS, Value: "+15550101", Priority: 1, Active: true},
				{Type: notification.MethodPhone, Value: "+15550101", Priority: 2, Active: true},
			},
			Permissions: Permissions{CanReceiveAlerts: true, CanAcknowledgeAlerts: true},
		},
		{
			UserID:          userID,
			Name:            "Marko",
			EscalationLevel: ContactSecondary,
			ContactMethods: []ContactMethod{
				{Type: notification.MethodSMS, Value: "+15550102", Priority: 1, Active: true},
			},
			Permissions: Permissions{CanReceiveAlerts: true},
		},
		{
			UserID:          userID,
			Name:            "Dr. Petrovic",
			EscalationLevel: ContactProfessional,
			ContactMethods: []ContactMethod{
				{Type: notification.MethodPhone, Value: "+15550103", Priority: 1, Active: true},
				{Type: notification.MethodEmail, Value: "dr@example.org", Priority: 2, Active: true},
			},
			Permissions: Permissions{CanReceiveAlerts: true, CanAcknowledgeAlerts: true},
		},
	} {
		require.NoError(t, store.Save(ctx, c))
	}
}

type testManager struct {
	*Manager
	rec        *recorder
	contacts   *MemoryContactStore
	dispatcher *fakeDispatcher
	repo       *MemoryRepository
}

func newTestManager(t *testing.T, mutate ...func(*ManagerDeps)) *testManager {
	t.Helper()
	tm := &testManager{
		rec:        &recorder{},
		contacts:   NewMemoryContactStore(),
		dispatcher: &fakeDispatcher{},
		repo:       NewMemoryRepository(),
	}
	seedContacts(t, tm.contacts, "user-1")

	deps := ManagerDeps{
		Repository: tm.repo,
		Contacts:   tm.contacts,
		Dispatcher: tm.dispatcher,
		Publisher:  tm.rec,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	tm.Manager = NewManager(testConfig(), deps, logging.Discard())
	t.Cleanup(tm.Stop)
	return tm
}

func path(minutes ...float64) []EscalationLevel {
	levels := make([]EscalationLevel, len(minutes))
	for i, m := range minutes {
		levels[i] = EscalationLevel{
			TimeoutMinutes: m,
			Methods:        []notification.Method{notification.MethodSMS},
		}
	}
	return levels
}

func (tm *testManager) waitLevel(t *testing.T, alertID string, level int) *Alert {
	t.Helper()
	var a *Alert
	require.Eventually(t, func() bool {
		var err error
		a, err = tm.Get(context.Background(), alertID)
		return err == nil && a.CurrentLevel == level
	}, 2*time.Second, 2*time.Millisecond)
	return a
}
