package panicmode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/alert"
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

func (r *recorder) ofType(t string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e.Data.(map[string]any))
		}
	}
	return out
}

// hangingLocator never answers before its context ends
type hangingLocator struct{}

func (hangingLocator) Locate(ctx context.Context, _ string) (*types.Location, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingLocator) Update(context.Context, string, types.Location) error {
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []EmergencyRequest
	err      error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req EmergencyRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return "", d.err
	}
	return "CA123", nil
}

func (d *fakeDispatcher) sent() []EmergencyRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]EmergencyRequest(nil), d.requests...)
}

type fakeAlerts struct {
	mu     sync.Mutex
	params []alert.CreateParams
}

func (f *fakeAlerts) CreateAlert(_ context.Context, p alert.CreateParams) (*alert.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	return &alert.Alert{ID: types.NewID(), UserID: p.UserID, Type: p.Type, Severity: p.Severity}, nil
}

func (f *fakeAlerts) created() []alert.CreateParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alert.CreateParams(nil), f.params...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errDispatchDown = errors.New("dispatch line busy")

func testConfig() config.PanicConfig {
	return config.PanicConfig{
		GeolocationTimeout: 2 * time.Second,
		LocationInterval:   20 * time.Millisecond,
		DispatchTimeout:    200 * time.Millisecond,
		AbandonAfter:       time.Hour,
		PhaseUnit:          time.Millisecond,
	}
}

const testCatalog = `
resources:
  - id: crisis-lifeline
    type: hotline
    title: Lifeline
    phone: "988"
    priority: 1
  - id: grounding-54321
    type: grounding
    title: Grounding
    priority: 5
exercises:
  - id: short
    name: Short
    inhale: 2
    hold: 0
    exhale: 3
    pause: 1
    duration: 10
  - id: long
    name: Long
    inhale: 100
    hold: 100
    exhale: 100
    duration: 3000
`

type testManager struct {
	*Manager
	rec        *recorder
	repo       *MemoryRepository
	locator    *MemoryLocator
	dispatcher *fakeDispatcher
	alerts     *fakeAlerts
	clock      *clock
}

func newTestManager(t *testing.T, mutate ...func(*ManagerDeps)) *testManager {
	t.Helper()
	catalog, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	tm := &testManager{
		rec:        &recorder{},
		repo:       NewMemoryRepository(),
		locator:    NewMemoryLocator(),
		dispatcher: &fakeDispatcher{},
		alerts:     &fakeAlerts{},
		clock:      &clock{t: time.Now().UTC()},
	}
	deps := ManagerDeps{
		Repository: tm.repo,
		Catalog:    catalog,
		Locator:    tm.locator,
		Dispatcher: tm.dispatcher,
		Alerts:     tm.alerts,
		Publisher:  tm.rec,
		Now:        tm.clock.Now,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	tm.Manager = NewManager(testConfig(), deps, logging.Discard())
	t.Cleanup(tm.Stop)
	return tm
}
