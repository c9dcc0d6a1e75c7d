package detection

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/audit"
	"github.com/carecircle/crisis/internal/shared/config"
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

type auditStub struct {
	mu      sync.Mutex
	entries []audit.CrisisEvent
}

func (a *auditStub) LogCrisisEvent(_ context.Context, e audit.CrisisEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditStub) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func testDetectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		ConfidenceThreshold: 0.3,
		ContextAnalysis:     true,
		TimeFactorWeight:    0.1,
		UserHistoryWeight:   0.15,
		DefaultLanguage:     "en",
	}
}

func loadedStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(NewFileSource(""), logging.Discard())
	require.NoError(t, store.Load(context.Background()))
	return store
}

type testEngine struct {
	*Engine
	events  *recorder
	audit   *auditStub
	results *MemoryRepository
}

func newTestEngine(t *testing.T, ctxProvider ContextProvider) *testEngine {
	t.Helper()
	rec := &recorder{}
	stub := &auditStub{}
	repo := NewMemoryRepository()
	engine := NewEngine(testDetectionConfig(), EngineDeps{
		Store:     loadedStore(t),
		Context:   ctxProvider,
		Publisher: rec,
		Logger:    stub,
		Results:   repo,
	}, logging.Discard())
	return &testEngine{Engine: engine, events: rec, audit: stub, results: repo}
}

// fixedContext returns the same factors for every user
type fixedContext struct {
	factors *ContextFactors
	err     error
}

func (f fixedContext) Enrich(context.Context, string) (*ContextFactors, error) {
	return f.factors, f.err
}

func afternoon() fixedContext {
	return fixedContext{factors: &ContextFactors{TimeOfDay: 14}}
}
