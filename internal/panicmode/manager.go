package panicmode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/alert"
	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/metrics"
	"github.com/carecircle/crisis/internal/shared/types"
	"github.com/carecircle/crisis/internal/shared/validate"
)

const (
	// activation must finish within a second, so the first save gets less
	activationPersistTimeout = 500 * time.Millisecond
	persistTimeout           = 2 * time.Second
	alertTimeout             = 2 * time.Second
	// the panic alert waits this long for a location before going out without one
	alertLocateTimeout = 300 * time.Millisecond
)

// AlertRaiser creates escalating alerts
type AlertRaiser interface {
	CreateAlert(ctx context.Context, p alert.CreateParams) (*alert.Alert, error)
}

// ManagerDeps are the collaborators of a Manager
type ManagerDeps struct {
	Repository SessionRepository
	Catalog    *Catalog
	Locator    Locator
	Dispatcher EmergencyDispatcher
	Alerts     AlertRaiser
	Publisher  events.Publisher
	Now        func() time.Time
}

// live is the in-memory state of an active session. mu guards session and
// breathing.
type live struct {
	mu        sync.Mutex
	session   *Session
	userID    string
	cancel    context.CancelFunc
	breathing *breathingRun
}

// stopBreathing cancels the running exercise, if any, and returns it.
// Must be called with mu held.
func (l *live) stopBreathing() *breathingRun {
	run := l.breathing
	if run == nil {
		return nil
	}
	close(run.stop)
	l.breathing = nil
	l.session.ActiveExercise = ""
	return run
}

type breathingRun struct {
	exercise BreathingExercise
	stop     chan struct{}
}

// Manager runs panic sessions, one active session per user
type Manager struct {
	cfg        config.PanicConfig
	repo       SessionRepository
	catalog    *Catalog
	locator    Locator
	dispatcher EmergencyDispatcher
	alerts     AlertRaiser
	publisher  events.Publisher
	now        func() time.Time
	log        *logrus.Entry

	mu     sync.Mutex
	active map[string]*live

	wg      sync.WaitGroup
	stopped atomic.Bool
	stopCh  chan struct{}
}

// NewManager creates a panic session manager
func NewManager(cfg config.PanicConfig, deps ManagerDeps, log *logrus.Entry) *Manager {
	if cfg.GeolocationTimeout <= 0 {
		cfg.GeolocationTimeout = 5 * time.Second
	}
	if cfg.LocationInterval <= 0 {
		cfg.LocationInterval = 30 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 2 * time.Hour
	}
	if cfg.PhaseUnit <= 0 {
		cfg.PhaseUnit = time.Second
	}
	if deps.Repository == nil {
		deps.Repository = NewMemoryRepository()
	}
	if deps.Catalog == nil {
		deps.Catalog = DefaultCatalog()
	}
	if deps.Locator == nil {
		deps.Locator = NewMemoryLocator()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = NewLogDispatcher(log)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		cfg:        cfg,
		repo:       deps.Repository,
		catalog:    deps.Catalog,
		locator:    deps.Locator,
		dispatcher: deps.Dispatcher,
		alerts:     deps.Alerts,
		publisher:  deps.Publisher,
		now:        deps.Now,
		log:        log,
		active:     make(map[string]*live),
		stopCh:     make(chan struct{}),
	}
}

// StartPanicMode activates a session for userID and returns it at once.
// Location capture and, for manual triggers, the panic alert proceed in
// the background. An already active session is returned unchanged.
func (m *Manager) StartPanicMode(ctx context.Context, userID string, trigger TriggerSource) (*Session, error) {
	if userID == "" {
		return nil, errors.Validation("invalid input", map[string]string{"user_id": "user_id is required"})
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	if !trigger.valid() {
		return nil, errors.Validation("invalid input", map[string]string{"trigger_source": "must be manual or crisis_detection"})
	}

	m.mu.Lock()
	if l, ok := m.active[userID]; ok {
		m.mu.Unlock()
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.session.clone(), nil
	}

	now := m.now()
	s := &Session{
		ID:                types.NewID(),
		UserID:            userID,
		TriggerSource:     trigger,
		Status:            StatusActive,
		ResourcesAccessed: []ResourceAccess{},
		StartedAt:         now,
		LastActivityAt:    now,
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	l := &live{session: s, userID: userID, cancel: cancel}
	m.active[userID] = l
	snapshot := s.clone()
	m.mu.Unlock()

	pctx, pcancel := context.WithTimeout(ctx, activationPersistTimeout)
	if err := m.repo.Save(pctx, snapshot); err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Error("failed to persist panic session")
	}
	pcancel()

	metrics.RecordPanicSession(string(trigger), string(StatusActive))
	m.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"user_id":    userID,
		"trigger":    trigger,
	}).Warn("panic mode started")

	ev := m.event(events.TypePanicStarted, snapshot, map[string]any{"trigger_source": trigger})
	if trigger == TriggerManual {
		ev = ev.WithActor(userID, "user")
	}
	m.publish(ev)

	m.goAsync(func() { m.watchLocation(watchCtx, l) })
	if trigger == TriggerManual && m.alerts != nil {
		m.goAsync(func() { m.raiseAlert(l) })
	}
	return snapshot, nil
}

// watchLocation captures the location now and then every LocationInterval
// until the session ends.
func (m *Manager) watchLocation(ctx context.Context, l *live) {
	m.captureLocation(ctx, l)

	ticker := time.NewTicker(m.cfg.LocationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.captureLocation(ctx, l)
		}
	}
}

func (m *Manager) captureLocation(ctx context.Context, l *live) {
	lctx, cancel := context.WithTimeout(ctx, m.cfg.GeolocationTimeout)
	loc, err := m.locator.Locate(lctx, l.userID)
	cancel()
	if err != nil {
		m.log.WithError(err).WithField("user_id", l.userID).Debug("location unavailable")
		return
	}
	m.setLocation(l, *loc, "watcher")
}

// setLocation records loc on the session when it is newer than the one
// already held.
func (m *Manager) setLocation(l *live, loc types.Location, source string) *Session {
	l.mu.Lock()
	s := l.session
	if s.Status != StatusActive {
		l.mu.Unlock()
		return nil
	}
	if s.Location != nil && !loc.CapturedAt.After(s.Location.CapturedAt) {
		snapshot := s.clone()
		l.mu.Unlock()
		return snapshot
	}
	s.Location = &loc
	snapshot := s.clone()
	l.mu.Unlock()

	m.persist(snapshot)
	m.publish(m.event(events.TypePanicLocationUpdated, snapshot, map[string]any{
		"latitude":  loc.Latitude,
		"longitude": loc.Longitude,
		"accuracy":  loc.Accuracy,
		"source":    source,
	}))
	return snapshot
}

// UpdateLocation stores a device-reported location and applies it to the
// user's active session, if there is one. The returned session is nil
// without an active session.
func (m *Manager) UpdateLocation(ctx context.Context, userID string, loc types.Location) (*Session, error) {
	if err := validate.Struct(loc); err != nil {
		return nil, err
	}
	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = m.now()
	}
	if err := m.locator.Update(ctx, userID, loc); err != nil {
		m.log.WithError(err).WithField("user_id", userID).Warn("failed to store location")
	}

	l := m.lookupLive(userID)
	if l == nil {
		return nil, nil
	}
	return m.setLocation(l, loc, "device"), nil
}

func (m *Manager) raiseAlert(l *live) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	s := m.locateForAlert(ctx, l)
	a, err := m.alerts.CreateAlert(ctx, alert.CreateParams{
		UserID:      s.UserID,
		Type:        alert.TypePanicButton,
		Severity:    alert.SeverityHigh,
		Title:       "Panic button pressed",
		Description: "The user started panic mode and may need immediate support",
		Context: alert.Context{
			Location: s.Location,
			TriggerData: map[string]any{
				"session_id":     s.ID,
				"trigger_source": string(s.TriggerSource),
			},
		},
		ImmediateEscalation: true,
		ActorID:             s.UserID,
	})
	if err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Error("failed to raise panic alert")
		return
	}

	l.mu.Lock()
	l.session.AlertID = a.ID
	snapshot := l.session.clone()
	l.mu.Unlock()
	m.persist(snapshot)
}

// locateForAlert returns the session carrying the freshest location the
// locator can give within alertLocateTimeout.
func (m *Manager) locateForAlert(ctx context.Context, l *live) *Session {
	l.mu.Lock()
	s := l.session.clone()
	l.mu.Unlock()
	if s.Location != nil {
		return s
	}

	lctx, cancel := context.WithTimeout(ctx, alertLocateTimeout)
	loc, err := m.locator.Locate(lctx, l.userID)
	cancel()
	if err != nil || loc == nil {
		m.log.WithField("session_id", s.ID).Debug("raising panic alert without location")
		return s
	}
	if updated := m.setLocation(l, *loc, "watcher"); updated != nil && updated.Location != nil {
		return updated
	}
	s.Location = loc
	return s
}

// EndPanicMode completes the user's active session
func (m *Manager) EndPanicMode(ctx context.Context, userID, notes string) (*Session, error) {
	m.mu.Lock()
	l, ok := m.active[userID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.NoActiveSession(userID)
	}
	delete(m.active, userID)
	m.mu.Unlock()

	snapshot := m.close(l, StatusCompleted, notes)
	m.log.WithFields(logrus.Fields{
		"session_id":         snapshot.ID,
		"user_id":            userID,
		"follow_up_required": snapshot.FollowUpRequired,
	}).Info("panic mode ended")

	m.publish(m.event(events.TypePanicEnded, snapshot, endData(snapshot)).WithActor(userID, "user"))
	return snapshot, nil
}

// close ends the session held by l, which must already be out of the
// active map.
func (m *Manager) close(l *live, status Status, notes string) *Session {
	l.mu.Lock()
	l.cancel()
	stopped := l.stopBreathing()

	s := l.session
	now := m.now()
	s.Status = status
	s.EndedAt = &now
	if notes != "" {
		s.Notes = notes
	}
	s.FollowUpRequired = s.FollowUpRequired || s.needsFollowUp() || status == StatusAbandoned
	snapshot := s.clone()
	l.mu.Unlock()

	if stopped != nil {
		m.publish(m.event(events.TypeBreathingExerciseStopped, snapshot, map[string]any{
			"exercise_id": stopped.exercise.ID,
			"reason":      "session_" + string(status),
		}))
	}
	m.persist(snapshot)
	metrics.RecordPanicSession(string(snapshot.TriggerSource), string(status))
	return snapshot
}

func endData(s *Session) map[string]any {
	var duration float64
	if s.EndedAt != nil {
		duration = s.EndedAt.Sub(s.StartedAt).Seconds()
	}
	return map[string]any{
		"status":              s.Status,
		"duration_seconds":    duration,
		"follow_up_required":  s.FollowUpRequired,
		"emergency_contacted": s.EmergencyContacted,
		"resources_accessed":  len(s.ResourcesAccessed),
	}
}

// mutate applies fn to the user's active session and saves the result
func (m *Manager) mutate(userID string, fn func(l *live) error) (*Session, error) {
	l := m.lookupLive(userID)
	if l == nil {
		return nil, errors.NoActiveSession(userID)
	}

	l.mu.Lock()
	if l.session.Status != StatusActive {
		l.mu.Unlock()
		return nil, errors.NoActiveSession(userID)
	}
	if err := fn(l); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.session.LastActivityAt = m.now()
	snapshot := l.session.clone()
	l.mu.Unlock()

	m.persist(snapshot)
	return snapshot, nil
}

// AccessResource records that the user opened a catalog resource
func (m *Manager) AccessResource(ctx context.Context, userID, resourceID string) (*Session, error) {
	var res Resource
	s, err := m.mutate(userID, func(l *live) error {
		r, err := m.catalog.Resource(resourceID)
		if err != nil {
			return err
		}
		res = r
		l.session.ResourcesAccessed = append(l.session.ResourcesAccessed, ResourceAccess{
			ResourceID: resourceID,
			AccessedAt: m.now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(m.event(events.TypeResourceAccessed, s, map[string]any{
		"resource_id":   resourceID,
		"resource_type": res.Type,
	}).WithActor(userID, "user"))
	return s, nil
}

// RateResource completes the latest access to a resource and records
// whether it helped
func (m *Manager) RateResource(ctx context.Context, userID, resourceID string, helpful bool, feedback string) (*Session, error) {
	s, err := m.mutate(userID, func(l *live) error {
		accessed := l.session.ResourcesAccessed
		for i := len(accessed) - 1; i >= 0; i-- {
			if accessed[i].ResourceID == resourceID {
				h := helpful
				accessed[i].Completed = true
				accessed[i].Helpful = &h
				accessed[i].Feedback = feedback
				return nil
			}
		}
		return errors.NotFound("resource access", resourceID)
	})
	if err != nil {
		return nil, err
	}

	m.publish(m.event(events.TypeResourceRated, s, map[string]any{
		"resource_id": resourceID,
		"helpful":     helpful,
	}).WithActor(userID, "user"))
	return s, nil
}

// ContactEmergencyServices flags the session and forwards the current
// location to emergency dispatch. The flag stays set when dispatch fails.
func (m *Manager) ContactEmergencyServices(ctx context.Context, userID string) (*Session, error) {
	s, err := m.mutate(userID, func(l *live) error {
		l.session.EmergencyContacted = true
		l.session.FollowUpRequired = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	ref, err := m.dispatcher.Dispatch(dctx, EmergencyRequest{
		SessionID: s.ID,
		UserID:    userID,
		Location:  s.Location,
	})
	cancel()

	data := map[string]any{
		"dispatched":   err == nil,
		"reference":    ref,
		"has_location": s.Location != nil,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	m.publish(m.event(events.TypeEmergencyContacted, s, data).WithActor(userID, "user"))

	if err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Error("emergency dispatch failed")
		if !errors.Is(err, errors.ErrUpstreamUnavailable) {
			err = errors.UpstreamUnavailable("emergency dispatch", err)
		}
		return nil, err
	}

	m.log.WithFields(logrus.Fields{"session_id": s.ID, "reference": ref}).Warn("emergency services contacted")
	return s, nil
}

// Current returns the user's active session
func (m *Manager) Current(_ context.Context, userID string) (*Session, error) {
	l := m.lookupLive(userID)
	if l == nil {
		return nil, errors.NoActiveSession(userID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.clone(), nil
}

// Get returns a session by ID, active or not
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	var found *live
	for _, l := range m.active {
		l.mu.Lock()
		if l.session.ID == id {
			found = l
		}
		l.mu.Unlock()
		if found != nil {
			break
		}
	}
	m.mu.Unlock()

	if found != nil {
		found.mu.Lock()
		defer found.mu.Unlock()
		return found.session.clone(), nil
	}
	return m.repo.Get(ctx, id)
}

// History lists a user's sessions, newest first
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]*Session, error) {
	return m.repo.ListByUser(ctx, userID, limit)
}

// CountSince counts the user's panic sessions started since a point in
// time. It feeds the detection enricher's recent incident factor.
func (m *Manager) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return m.repo.CountSince(ctx, userID, since)
}

func (m *Manager) ListResources() []Resource {
	return m.catalog.Resources()
}

func (m *Manager) ListExercises() []BreathingExercise {
	return m.catalog.Exercises()
}

// Start runs the janitor that abandons idle sessions until ctx ends or
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.AbandonAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	m.goAsync(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	})
}

// sweep abandons active sessions idle for longer than AbandonAfter
func (m *Manager) sweep() int {
	cutoff := m.now().Add(-m.cfg.AbandonAfter)

	m.mu.Lock()
	var idle []*live
	for userID, l := range m.active {
		l.mu.Lock()
		stale := l.session.LastActivityAt.Before(cutoff)
		l.mu.Unlock()
		if stale {
			idle = append(idle, l)
			delete(m.active, userID)
		}
	}
	m.mu.Unlock()

	for _, l := range idle {
		snapshot := m.close(l, StatusAbandoned, "")
		m.log.WithFields(logrus.Fields{
			"session_id": snapshot.ID,
			"user_id":    snapshot.UserID,
		}).Warn("panic session abandoned")
		m.publish(m.event(events.TypePanicAbandoned, snapshot, endData(snapshot)))
	}
	return len(idle)
}

// Restore resumes tracking of sessions left active in the repository
func (m *Manager) Restore(ctx context.Context) (int, error) {
	sessions, err := m.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, s := range sessions {
		m.mu.Lock()
		if _, ok := m.active[s.UserID]; ok {
			m.mu.Unlock()
			continue
		}
		s.ActiveExercise = ""
		watchCtx, cancel := context.WithCancel(context.Background())
		l := &live{session: s, userID: s.UserID, cancel: cancel}
		m.active[s.UserID] = l
		m.mu.Unlock()

		m.goAsync(func() { m.watchLocation(watchCtx, l) })
		restored++
	}

	if restored > 0 {
		m.log.WithField("sessions", restored).Info("restored active panic sessions")
	}
	return restored, nil
}

// Stop ends every watcher and breathing timer and waits for them. Sessions
// stay active in the repository for Restore.
func (m *Manager) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	close(m.stopCh)

	m.mu.Lock()
	for _, l := range m.active {
		l.mu.Lock()
		l.cancel()
		l.stopBreathing()
		l.mu.Unlock()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("panic manager stopped")
}

func (m *Manager) lookupLive(userID string) *live {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[userID]
}

func (m *Manager) goAsync(fn func()) {
	if m.stopped.Load() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) persist(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.repo.Save(ctx, s); err != nil {
		m.log.WithError(err).WithField("session_id", s.ID).Error("failed to persist panic session")
	}
}

func (m *Manager) publish(ev events.Event) {
	if err := m.publisher.Publish(context.Background(), ev); err != nil {
		m.log.WithError(err).WithField("event_type", ev.Type).Warn("failed to publish panic event")
	}
}

func (m *Manager) event(eventType string, s *Session, extra map[string]any) events.Event {
	data := map[string]any{
		"session_id": s.ID,
		"status":     s.Status,
	}
	for k, v := range extra {
		data[k] = v
	}
	return events.NewEvent(eventType, "panicmode", data).ForUser(s.UserID).WithCorrelation(s.ID)
}
