package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/metrics"
	"github.com/carecircle/crisis/internal/shared/types"
	"github.com/carecircle/crisis/internal/shared/validate"
)

// Escalation triggers, as recorded in metrics and events
const (
	TriggerInitial = "initial"
	TriggerTimeout = "timeout"
	TriggerManual  = "manual"
)

const (
	defaultLevelMinutes = 5
	persistTimeout      = 2 * time.Second
)

// Dispatcher accepts notifications for delivery without blocking
type Dispatcher interface {
	Enqueue(n *notification.Notification) error
}

// tracked is the live escalation state of one unresolved alert. mu is the
// claim for every transition; generation changes whenever the armed timer
// is replaced or cancelled so a stale timer can recognize itself.
type tracked struct {
	mu         sync.Mutex
	alert      *Alert
	generation uint64
	timer      *time.Timer
}

func (t *tracked) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// ManagerDeps are the collaborators of a Manager
type ManagerDeps struct {
	Repository Repository
	Protocols  *ProtocolEngine
	Contacts   ContactDirectory
	Dispatcher Dispatcher
	Publisher  events.Publisher
	Now        func() time.Time
}

// Manager owns alerts from creation to resolution and drives their timed
// escalation. Exactly one level timer is armed per alert at any time.
type Manager struct {
	cfg        config.EscalationConfig
	repo       Repository
	protocols  *ProtocolEngine
	contacts   ContactDirectory
	dispatcher Dispatcher
	publisher  events.Publisher
	now        func() time.Time
	log        *logrus.Entry

	mu     sync.RWMutex
	active map[string]*tracked

	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewManager creates an alert manager
func NewManager(cfg config.EscalationConfig, deps ManagerDeps, log *logrus.Entry) *Manager {
	if cfg.TimeoutUnit <= 0 {
		cfg.TimeoutUnit = time.Minute
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = time.Second
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if deps.Repository == nil {
		deps.Repository = NewMemoryRepository()
	}
	if deps.Protocols == nil {
		deps.Protocols = NewProtocolEngine(nil, log)
	}
	if deps.Contacts == nil {
		deps.Contacts = NewMemoryContactStore()
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
		protocols:  deps.Protocols,
		contacts:   deps.Contacts,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		now:        deps.Now,
		log:        log,
		active:     make(map[string]*tracked),
	}
}

// CreateAlert records a new alert and schedules its escalation. Protocol
// lookup failures fall back to the built-in path and are reported as soft
// failures; only a failure to save the alert is returned.
func (m *Manager) CreateAlert(ctx context.Context, p CreateParams) (*Alert, error) {
	if err := validate.Struct(p); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
	defer cancel()

	now := m.now()
	a := &Alert{
		ID:             types.NewID(),
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		MessageID:      p.MessageID,
		DetectionID:    p.DetectionID,
		Type:           p.Type,
		Severity:       p.Severity,
		Status:         StatusPending,
		Title:          p.Title,
		Description:    p.Description,
		Context:        p.Context,
		Notifications:  []NotificationRef{},
		CreatedAt:      now,
	}
	a.record(Action{Type: ActionCreated, ActorID: p.ActorID, At: now})

	var lookupErr error
	if len(p.EscalationPath) > 0 {
		a.EscalationPath = copyLevels(p.EscalationPath)
	} else {
		lctx, lcancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
		protocolID, path, err := m.protocols.PathFor(lctx, a)
		lcancel()
		if err != nil {
			lookupErr = err
			a.record(Action{Type: ActionSoftFailure, Notes: "protocol lookup failed: " + err.Error(), At: now})
		}
		if len(path) == 0 {
			path = FallbackPath()
		}
		a.ProtocolID = protocolID
		a.EscalationPath = path
	}

	if err := m.repo.Save(ctx, a); err != nil {
		return nil, err
	}

	snapshot := a.clone()
	t := &tracked{alert: a}
	m.mu.Lock()
	m.active[a.ID] = t
	m.mu.Unlock()

	metrics.RecordAlertCreated(string(a.Type), string(a.Severity))
	m.log.WithFields(logrus.Fields{
		"alert_id":    a.ID,
		"user_id":     a.UserID,
		"type":        a.Type,
		"severity":    a.Severity,
		"protocol_id": a.ProtocolID,
		"levels":      len(a.EscalationPath),
	}).Info("alert created")

	m.publish(ctx, m.alertEvent(events.TypeAlertCreated, snapshot, p.ActorID))
	if lookupErr != nil {
		m.softFailure(snapshot, "protocol_lookup", 0, 0, lookupErr)
	}

	if p.ImmediateEscalation || a.Severity.Immediate() {
		m.goAsync(func() { m.advance(a.ID, 0, 0, TriggerInitial, "", "") })
	} else {
		m.armGrace(t)
	}

	return snapshot, nil
}

// armGrace starts the wait before level 1 for alerts that do not escalate
// immediately.
func (m *Manager) armGrace(t *tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.alert
	if a.Status != StatusPending || a.CurrentLevel != 0 {
		return
	}
	id, gen := a.ID, t.generation
	t.timer = time.AfterFunc(m.grace(a.Severity), func() {
		m.advance(id, 0, gen, TriggerInitial, "", "")
	})
}

func (m *Manager) grace(s Severity) time.Duration {
	switch s {
	case SeverityHigh:
		return m.cfg.HighGrace
	case SeverityMedium:
		return m.cfg.MediumGrace
	}
	return m.cfg.LowGrace
}

// levelJob carries what the notification fan-out for one level needs
// once the alert lock is released.
type levelJob struct {
	alertID string
	userID  string
	level   int
	gen     uint64
	query   ContactQuery
	methods []notification.Method
	content notification.ContentParams
}

// outcome collects side effects of a transition to run after unlocking
type outcome struct {
	snapshot *Alert
	events   []events.Event
	job      *levelJob
}

// advance completes level from and starts the next one. It is the target of
// every level timer as well as the initial start. A call whose generation
// or level no longer matches, or whose alert was acknowledged or resolved
// meanwhile, does nothing.
func (m *Manager) advance(alertID string, from int, gen uint64, trigger, actorID, reason string) {
	if m.stopped.Load() {
		return
	}
	t := m.tracked(alertID)
	if t == nil {
		return
	}

	t.mu.Lock()
	a := t.alert
	if a.Status == StatusResolved || a.Status == StatusAcknowledged || t.generation != gen || a.CurrentLevel != from {
		t.mu.Unlock()
		return
	}
	out, err := m.step(t, trigger, actorID, reason)
	t.mu.Unlock()

	if err != nil {
		m.log.WithError(err).WithField("alert_id", alertID).Debug("escalation step skipped")
		return
	}
	m.apply(out)
}

// step moves the alert held by t from its current level to the next. It
// must be called with t.mu held.
func (m *Manager) step(t *tracked, trigger, actorID, reason string) (outcome, error) {
	a := t.alert
	now := m.now()
	from := a.CurrentLevel
	var out outcome

	if from > 0 {
		if !a.completeLevel(from, now) {
			return out, errors.Conflict(fmt.Sprintf("level %d already completed", from))
		}
		a.record(Action{Type: ActionLevelCompleted, Level: from, ActorID: actorID, Notes: trigger, At: now})
		out.events = append(out.events, m.levelEvent(events.TypeEscalationLevelCompleted, a, from, trigger, actorID))
	}

	t.generation++
	t.stopTimer()

	next := from + 1
	lvl := a.level(next)
	if lvl == nil {
		a.Exhausted = true
		a.record(Action{Type: ActionExhausted, Level: from, At: now})
		out.events = append(out.events, m.levelEvent(events.TypeEscalationExhausted, a, from, trigger, actorID))
		out.snapshot = a.clone()
		m.log.WithFields(logrus.Fields{"alert_id": a.ID, "levels": len(a.EscalationPath)}).Warn("escalation path exhausted")
		return out, nil
	}

	lvl.StartedAt = &now
	a.CurrentLevel = next
	a.record(Action{Type: ActionLevelStarted, Level: next, ActorID: actorID, Notes: reason, At: now})

	escalated := trigger == TriggerManual || next > 1
	if escalated && a.Status != StatusEscalated {
		a.Status = StatusEscalated
		metrics.RecordAlertTransition(string(StatusEscalated))
	}
	if escalated {
		a.record(Action{Type: ActionEscalated, Level: next, ActorID: actorID, Notes: reason, At: now})
	}

	minutes := lvl.TimeoutMinutes
	if minutes <= 0 {
		minutes = defaultLevelMinutes
	}
	id, gen := a.ID, t.generation
	t.timer = time.AfterFunc(time.Duration(minutes*float64(m.cfg.TimeoutUnit)), func() {
		m.advance(id, next, gen, TriggerTimeout, "", "")
	})

	tier := lvl.ContactLevel
	if tier == "" {
		tier = ContactLevelFor(next)
	}
	out.job = &levelJob{
		alertID: a.ID,
		userID:  a.UserID,
		level:   next,
		gen:     gen,
		query: ContactQuery{
			UserID:     a.UserID,
			Level:      next,
			Tier:       tier,
			ContactIDs: append([]string(nil), lvl.ContactIDs...),
			Severity:   a.Severity,
			AlertType:  a.Type,
		},
		methods: append([]notification.Method(nil), lvl.Methods...),
		content: notification.ContentParams{
			AlertType:   string(a.Type),
			Severity:    string(a.Severity),
			Title:       a.Title,
			Description: a.Description,
			Level:       next,
			Location:    a.Context.Location,
		},
	}

	metrics.RecordEscalationLevel(next, trigger)
	out.events = append(out.events, m.levelEvent(events.TypeEscalationLevelStarted, a, next, trigger, actorID))
	if escalated {
		out.events = append(out.events, m.alertEventWith(events.TypeAlertEscalated, a, actorID, map[string]any{
			"reason":  reason,
			"trigger": trigger,
			"level":   next,
		}))
	}
	out.snapshot = a.clone()

	m.log.WithFields(logrus.Fields{
		"alert_id": a.ID,
		"level":    next,
		"trigger":  trigger,
		"timeout":  minutes,
	}).Info("escalation level started")
	return out, nil
}

func (m *Manager) apply(out outcome) {
	ctx := context.Background()
	if out.snapshot != nil {
		m.persist(out.snapshot)
	}
	for _, ev := range out.events {
		m.publish(ctx, ev)
	}
	if out.job != nil {
		job := *out.job
		m.goAsync(func() { m.notifyLevel(job, 0) })
	}
}

// notifyLevel resolves the level's contacts and enqueues one notification
// per contact and method. A failed lookup is retried after RetryDelay while
// the level is still current; the level timer keeps running regardless.
func (m *Manager) notifyLevel(job levelJob, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LookupTimeout)
	contacts, err := m.contacts.ResolveContacts(ctx, job.query)
	cancel()

	if err != nil {
		snapshot, _ := m.Get(context.Background(), job.alertID)
		if snapshot != nil {
			m.softFailure(snapshot, "contact_lookup", job.level, attempt+1, err)
		}
		if attempt < m.cfg.LookupRetries {
			time.AfterFunc(m.cfg.RetryDelay, func() {
				if !m.stopped.Load() && m.current(job) {
					m.goAsync(func() { m.notifyLevel(job, attempt+1) })
				}
			})
		}
		return
	}

	if !m.current(job) {
		return
	}
	if len(contacts) == 0 {
		m.log.WithFields(logrus.Fields{
			"alert_id": job.alertID,
			"level":    job.level,
			"tier":     job.query.Tier,
		}).Warn("no contacts to notify for escalation level")
		return
	}
	if m.dispatcher == nil {
		return
	}

	content := notification.BuildContent(job.content)
	var refs []NotificationRef
	for _, c := range contacts {
		methods := job.methods
		if len(methods) == 0 {
			methods = c.activeMethods()
		}
		for _, method := range methods {
			cm, ok := c.bestMethod(method)
			if !ok {
				continue
			}
			n := &notification.Notification{
				AlertID:   job.alertID,
				UserID:    job.userID,
				ContactID: c.ID,
				Level:     job.level,
				Method:    method,
				Severity:  job.content.Severity,
				Recipient: cm.Value,
				Content:   content,
			}
			if err := m.dispatcher.Enqueue(n); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{
					"alert_id":   job.alertID,
					"contact_id": c.ID,
					"method":     method,
				}).Error("failed to enqueue notification")
				continue
			}
			refs = append(refs, NotificationRef{
				NotificationID: n.ID,
				ContactID:      c.ID,
				Level:          job.level,
				Method:         method,
				Status:         notification.StatusPending,
				QueuedAt:       n.CreatedAt,
			})
		}
	}

	m.addRefs(job.alertID, refs)
}

// current reports whether job's level is still the live one
func (m *Manager) current(job levelJob) bool {
	t := m.tracked(job.alertID)
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.alert
	return t.generation == job.gen && a.Status != StatusResolved && a.Status != StatusAcknowledged
}

func (m *Manager) addRefs(alertID string, refs []NotificationRef) {
	if len(refs) == 0 {
		return
	}
	t := m.tracked(alertID)
	if t == nil {
		return
	}

	t.mu.Lock()
	a := t.alert
	for _, ref := range refs {
		if i := refIndex(a, ref.NotificationID); i >= 0 {
			// the outcome arrived first
			a.Notifications[i].ContactID = ref.ContactID
			a.Notifications[i].QueuedAt = ref.QueuedAt
			continue
		}
		a.Notifications = append(a.Notifications, ref)
	}
	a.UpdatedAt = m.now()
	a.Version++
	snapshot := a.clone()
	t.mu.Unlock()

	m.persist(snapshot)
}

func refIndex(a *Alert, notificationID string) int {
	for i, ref := range a.Notifications {
		if ref.NotificationID == notificationID {
			return i
		}
	}
	return -1
}

// recordOutcome applies a notification result to its alert
func (m *Manager) recordOutcome(o notification.Outcome) {
	t := m.tracked(o.AlertID)
	if t == nil {
		return
	}

	t.mu.Lock()
	a := t.alert
	i := refIndex(a, o.NotificationID)
	if i < 0 {
		a.Notifications = append(a.Notifications, NotificationRef{
			NotificationID: o.NotificationID,
			ContactID:      o.ContactID,
			Level:          o.Level,
			Method:         o.Method,
		})
		i = len(a.Notifications) - 1
	}
	ref := &a.Notifications[i]
	ref.Status = o.Status
	ref.RetryCount = o.RetryCount
	ref.Error = o.Error
	ref.SentAt = o.SentAt

	if o.Status == notification.StatusDelivered && a.FirstDispatchAt == nil {
		at := m.now()
		if o.SentAt != nil {
			at = *o.SentAt
		}
		a.FirstDispatchAt = &at
	}
	a.UpdatedAt = m.now()
	a.Version++
	snapshot := a.clone()
	t.mu.Unlock()

	m.persist(snapshot)
}

// AcknowledgeAlert stops escalation. Acknowledging an acknowledged alert is
// a no-op; acknowledging a resolved alert is a Conflict.
func (m *Manager) AcknowledgeAlert(ctx context.Context, alertID, byUserID, notes string) (*Alert, error) {
	t, err := m.lookup(ctx, alertID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	a := t.alert
	switch a.Status {
	case StatusResolved:
		t.mu.Unlock()
		return nil, errors.Conflict("alert is already resolved")
	case StatusAcknowledged:
		snapshot := a.clone()
		t.mu.Unlock()
		return snapshot, nil
	}

	now := m.now()
	t.generation++
	t.stopTimer()
	a.Status = StatusAcknowledged
	a.AcknowledgedBy = byUserID
	a.AcknowledgedAt = &now
	a.record(Action{Type: ActionAcknowledged, ActorID: byUserID, Level: a.CurrentLevel, Notes: notes, At: now})
	snapshot := a.clone()
	t.mu.Unlock()

	metrics.RecordAlertTransition(string(StatusAcknowledged))
	metrics.RecordAcknowledgment(string(snapshot.Severity), now.Sub(snapshot.CreatedAt))
	m.log.WithFields(logrus.Fields{"alert_id": alertID, "by": byUserID}).Info("alert acknowledged")

	m.persist(snapshot)
	m.publish(ctx, m.alertEventWith(events.TypeAlertAcknowledged, snapshot, byUserID, map[string]any{"notes": notes}))
	return snapshot, nil
}

// ResolveAlert closes the alert and cancels any armed timer
func (m *Manager) ResolveAlert(ctx context.Context, alertID, byUserID, resolution string) (*Alert, error) {
	t, err := m.lookup(ctx, alertID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	a := t.alert
	if a.Status == StatusResolved {
		t.mu.Unlock()
		return nil, errors.Conflict("alert is already resolved")
	}

	now := m.now()
	t.generation++
	t.stopTimer()
	a.Status = StatusResolved
	a.ResolvedBy = byUserID
	a.ResolvedAt = &now
	a.Resolution = resolution
	a.record(Action{Type: ActionResolved, ActorID: byUserID, Notes: resolution, At: now})
	snapshot := a.clone()
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.active, alertID)
	m.mu.Unlock()

	metrics.RecordAlertTransition(string(StatusResolved))
	m.log.WithFields(logrus.Fields{"alert_id": alertID, "by": byUserID}).Info("alert resolved")

	m.persist(snapshot)
	m.publish(ctx, m.alertEventWith(events.TypeAlertResolved, snapshot, byUserID, map[string]any{"resolution": resolution}))
	return snapshot, nil
}

// EscalateAlert completes the current level and starts the next one, also
// for acknowledged alerts. An alert still in its grace period starts
// level 1.
func (m *Manager) EscalateAlert(ctx context.Context, alertID, byUserID, reason string) (*Alert, error) {
	t, err := m.lookup(ctx, alertID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	a := t.alert
	if a.Status == StatusResolved {
		t.mu.Unlock()
		return nil, errors.Conflict("alert is already resolved")
	}
	if a.Exhausted {
		t.mu.Unlock()
		return nil, errors.Conflict("escalation path is exhausted")
	}
	out, err := m.step(t, TriggerManual, byUserID, reason)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	snapshot := a.clone()
	t.mu.Unlock()

	m.log.WithFields(logrus.Fields{"alert_id": alertID, "by": byUserID, "level": snapshot.CurrentLevel}).Info("alert escalated manually")
	m.apply(out)
	return snapshot, nil
}

// Get returns a snapshot of an alert
func (m *Manager) Get(ctx context.Context, alertID string) (*Alert, error) {
	if t := m.tracked(alertID); t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.alert.clone(), nil
	}
	return m.repo.Get(ctx, alertID)
}

// List returns alerts matching filter, newest first, and the total count
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Alert, int, error) {
	return m.repo.List(ctx, filter)
}

// CountSince counts a user's alerts created since a point in time
func (m *Manager) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return m.repo.CountSince(ctx, userID, since)
}

// Restore tracks every unresolved alert in the repository and re-arms its
// timer with the time remaining on the current level.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	restored := 0
	for _, status := range []Status{StatusPending, StatusEscalated, StatusAcknowledged} {
		alerts, _, err := m.repo.List(ctx, ListFilter{Status: status})
		if err != nil {
			return restored, err
		}
		for _, a := range alerts {
			if m.tracked(a.ID) != nil {
				continue
			}
			t := &tracked{alert: a}
			m.mu.Lock()
			m.active[a.ID] = t
			m.mu.Unlock()
			m.rearm(t)
			restored++
		}
	}

	if restored > 0 {
		m.log.WithField("alerts", restored).Info("restored unresolved alerts")
	}
	return restored, nil
}

func (m *Manager) rearm(t *tracked) {
	t.mu.Lock()
	a := t.alert
	if a.Status == StatusAcknowledged || a.Exhausted {
		t.mu.Unlock()
		return
	}
	if a.CurrentLevel == 0 {
		immediate := a.Severity.Immediate()
		t.mu.Unlock()
		if immediate {
			m.goAsync(func() { m.advance(a.ID, 0, 0, TriggerInitial, "", "") })
		} else {
			m.armGrace(t)
		}
		return
	}

	lvl := a.level(a.CurrentLevel)
	minutes := lvl.TimeoutMinutes
	if minutes <= 0 {
		minutes = defaultLevelMinutes
	}
	remaining := time.Duration(minutes * float64(m.cfg.TimeoutUnit))
	if lvl.StartedAt != nil {
		remaining -= m.now().Sub(*lvl.StartedAt)
	}
	if remaining < 0 {
		remaining = 0
	}
	id, level, gen := a.ID, a.CurrentLevel, t.generation
	t.timer = time.AfterFunc(remaining, func() {
		m.advance(id, level, gen, TriggerTimeout, "", "")
	})
	t.mu.Unlock()
}

// Stop cancels every armed timer and waits for background work. Alerts
// stay unresolved in the repository for Restore.
func (m *Manager) Stop() {
	if m.stopped.Swap(true) {
		return
	}

	m.mu.RLock()
	for _, t := range m.active {
		t.mu.Lock()
		t.generation++
		t.stopTimer()
		t.mu.Unlock()
	}
	m.mu.RUnlock()

	m.wg.Wait()
	m.log.Info("alert manager stopped")
}

func (m *Manager) tracked(alertID string) *tracked {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[alertID]
}

// lookup returns the live state of an alert. An unresolved alert known only
// to the repository is adopted; a resolved one is returned detached so
// transitions on it report Conflict.
func (m *Manager) lookup(ctx context.Context, alertID string) (*tracked, error) {
	if t := m.tracked(alertID); t != nil {
		return t, nil
	}

	a, err := m.repo.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	t := &tracked{alert: a}
	if a.Status == StatusResolved {
		return t, nil
	}

	m.mu.Lock()
	if existing, ok := m.active[alertID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.active[alertID] = t
	m.mu.Unlock()
	return t, nil
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

func (m *Manager) persist(a *Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.repo.Save(ctx, a); err != nil {
		m.log.WithError(err).WithField("alert_id", a.ID).Error("failed to persist alert")
	}
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.log.WithError(err).WithField("event_type", ev.Type).Warn("failed to publish alert event")
	}
}

func (m *Manager) softFailure(a *Alert, stage string, level, attempt int, cause error) {
	m.log.WithError(cause).WithFields(logrus.Fields{
		"alert_id": a.ID,
		"stage":    stage,
		"level":    level,
		"attempt":  attempt,
	}).Warn("alert soft failure")

	m.publish(context.Background(), m.alertEventWith(events.TypeAlertSoftFailure, a, "", map[string]any{
		"stage":   stage,
		"level":   level,
		"attempt": attempt,
		"error":   cause.Error(),
	}))
}

func (m *Manager) alertEvent(eventType string, a *Alert, actorID string) events.Event {
	ev := events.NewEvent(eventType, "alert", a.clone()).ForUser(a.UserID).WithCorrelation(a.ID)
	if actorID != "" {
		ev = ev.WithActor(actorID, "user")
	}
	return ev
}

func (m *Manager) alertEventWith(eventType string, a *Alert, actorID string, extra map[string]any) events.Event {
	data := map[string]any{
		"alert_id":      a.ID,
		"type":          a.Type,
		"severity":      a.Severity,
		"status":        a.Status,
		"current_level": a.CurrentLevel,
	}
	for k, v := range extra {
		data[k] = v
	}
	ev := events.NewEvent(eventType, "alert", data).ForUser(a.UserID).WithCorrelation(a.ID)
	if actorID != "" {
		ev = ev.WithActor(actorID, "user")
	}
	return ev
}

func (m *Manager) levelEvent(eventType string, a *Alert, level int, trigger, actorID string) events.Event {
	return m.alertEventWith(eventType, a, actorID, map[string]any{
		"level":   level,
		"trigger": trigger,
		"levels":  len(a.EscalationPath),
	})
}
