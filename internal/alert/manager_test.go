package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/detection"
	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/logging"
	"github.com/carecircle/crisis/internal/shared/types"
)

func createParams(severity Severity) CreateParams {
	return CreateParams{
		UserID:   "user-1",
		Type:     TypeCrisisDetected,
		Severity: severity,
		Title:    "Crisis language detected",
	}
}

func TestCreateAlertValidates(t *testing.T) {
	tm := newTestManager(t)

	_, err := tm.CreateAlert(context.Background(), CreateParams{Type: TypeCrisisDetected, Severity: SeverityHigh, Title: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = tm.CreateAlert(context.Background(), CreateParams{UserID: "u", Type: "bogus", Severity: SeverityHigh, Title: "x"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestCriticalAlertEscalatesImmediately(t *testing.T) {
	tm := newTestManager(t)

	start := time.Now()
	a, err := tm.CreateAlert(context.Background(), createParams(SeverityCritical))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "crisis-critical", a.ProtocolID)
	assert.Len(t, a.EscalationPath, 4)

	tm.waitLevel(t, a.ID, 1)
	require.Eventually(t, func() bool {
		return len(tm.dispatcher.forLevel(a.ID, 1)) > 0
	}, time.Second, 2*time.Millisecond)

	// primary contact only, over each of the level's methods it has
	sent := tm.dispatcher.forLevel(a.ID, 1)
	methods := map[notification.Method]bool{}
	for _, n := range sent {
		assert.Equal(t, "+15550101", n.Recipient)
		assert.Equal(t, "critical", n.Severity)
		assert.Contains(t, n.Content.Subject, "CRISIS ALERT")
		methods[n.Method] = true
	}
	assert.Equal(t, map[notification.Method]bool{notification.MethodPhone: true, notification.MethodSMS: true}, methods)

	require.Eventually(t, func() bool {
		got, _ := tm.Get(context.Background(), a.ID)
		return len(got.Notifications) == len(sent)
	}, time.Second, 2*time.Millisecond)
	assert.Len(t, tm.rec.ofType(events.TypeAlertCreated), 1)
	assert.NotEmpty(t, tm.rec.ofType(events.TypeEscalationLevelStarted))
}

func TestLevelsAdvanceOnTimeoutUntilExhausted(t *testing.T) {
	tm := newTestManager(t)

	p := createParams(SeverityHigh)
	p.EscalationPath = path(1, 2, 1)
	p.ImmediateEscalation = true
	a, err := tm.CreateAlert(context.Background(), p)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := tm.Get(context.Background(), a.ID)
		return got.Exhausted
	}, 2*time.Second, 2*time.Millisecond)

	got, err := tm.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, got.Status)
	assert.Equal(t, 3, got.CurrentLevel)
	for _, l := range got.EscalationPath {
		assert.True(t, l.Completed, "level %d", l.Level)
		assert.NotNil(t, l.StartedAt)
		assert.NotNil(t, l.CompletedAt)
	}

	assert.Len(t, tm.rec.ofType(events.TypeEscalationLevelStarted), 3)
	assert.Len(t, tm.rec.ofType(events.TypeEscalationLevelCompleted), 3)
	assert.Len(t, tm.rec.ofType(events.TypeEscalationExhausted), 1)

	// each level reached its own tier
	assert.Equal(t, "+15550101", tm.dispatcher.forLevel(a.ID, 1)[0].Recipient)
	assert.Equal(t, "+15550102", tm.dispatcher.forLevel(a.ID, 2)[0].Recipient)
	assert.Contains(t, tm.dispatcher.forLevel(a.ID, 2)[0].Content.Subject, "[ESCALATION Level 2]")

	// nothing more happens after exhaustion
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tm.rec.ofType(events.TypeEscalationExhausted), 1)
}

func TestLevelTimerFiresWithinTolerance(t *testing.T) {
	tm := newTestManager(t)

	p := createParams(SeverityCritical)
	p.EscalationPath = path(5, 100)
	a, err := tm.CreateAlert(context.Background(), p)
	require.NoError(t, err)

	first := tm.waitLevel(t, a.ID, 1)
	second := tm.waitLevel(t, a.ID, 2)

	elapsed := second.EscalationPath[1].StartedAt.Sub(*first.EscalationPath[0].StartedAt)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 50*time.Millisecond+time.Second)
}

func TestAcknowledgeStopsEscalation(t *testing.T) {
	tm := newTestManager(t)

	p := createParams(SeverityCritical)
	p.EscalationPath = path(3, 3, 3)
	a, err := tm.CreateAlert(context.Background(), p)
	require.NoError(t, err)
	tm.waitLevel(t, a.ID, 1)

	acked, err := tm.AcknowledgeAlert(context.Background(), a.ID, "therapist-1", "on my way")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	assert.Equal(t, "therapist-1", acked.AcknowledgedBy)
	assert.NotNil(t, acked.AcknowledgedAt)

	time.Sleep(120 * time.Millisecond)
	got, err := tm.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentLevel)
	assert.False(t, got.EscalationPath[0].Completed)
	assert.Empty(t, tm.dispatcher.forLevel(a.ID, 2))

	// a second acknowledgment changes nothing
	again, err := tm.AcknowledgeAlert(context.Background(), a.ID, "someone-else", "")
	require.NoError(t, err)
	assert.Equal(t, "therapist-1", again.AcknowledgedBy)
	assert.Len(t, tm.rec.ofType(events.TypeAlertAcknowledged), 1)
}

func TestAcknowledgeDuringGraceCancelsEscalation(t *testing.T) {
	tm := newTestManager(t)

	a, err := tm.CreateAlert(context.Background(), createParams(SeverityMedium))
	require.NoError(t, err)
	_, err = tm.AcknowledgeAlert(context.Background(), a.ID, "therapist-1", "")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	got, err := tm.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentLevel)
	assert.Empty(t, tm.rec.ofType(events.TypeEscalationLevelStarted))
}

func TestGracePeriodPrecedesLevelOne(t *testing.T) {
	tm := newTestManager(t)

	a, err := tm.CreateAlert(context.Background(), createParams(SeverityMedium))
	require.NoError(t, err)
	assert.Zero(t, a.CurrentLevel)

	got, _ := tm.Get(context.Background(), a.ID)
	assert.Zero(t, got.CurrentLevel)

	started := tm.waitLevel(t, a.ID, 1)
	assert.GreaterOrEqual(t, started.EscalationPath[0].StartedAt.Sub(a.CreatedAt), 50*time.Millisecond)
	assert.Equal(t, StatusPending, started.Status)
}

func TestResolvedAlertRejectsTransitions(t *testing.T) {
	tm := newTestManager(t)

	p := createParams(SeverityCritical)
	p.EscalationPath = path(2, 2)
	a, err := tm.CreateAlert(context.Background(), p)
	require.NoError(t, err)
	tm.waitLevel(t, a.ID, 1)

	resolved, err := tm.ResolveAlert(context.Background(), a.ID, "crisis-1", "user is safe")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, "user is safe", resolved.Resolution)

	_, err = tm.AcknowledgeAlert(context.Background(), a.ID, "therapist-1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	_, err = tm.EscalateAlert(context.Background(), a.ID, "therapist-1", "again")
	assert.True(t, errors.Is(err, errors.ErrConflict))

	_, err = tm.ResolveAlert(context.Background(), a.ID, "therapist-1", "twice")
	assert.True(t, errors.Is(err, errors.ErrConflict))

	// escalation never re-opens
	time.Sleep(80 * time.Millisecond)
	got, err := tm.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, 1, got.CurrentLevel)
	assert.Empty(t, tm.dispatcher.forLevel(a.ID, 2))
	assert.Empty(t, tm.rec.ofType(events.TypeEscalationExhausted))
}

func TestManualEscalation(t *testing.T) {
	tm := newTestManager(t)

	a, err := tm.CreateAlert(context.Background(), CreateParams{
		UserID:   "user-1",
		Type:     TypeManualEscalation,
		Severity: SeverityLow,
		Title:    "Therapist concerned",
	})
	require.NoError(t, err)
	assert.Zero(t, a.CurrentLevel)

	// from the grace period straight to level 1
	got, err := tm.EscalateAlert(context.Background(), a.ID, "therapist-1", "missed session")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentLevel)
	assert.Equal(t, StatusEscalated, got.Status)

	_, err = tm.AcknowledgeAlert(context.Background(), a.ID, "therapist-1", "")
	require.NoError(t, err)

	// acknowledged alerts can still be escalated by hand
	got, err = tm.EscalateAlert(context.Background(), a.ID, "therapist-1", "no answer")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.Equal(t, StatusEscalated, got.Status)
	assert.True(t, got.EscalationPath[0].Completed)
	assert.False(t, got.EscalationPath[1].Completed)

	escalated := tm.rec.ofType(events.TypeAlertEscalated)
	require.Len(t, escalated, 2)
	assert.Equal(t, "therapist-1", escalated[1].ActorID)
	assert.Equal(t, "no answer", escalated[1].Data.(map[string]any)["reason"])

	// manual-escalation protocol has two levels
	got, err = tm.EscalateAlert(context.Background(), a.ID, "therapist-1", "")
	require.NoError(t, err)
	assert.True(t, got.Exhausted)
	_, err = tm.EscalateAlert(context.Background(), a.ID, "therapist-1", "")
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestCompleteLevelOnce(t *testing.T) {
	a := &Alert{EscalationPath: path(1, 1)}
	now := time.Now()

	assert.True(t, a.completeLevel(1, now))
	assert.False(t, a.completeLevel(1, now.Add(time.Second)))
	assert.True(t, a.EscalationPath[0].Completed)
	assert.Equal(t, now, *a.EscalationPath[0].CompletedAt)
	assert.False(t, a.completeLevel(3, now))
	assert.False(t, a.completeLevel(0, now))
}

func TestConcurrentTimerFiringCompletesLevelOnce(t *testing.T) {
	tm := newTestManager(t)

	p := createParams(SeverityCritical)
	p.EscalationPath = path(1000, 1000, 1000)
	a, err := tm.CreateAlert(context.Background(), p)
	require.NoError(t, err)
	tm.waitLevel(t, a.ID, 1)

	tr := tm.tracked(a.ID)
	tr.mu.Lock()
	gen := tr.generation
	tr.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tm.advance(a.ID, 1, gen, TriggerTimeout, "", "")
		}()
	}
	wg.Wait()

	got, err := tm.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLevel)
	assert.True(t, got.EscalationPath[0].Completed)
	assert.False(t, got.EscalationPath[1].Completed)
	assert.Len(t, tm.rec.ofType(events.TypeEscalationLevelCompleted), 1)
}

func TestTimerRacingResolutionNeverEscalatesAfterResolve(t *testing.T) {
	tm := newTestManager(t)

	for i := 0; i < 25; i++ {
		p := createParams(SeverityCritical)
		p.EscalationPath = path(0.5, 0.5, 0.5)
		a, err := tm.CreateAlert(context.Background(), p)
		require.NoError(t, err)

		time.Sleep(time.Duration(i%6) * time.Millisecond)
		_, err = tm.ResolveAlert(context.Background(), a.ID, "crisis-1", "handled")
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)
		got, err := tm.Get(context.Background(), a.ID)
		require.NoError(t, err)

		resolvedAt := -1
		for j, act := range got.Actions {
			if act.Type == ActionResolved {
				resolvedAt = j
			}
			if resolvedAt >= 0 && j > resolvedAt {
				t.Fatalf("action %q recorded after resolution", act.Type)
			}
		}
		assert.Equal(t, StatusResolved, got.Status)
	}
}

func TestContactLookupFailureIsSoft(t *testing.T) {
	dir := &flakyDirectory{failures: 1}
	tm := newTestManager(t, func(d *ManagerDeps) {
		dir.ContactDirectory = d.Contacts
		d.Contacts = dir
	})

	p := createParams(SeverityCritical)
	p.EscalationPath = path(1000)
	a, err := tm.CreateAlert(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)

	// retried after RetryDelay and then delivered
	require.Eventually(t, func() bool {
		return len(tm.dispatcher.forLevel(a.ID, 1)) > 0
	}, time.Second, 2*time.Millisecond)

	failures := tm.rec.ofType(events.TypeAlertSoftFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "contact_lookup", failures[0].Data.(map[string]any)["stage"])
}

func TestContactLookupGivesUpAfterRetries(t *testing.T) {
	dir := &flakyDirectory{failures: 100}
	tm := newTestManager(t, func(d *ManagerDeps) {
		dir.ContactDirectory = d.Contacts
		d.Contacts = dir
	})

	p := createParams(SeverityCritical)
	p.EscalationPath = path(1000)
	a, err := tm.CreateAlert(context.Background(), p)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(tm.rec.ofType(events.TypeAlertSoftFailure)) == 3
	}, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), dir.calls.Load())
	assert.Empty(t, tm.dispatcher.forLevel(a.ID, 1))
}

func TestProtocolLookupFailureFallsBack(t *testing.T) {
	tm := newTestManager(t, func(d *ManagerDeps) {
		d.Protocols = NewProtocolEngine(failingProtocols{}, logging.Discard())
	})

	a, err := tm.CreateAlert(context.Background(), createParams(SeverityCritical))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Empty(t, a.ProtocolID)
	assert.Len(t, a.EscalationPath, len(FallbackPath()))

	failures := tm.rec.ofType(events.TypeAlertSoftFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "protocol_lookup", failures[0].Data.(map[string]any)["stage"])

	tm.waitLevel(t, a.ID, 1)
}

func TestSaveFailureIsSurfaced(t *testing.T) {
	tm := newTestManager(t, func(d *ManagerDeps) {
		d.Repository = failingRepo{NewMemoryRepository()}
	})

	_, err := tm.CreateAlert(context.Background(), createParams(SeverityCritical))
	require.Error(t, err)
	assert.Empty(t, tm.rec.ofType(events.TypeAlertCreated))
}

func TestUnknownAlert(t *testing.T) {
	tm := newTestManager(t)
	_, err := tm.AcknowledgeAlert(context.Background(), types.NewID(), "x", "")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = tm.Get(context.Background(), types.NewID())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRestoreRearmsCurrentLevel(t *testing.T) {
	repo := NewMemoryRepository()
	started := time.Now().UTC().Add(-time.Hour)
	a := &Alert{
		ID:             types.NewID(),
		UserID:         "user-1",
		Type:           TypeCrisisDetected,
		Severity:       SeverityHigh,
		Status:         StatusPending,
		Title:          "left over",
		EscalationPath: path(1, 1000),
		CurrentLevel:   1,
		CreatedAt:      started,
	}
	a.EscalationPath[0].StartedAt = &started
	require.NoError(t, repo.Save(context.Background(), a))

	tm := newTestManager(t, func(d *ManagerDeps) { d.Repository = repo })
	n, err := tm.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// overdue, so level 2 starts at once
	got := tm.waitLevel(t, a.ID, 2)
	assert.True(t, got.EscalationPath[0].Completed)
}

func TestCriticalReachesFirstDispatchBeforeMedium(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	channel := notification.NewMockChannel()
	dispatcher := notification.NewDispatcher(config.NotificationConfig{
		QueueSize:   100,
		Concurrency: 2,
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		SendTimeout: time.Second,
	}, map[notification.Method]notification.Channel{
		notification.MethodSMS:   channel,
		notification.MethodPhone: channel,
		notification.MethodEmail: channel,
		notification.MethodPush:  channel,
	}, nil, bus, logging.Discard())
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	tm := newTestManager(t, func(d *ManagerDeps) {
		d.Dispatcher = dispatcher
		d.Publisher = bus
	})
	defer tm.Attach(bus)()

	var ids []string
	for i := 0; i < 4; i++ {
		for _, sev := range []Severity{SeverityCritical, SeverityMedium} {
			a, err := tm.CreateAlert(context.Background(), createParams(sev))
			require.NoError(t, err)
			ids = append(ids, a.ID)
		}
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			a, err := tm.Get(context.Background(), id)
			if err != nil || a.FirstDispatchAt == nil {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)

	stats, err := tm.Stats(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	critical := stats.TimingBySeverity[SeverityCritical]
	medium := stats.TimingBySeverity[SeverityMedium]
	assert.Equal(t, 4, critical.Alerts)
	assert.Equal(t, 4, medium.Alerts)
	assert.Less(t, critical.AvgFirstDispatchSecs, medium.AvgFirstDispatchSecs)

	// delivery outcomes are reflected on the alert
	a, err := tm.Get(context.Background(), ids[0])
	require.NoError(t, err)
	delivered := 0
	for _, ref := range a.Notifications {
		if ref.Status == notification.StatusDelivered {
			delivered++
		}
	}
	assert.Positive(t, delivered)
}

func TestDetectionSubscriberRaisesAlerts(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	tm := newTestManager(t, func(d *ManagerDeps) { d.Publisher = bus })
	defer tm.Attach(bus)()

	publish := func(risk string, immediate bool) {
		r := detectionResult("user-1", risk, immediate)
		require.NoError(t, bus.Publish(context.Background(), events.NewEvent(events.TypeCrisisDetected, "detection", r)))
	}

	publish("medium", false)
	publish("critical", true)
	publish("high", false)

	require.Eventually(t, func() bool {
		_, total, _ := tm.List(context.Background(), ListFilter{UserID: "user-1"})
		return total == 2
	}, time.Second, 2*time.Millisecond)

	critical, _, err := tm.List(context.Background(), ListFilter{Severity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, TypeCrisisDetected, critical[0].Type)
	assert.Equal(t, "det-critical", critical[0].DetectionID)
	assert.Equal(t, "det-critical", critical[0].Context.TriggerData["detection_id"])

	high, _, err := tm.List(context.Background(), ListFilter{Severity: SeverityHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, 3, high[0].Context.UserState["previousAlerts"])
}

func detectionResult(userID, risk string, immediate bool) *detection.Result {
	return &detection.Result{
		ID:                "det-" + risk,
		UserID:            userID,
		Confidence:        0.9,
		RiskLevel:         detection.Severity(risk),
		Categories:        []string{"suicidal_ideation"},
		RequiresImmediate: immediate,
		EscalationLevel:   detection.EscalationCrisisTeam,
		ContextFactors:    &detection.ContextFactors{TimeOfDay: 2, LateNight: true, PreviousAlerts: 3},
	}
}

func TestStats(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { t := base.Add(d); return &t }

	alerts := []*Alert{
		{Type: TypeCrisisDetected, Severity: SeverityCritical, Status: StatusResolved, CreatedAt: base,
			AcknowledgedAt: at(60 * time.Second), ResolvedAt: at(10 * time.Minute), FirstDispatchAt: at(2 * time.Second), CurrentLevel: 1},
		{Type: TypeCrisisDetected, Severity: SeverityCritical, Status: StatusEscalated, CreatedAt: base,
			FirstDispatchAt: at(4 * time.Second), CurrentLevel: 2},
		{Type: TypePanicButton, Severity: SeverityHigh, Status: StatusAcknowledged, CreatedAt: base,
			AcknowledgedAt: at(120 * time.Second), CurrentLevel: 1},
		{Type: TypeManualEscalation, Severity: SeverityMedium, Status: StatusPending, CreatedAt: base},
	}

	s := computeStats(alerts, base)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.ByType[TypeCrisisDetected])
	assert.Equal(t, 2, s.BySeverity[SeverityCritical])
	assert.Equal(t, 1, s.ByStatus[StatusPending])
	assert.InDelta(t, 90, s.Timing.AvgAcknowledgeSeconds, 0.001)
	assert.InDelta(t, 600, s.Timing.AvgResolveSeconds, 0.001)
	assert.InDelta(t, 3, s.Timing.AvgFirstDispatchSecs, 0.001)
	assert.InDelta(t, 3, s.TimingBySeverity[SeverityCritical].AvgFirstDispatchSecs, 0.001)
	assert.InDelta(t, 0.5, s.AcknowledgmentRate, 0.001)
	assert.InDelta(t, 0.25, s.EscalationRate, 0.001)
	assert.InDelta(t, 0.25, s.ResolutionRate, 0.001)

	empty := computeStats(nil, base)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.AcknowledgmentRate)
}
