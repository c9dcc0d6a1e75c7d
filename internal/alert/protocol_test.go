package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/logging"
	"github.com/carecircle/crisis/internal/shared/types"
)

func TestDefaultProtocolSelection(t *testing.T) {
	engine := NewProtocolEngine(nil, logging.Discard())

	tests := []struct {
		name     string
		alert    *Alert
		protocol string
		levels   int
	}{
		{"critical crisis", &Alert{Type: TypeCrisisDetected, Severity: SeverityCritical}, "crisis-critical", 4},
		{"emergency crisis", &Alert{Type: TypeCrisisDetected, Severity: SeverityEmergency}, "crisis-critical", 4},
		{"high crisis", &Alert{Type: TypeCrisisDetected, Severity: SeverityHigh}, "crisis-standard", 3},
		{"panic", &Alert{Type: TypePanicButton, Severity: SeverityHigh}, "panic-button", 3},
		{"manual", &Alert{Type: TypeManualEscalation, Severity: SeverityLow}, "manual-escalation", 2},
		{"system", &Alert{Type: TypeSystemAlert, Severity: SeverityMedium}, "system-alert", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, levels, err := engine.PathFor(context.Background(), tt.alert)
			require.NoError(t, err)
			assert.Equal(t, tt.protocol, id)
			require.Len(t, levels, tt.levels)
			for i, l := range levels {
				assert.Equal(t, i+1, l.Level)
				assert.False(t, l.Completed)
				assert.Nil(t, l.StartedAt)
			}
		})
	}
}

func TestPathForReturnsCopies(t *testing.T) {
	protocols := DefaultProtocols()
	engine := NewProtocolEngine(StaticProtocols(protocols), logging.Discard())

	_, levels, err := engine.PathFor(context.Background(), &Alert{Type: TypePanicButton, Severity: SeverityHigh})
	require.NoError(t, err)
	levels[0].Completed = true
	levels[0].Methods[0] = notification.MethodEmail

	_, again, err := engine.PathFor(context.Background(), &Alert{Type: TypePanicButton, Severity: SeverityHigh})
	require.NoError(t, err)
	assert.False(t, again[0].Completed)
	assert.NotEqual(t, notification.MethodEmail, again[0].Methods[0])
}

func TestProtocolConditions(t *testing.T) {
	late := &Protocol{
		ID:         "late-night",
		Priority:   1,
		AlertTypes: []Type{TypeCrisisDetected},
		Condition:  `userState.lateNight == true && severityRank >= 3`,
		Levels:     []EscalationLevel{{ContactLevel: ContactCrisisTeam, TimeoutMinutes: 1}},
		Active:     true,
	}
	inactive := &Protocol{
		ID:         "inactive",
		AlertTypes: []Type{TypeCrisisDetected},
		Levels:     []EscalationLevel{{TimeoutMinutes: 1}},
	}
	broken := &Protocol{
		ID:         "broken",
		Priority:   0,
		AlertTypes: []Type{TypeCrisisDetected},
		Condition:  `severityRank >`,
		Levels:     []EscalationLevel{{TimeoutMinutes: 1}},
		Active:     true,
	}
	engine := NewProtocolEngine(StaticProtocols(append([]*Protocol{late, inactive, broken}, DefaultProtocols()...)), logging.Discard())

	night := &Alert{Type: TypeCrisisDetected, Severity: SeverityHigh, Context: Context{UserState: map[string]any{"lateNight": true}}}
	id, levels, err := engine.PathFor(context.Background(), night)
	require.NoError(t, err)
	assert.Equal(t, "late-night", id)
	assert.Equal(t, ContactCrisisTeam, levels[0].ContactLevel)

	day := &Alert{Type: TypeCrisisDetected, Severity: SeverityHigh}
	id, _, err = engine.PathFor(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, "crisis-standard", id)

	assert.Error(t, engine.Validate(broken))
	assert.True(t, errors.Is(engine.Validate(broken), errors.ErrValidation))
	assert.NoError(t, engine.Validate(late))
}

func TestPathForWithoutMatch(t *testing.T) {
	engine := NewProtocolEngine(StaticProtocols{}, logging.Discard())
	id, levels, err := engine.PathFor(context.Background(), &Alert{Type: TypeCrisisDetected, Severity: SeverityLow})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, levels)

	_, _, err = NewProtocolEngine(failingProtocols{}, logging.Discard()).PathFor(context.Background(), &Alert{})
	assert.True(t, errors.Is(err, errors.ErrUpstreamUnavailable))
}

func TestContactLevelFor(t *testing.T) {
	assert.Equal(t, ContactPrimary, ContactLevelFor(1))
	assert.Equal(t, ContactSecondary, ContactLevelFor(2))
	assert.Equal(t, ContactProfessional, ContactLevelFor(3))
	assert.Equal(t, ContactCrisisTeam, ContactLevelFor(4))
	assert.Equal(t, ContactCrisisTeam, ContactLevelFor(9))
}

func TestResolveContacts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryContactStore()
	seedContacts(t, store, "user-1")
	seedContacts(t, store, "user-2")

	sms := func(v string, p int, active bool) ContactMethod {
		return ContactMethod{Type: notification.MethodSMS, Value: v, Priority: p, Active: active}
	}
	extra := []*EmergencyContact{
		{ID: "silent", UserID: "user-1", Name: "Silent", EscalationLevel: ContactPrimary,
			ContactMethods: []ContactMethod{sms("+1", 1, true)}},
		{ID: "inactive", UserID: "user-1", Name: "Inactive", EscalationLevel: ContactPrimary,
			ContactMethods: []ContactMethod{sms("+2", 1, false)}, Permissions: Permissions{CanReceiveAlerts: true}},
		{ID: "emergency-only", UserID: "user-1", Name: "Night", EscalationLevel: ContactPrimary,
			ContactMethods: []ContactMethod{sms("+3", 0, true)}, Permissions: Permissions{CanReceiveAlerts: true},
			Availability: Availability{EmergencyOnly: true}},
		{ID: "hotline", Name: "Crisis line", EscalationLevel: ContactCrisisTeam,
			ContactMethods: []ContactMethod{sms("+4", 1, true)}, Permissions: Permissions{CanReceiveAlerts: true}},
		{ID: "shared-primary", Name: "Shared", EscalationLevel: ContactPrimary,
			ContactMethods: []ContactMethod{sms("+5", 1, true)}, Permissions: Permissions{CanReceiveAlerts: true}},
	}
	for _, c := range extra {
		require.NoError(t, store.Save(ctx, c))
	}

	primary, err := store.ResolveContacts(ctx, ContactQuery{UserID: "user-1", Level: 1, Severity: SeverityMedium})
	require.NoError(t, err)
	require.Len(t, primary, 1)
	assert.Equal(t, "Ana", primary[0].Name)

	// emergency-only contacts join for immediate severities, ahead by priority
	primary, err = store.ResolveContacts(ctx, ContactQuery{UserID: "user-1", Tier: ContactPrimary, Severity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, primary, 2)
	assert.Equal(t, "emergency-only", primary[0].ID)
	assert.Equal(t, "Ana", primary[1].Name)

	team, err := store.ResolveContacts(ctx, ContactQuery{UserID: "user-2", Level: 4})
	require.NoError(t, err)
	require.Len(t, team, 1)
	assert.Equal(t, "hotline", team[0].ID)

	explicit, err := store.ResolveContacts(ctx, ContactQuery{UserID: "user-1", ContactIDs: []string{"hotline", "silent"}})
	require.NoError(t, err)
	require.Len(t, explicit, 1)
	assert.Equal(t, "hotline", explicit[0].ID)
}

func TestContactMethods(t *testing.T) {
	c := &EmergencyContact{ContactMethods: []ContactMethod{
		{Type: notification.MethodPhone, Value: "+old", Priority: 3, Active: true},
		{Type: notification.MethodSMS, Value: "+sms", Priority: 1, Active: true},
		{Type: notification.MethodPhone, Value: "+new", Priority: 2, Active: true},
		{Type: notification.MethodEmail, Value: "x@example.org", Priority: 0, Active: false},
	}}

	assert.Equal(t, []notification.Method{notification.MethodSMS, notification.MethodPhone}, c.activeMethods())
	best, ok := c.bestMethod(notification.MethodPhone)
	require.True(t, ok)
	assert.Equal(t, "+new", best.Value)
	_, ok = c.bestMethod(notification.MethodEmail)
	assert.False(t, ok)
	assert.Equal(t, 1, c.topPriority())
}

func TestContactStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryContactStore()
	seedContacts(t, store, "user-1")

	list, err := store.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []ContactLevel{ContactPrimary, ContactSecondary, ContactProfessional},
		[]ContactLevel{list[0].EscalationLevel, list[1].EscalationLevel, list[2].EscalationLevel})

	list[0].Name = "changed"
	got, err := store.Get(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Name)

	require.NoError(t, store.Delete(ctx, got.ID))
	_, err = store.Get(ctx, got.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.True(t, errors.Is(store.Delete(ctx, got.ID), errors.ErrNotFound))
	assert.True(t, errors.Is(store.Delete(ctx, types.NewID()), errors.ErrNotFound))
}

func TestMemoryRepositoryIgnoresStaleVersions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	a := &Alert{ID: types.NewID(), UserID: "user-1", Type: TypeCrisisDetected, Severity: SeverityHigh, Status: StatusPending, Version: 3}
	require.NoError(t, repo.Save(ctx, a))

	stale := a.clone()
	stale.Version = 2
	stale.Status = StatusEscalated
	require.NoError(t, repo.Save(ctx, stale))

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}
