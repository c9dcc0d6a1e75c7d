package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/auth"
)

var (
	client    = &auth.User{ID: "user-1", Roles: []string{auth.RoleClient}}
	stranger  = &auth.User{ID: "user-9", Roles: []string{auth.RoleClient}}
	therapist = &auth.User{ID: "therapist-1", Roles: []string{auth.RoleTherapist}}
	crisis    = &auth.User{ID: "crisis-1", Roles: []string{auth.RoleCrisisTeam}}
)

func newTestRouter(t *testing.T) (http.Handler, *testManager) {
	t.Helper()
	tm := newTestManager(t)
	rels := auth.NewMemoryRelationships()
	rels.Link("therapist-1", "user-1", auth.RelationTherapist)

	r := chi.NewRouter()
	NewHandler(tm.Manager, tm.contacts, auth.NewAccess(rels)).RegisterRoutes(r)
	return r, tm
}

func do(t *testing.T, h http.Handler, user *auth.User, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != nil {
		req = req.WithContext(auth.WithUser(context.Background(), user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateAlertEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, nil, http.MethodPost, "/alerts", CreateRequest{Severity: SeverityHigh, Title: "help"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, router, client, http.MethodPost, "/alerts", CreateRequest{Severity: SeverityHigh, Title: "I need help"})
	require.Equal(t, http.StatusCreated, rec.Code)
	a := decode[Alert](t, rec)
	assert.Equal(t, "user-1", a.UserID)
	assert.Equal(t, TypeManualEscalation, a.Type)
	assert.Equal(t, StatusPending, a.Status)

	rec = do(t, router, client, http.MethodPost, "/alerts", CreateRequest{UserID: "user-2", Severity: SeverityHigh, Title: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, therapist, http.MethodPost, "/alerts", CreateRequest{UserID: "user-1", Type: TypeCrisisDetected, Severity: SeverityCritical, Title: "Session disclosure"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user-1", decode[Alert](t, rec).UserID)

	rec = do(t, router, client, http.MethodPost, "/alerts", CreateRequest{Severity: "severe", Title: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAlertsEndpoint(t *testing.T) {
	router, tm := newTestRouter(t)
	ctx := context.Background()
	_, err := tm.CreateAlert(ctx, createParams(SeverityHigh))
	require.NoError(t, err)
	other := createParams(SeverityLow)
	other.UserID = "user-2"
	_, err = tm.CreateAlert(ctx, other)
	require.NoError(t, err)

	type page struct {
		Data  []*Alert `json:"data"`
		Total int      `json:"total"`
		Limit int      `json:"limit"`
	}

	rec := do(t, router, client, http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[page](t, rec)
	assert.Equal(t, 1, p.Total)
	assert.Equal(t, defaultListLimit, p.Limit)

	rec = do(t, router, client, http.MethodGet, "/alerts?user_id=user-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, therapist, http.MethodGet, "/alerts?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[page](t, rec).Total)

	rec = do(t, router, crisis, http.MethodGet, "/alerts?limit=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p = decode[page](t, rec)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, maxListLimit, p.Limit)

	rec = do(t, router, crisis, http.MethodGet, "/alerts?severity=low", nil)
	assert.Equal(t, 1, decode[page](t, rec).Total)
}

func TestAlertTransitionEndpoints(t *testing.T) {
	router, tm := newTestRouter(t)
	p := createParams(SeverityLow)
	p.EscalationPath = path(1000, 1000)
	a, err := tm.CreateAlert(context.Background(), p)
	require.NoError(t, err)
	base := "/alerts/" + a.ID

	rec := do(t, router, stranger, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, router, client, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// the subject can escalate but not silence the alert
	rec = do(t, router, client, http.MethodPost, base+"/escalate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[Alert](t, rec).CurrentLevel)
	rec = do(t, router, client, http.MethodPost, base+"/acknowledge", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, therapist, http.MethodPost, base+"/acknowledge", TransitionRequest{Notes: "calling now"})
	require.Equal(t, http.StatusOK, rec.Code)
	acked := decode[Alert](t, rec)
	assert.Equal(t, StatusAcknowledged, acked.Status)
	assert.Equal(t, "therapist-1", acked.AcknowledgedBy)

	rec = do(t, router, therapist, http.MethodPost, base+"/resolve", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, therapist, http.MethodPost, base+"/resolve", TransitionRequest{Resolution: "safe with family"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusResolved, decode[Alert](t, rec).Status)

	rec = do(t, router, crisis, http.MethodPost, base+"/acknowledge", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, router, crisis, http.MethodPost, base+"/escalate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, crisis, http.MethodGet, "/alerts/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, tm := newTestRouter(t)
	_, err := tm.CreateAlert(context.Background(), createParams(SeverityHigh))
	require.NoError(t, err)

	rec := do(t, router, therapist, http.MethodGet, "/alerts/metrics", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, crisis, http.MethodGet, "/alerts/metrics?since=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[Stats](t, rec)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.BySeverity[SeverityHigh])

	rec = do(t, router, crisis, http.MethodGet, "/alerts/metrics?since=2020-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, crisis, http.MethodGet, "/alerts/metrics?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContactEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	type list struct {
		Data  []*EmergencyContact `json:"data"`
		Total int                 `json:"total"`
	}

	rec := do(t, router, client, http.MethodGet, "/users/user-1/contacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[list](t, rec).Total)

	rec = do(t, router, therapist, http.MethodGet, "/users/user-1/contacts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, router, stranger, http.MethodGet, "/users/user-1/contacts", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	contact := EmergencyContact{
		Name:            "Jelena",
		Relationship:    "sister",
		EscalationLevel: ContactSecondary,
		ContactMethods: []ContactMethod{
			{Type: notification.MethodSMS, Value: "+15550104", Priority: 1, Active: true},
		},
		Permissions: Permissions{CanReceiveAlerts: true},
	}
	rec = do(t, router, client, http.MethodPost, "/users/user-1/contacts", contact)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[EmergencyContact](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "user-1", created.UserID)

	// therapists can read but not manage
	rec = do(t, router, therapist, http.MethodPost, "/users/user-1/contacts", contact)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	bad := contact
	bad.ContactMethods = nil
	rec = do(t, router, client, http.MethodPost, "/users/user-1/contacts", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad = contact
	bad.ContactMethods = []ContactMethod{{Type: "pigeon", Value: "roof", Active: true}}
	rec = do(t, router, client, http.MethodPost, "/users/user-1/contacts", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	created.Name = "Jelena P."
	created.UserID = "user-2"
	rec = do(t, router, client, http.MethodPut, "/contacts/"+created.ID, created)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[EmergencyContact](t, rec)
	assert.Equal(t, "Jelena P.", updated.Name)
	assert.Equal(t, "user-1", updated.UserID)

	rec = do(t, router, crisis, http.MethodGet, "/contacts/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, stranger, http.MethodDelete, "/contacts/"+created.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, router, client, http.MethodDelete, "/contacts/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, client, http.MethodGet, "/contacts/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
