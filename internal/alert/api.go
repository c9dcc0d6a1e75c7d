package alert

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/httputil"
	"github.com/carecircle/crisis/internal/shared/validate"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	defaultStatsSpan = 24 * time.Hour
)

// Handler provides HTTP handlers for alerts and emergency contacts
type Handler struct {
	manager  *Manager
	contacts ContactStore
	access   *auth.Access
}

// NewHandler creates a new alert handler
func NewHandler(manager *Manager, contacts ContactStore, access *auth.Access) *Handler {
	return &Handler{manager: manager, contacts: contacts, access: access}
}

// RegisterRoutes registers the alert and contact routes on r
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/alerts", h.Create)
	r.Get("/alerts", h.List)
	r.With(auth.RequireRoles(auth.RoleCrisisTeam)).Get("/alerts/metrics", h.Metrics)
	r.Get("/alerts/{alertID}", h.Get)
	r.Post("/alerts/{alertID}/acknowledge", h.Acknowledge)
	r.Post("/alerts/{alertID}/resolve", h.Resolve)
	r.Post("/alerts/{alertID}/escalate", h.Escalate)

	r.Get("/users/{userID}/contacts", h.ListContacts)
	r.Post("/users/{userID}/contacts", h.CreateContact)
	r.Get("/contacts/{contactID}", h.GetContact)
	r.Put("/contacts/{contactID}", h.UpdateContact)
	r.Delete("/contacts/{contactID}", h.DeleteContact)
}

// CreateRequest is the body of POST /alerts
type CreateRequest struct {
	UserID              string            `json:"user_id"`
	ConversationID      string            `json:"conversation_id"`
	MessageID           string            `json:"message_id"`
	Type                Type              `json:"type"`
	Severity            Severity          `json:"severity"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	Context             Context           `json:"context"`
	EscalationPath      []EscalationLevel `json:"escalation_path"`
	ImmediateEscalation bool              `json:"immediate_escalation"`
}

// Create raises an alert. Staff may raise alerts about another user;
// anyone else raises them about themself.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		httputil.WriteError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req CreateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	userID := user.ID
	if req.UserID != "" && req.UserID != user.ID {
		if !user.IsStaff() {
			httputil.WriteError(w, errors.Permission("cannot raise alerts for another user"))
			return
		}
		userID = req.UserID
	}
	if req.Type == "" {
		req.Type = TypeManualEscalation
	}

	a, err := h.manager.CreateAlert(r.Context(), CreateParams{
		UserID:              userID,
		ConversationID:      req.ConversationID,
		MessageID:           req.MessageID,
		Type:                req.Type,
		Severity:            req.Severity,
		Title:               req.Title,
		Description:         req.Description,
		Context:             req.Context,
		EscalationPath:      req.EscalationPath,
		ImmediateEscalation: req.ImmediateEscalation,
		ActorID:             user.ID,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, a)
}

// List lists alerts. The crisis team and admins see every user; others
// must name a user they may view and default to themself.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		httputil.WriteError(w, errors.Unauthorized("authentication required"))
		return
	}

	q := r.URL.Query()
	filter := ListFilter{
		UserID:   q.Get("user_id"),
		Status:   Status(q.Get("status")),
		Severity: Severity(q.Get("severity")),
		Type:     Type(q.Get("type")),
		Limit:    httputil.QueryInt(r, "limit", defaultListLimit),
		Offset:   httputil.QueryInt(r, "offset", 0),
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}

	seesAll := user.IsAdmin() || user.HasRole(auth.RoleCrisisTeam)
	if filter.UserID == "" && !seesAll {
		filter.UserID = user.ID
	}
	if filter.UserID != "" {
		if err := h.access.CanView(r.Context(), user, filter.UserID); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	alerts, total, err := h.manager.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":   alerts,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Get returns one alert
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.viewable(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

// TransitionRequest is the body of acknowledge, resolve and escalate
type TransitionRequest struct {
	Notes      string `json:"notes"`
	Resolution string `json:"resolution"`
	Reason     string `json:"reason"`
}

// Acknowledge stops escalation of an alert. Only responders may
// acknowledge; the user an alert is about cannot silence it.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	req, ok := h.responderRequest(w, r)
	if !ok {
		return
	}
	user := auth.GetUser(r.Context())
	a, err := h.manager.AcknowledgeAlert(r.Context(), chi.URLParam(r, "alertID"), user.ID, req.Notes)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

// Resolve closes an alert
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	req, ok := h.responderRequest(w, r)
	if !ok {
		return
	}
	if req.Resolution == "" {
		httputil.WriteError(w, errors.Validation("invalid input", map[string]string{"resolution": "resolution is required"}))
		return
	}
	user := auth.GetUser(r.Context())
	a, err := h.manager.ResolveAlert(r.Context(), chi.URLParam(r, "alertID"), user.ID, req.Resolution)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

// Escalate moves an alert to its next level. Anyone who can view the alert
// may escalate it, including the user it is about.
func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.viewable(r); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req TransitionRequest
	if err := decodeOptional(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	user := auth.GetUser(r.Context())
	a, err := h.manager.EscalateAlert(r.Context(), chi.URLParam(r, "alertID"), user.ID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, a)
}

// Metrics returns alert statistics since ?since=, which takes an RFC 3339
// time or a duration such as 24h.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-defaultStatsSpan)
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
			since = time.Now().UTC().Add(-d)
		} else {
			httputil.WriteError(w, errors.BadRequest("since must be an RFC 3339 time or a duration"))
			return
		}
	}

	stats, err := h.manager.Stats(r.Context(), since)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) viewable(r *http.Request) (*Alert, error) {
	a, err := h.manager.Get(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		return nil, err
	}
	if err := h.access.CanView(r.Context(), auth.GetUser(r.Context()), a.UserID); err != nil {
		return nil, err
	}
	return a, nil
}

// responderRequest checks the caller is a responder who may view the alert
// and decodes the request body.
func (h *Handler) responderRequest(w http.ResponseWriter, r *http.Request) (TransitionRequest, bool) {
	var req TransitionRequest

	a, err := h.viewable(r)
	if err != nil {
		httputil.WriteError(w, err)
		return req, false
	}
	user := auth.GetUser(r.Context())
	if user.ID == a.UserID && !user.IsStaff() {
		httputil.WriteError(w, errors.Permission("only responders can change this alert"))
		return req, false
	}
	if err := decodeOptional(r, &req); err != nil {
		httputil.WriteError(w, err)
		return req, false
	}
	return req, true
}

// decodeOptional decodes the body when there is one
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return httputil.DecodeJSON(r, v)
}

// ListContacts lists a user's emergency contacts
func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.access.CanView(r.Context(), auth.GetUser(r.Context()), userID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	contacts, err := h.contacts.List(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if contacts == nil {
		contacts = []*EmergencyContact{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":  contacts,
		"total": len(contacts),
	})
}

// CreateContact adds an emergency contact for a user
func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := canManageContacts(auth.GetUser(r.Context()), userID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var c EmergencyContact
	if err := httputil.DecodeJSON(r, &c); err != nil {
		httputil.WriteError(w, err)
		return
	}
	c.ID = ""
	c.UserID = userID
	if err := validate.Struct(c); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.contacts.Save(r.Context(), &c); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, c)
}

// GetContact returns one contact
func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	c, err := h.contacts.Get(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.access.CanView(r.Context(), auth.GetUser(r.Context()), c.UserID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

// UpdateContact replaces a contact. Its owner cannot be changed.
func (h *Handler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	existing, err := h.contacts.Get(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := canManageContacts(auth.GetUser(r.Context()), existing.UserID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var c EmergencyContact
	if err := httputil.DecodeJSON(r, &c); err != nil {
		httputil.WriteError(w, err)
		return
	}
	c.ID = existing.ID
	c.UserID = existing.UserID
	if err := validate.Struct(c); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.contacts.Save(r.Context(), &c); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

// DeleteContact removes a contact
func (h *Handler) DeleteContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "contactID")
	existing, err := h.contacts.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := canManageContacts(auth.GetUser(r.Context()), existing.UserID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.contacts.Delete(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// canManageContacts allows users to manage their own contacts and the
// crisis team or admins to manage anyone's, including shared contacts.
func canManageContacts(user *auth.User, userID string) error {
	if user == nil {
		return errors.Unauthorized("authentication required")
	}
	if user.IsAdmin() || user.HasRole(auth.RoleCrisisTeam) {
		return nil
	}
	if userID != "" && user.ID == userID {
		return nil
	}
	return errors.Permission("not permitted to manage these contacts")
}
