package notification

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/httputil"
)

// Handler exposes notification status to responders
type Handler struct {
	dispatcher *Dispatcher
	access     *auth.Access
}

// NewHandler creates a new notification handler
func NewHandler(dispatcher *Dispatcher, access *auth.Access) *Handler {
	return &Handler{dispatcher: dispatcher, access: access}
}

// RegisterRoutes registers the notification routes on r
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications/{notificationID}", h.Get)
	r.Get("/alerts/{alertID}/notifications", h.ListByAlert)
	r.With(auth.RequireRoles(auth.RoleCrisisTeam)).Get("/notifications/stats", h.Stats)
}

// Get returns one notification
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.dispatcher.Get(r.Context(), chi.URLParam(r, "notificationID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.access.CanView(r.Context(), auth.GetUser(r.Context()), n.UserID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

// ListByAlert returns the notifications sent for an alert
func (h *Handler) ListByAlert(w http.ResponseWriter, r *http.Request) {
	list, err := h.dispatcher.ListByAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	user := auth.GetUser(r.Context())
	visible := make([]*Notification, 0, len(list))
	for _, n := range list {
		if err := h.access.CanView(r.Context(), user, n.UserID); err == nil {
			visible = append(visible, n)
		}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":  visible,
		"total": len(visible),
	})
}

// Stats returns dispatcher counters
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.dispatcher.Stats())
}
