package panicmode

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/httputil"
	"github.com/carecircle/crisis/internal/shared/types"
	"github.com/carecircle/crisis/internal/shared/validate"
)

const defaultHistoryLimit = 20

// Handler provides HTTP handlers for panic mode. Every mutation acts on
// the authenticated user's own session.
type Handler struct {
	manager *Manager
	access  *auth.Access
}

// NewHandler creates a new panic mode handler
func NewHandler(manager *Manager, access *auth.Access) *Handler {
	return &Handler{manager: manager, access: access}
}

// RegisterRoutes registers panic mode routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/panic", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/end", h.End)
		r.Get("/current", h.Current)
		r.Post("/location", h.UpdateLocation)
		r.Post("/emergency", h.ContactEmergency)
		r.Get("/resources", h.ListResources)
		r.Post("/resources/{resourceID}/access", h.AccessResource)
		r.Post("/resources/{resourceID}/rate", h.RateResource)
		r.Get("/exercises", h.ListExercises)
		r.Post("/breathing/start", h.StartBreathing)
		r.Post("/breathing/stop", h.StopBreathing)
		r.Get("/sessions/{sessionID}", h.Get)
	})
	r.Get("/users/{userID}/panic-sessions", h.History)
}

// EndRequest is the body of POST /panic/end
type EndRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// RateRequest is the body of POST /panic/resources/{id}/rate
type RateRequest struct {
	Helpful  *bool  `json:"helpful" validate:"required"`
	Feedback string `json:"feedback" validate:"max=2000"`
}

// BreathingRequest is the body of POST /panic/breathing/start
type BreathingRequest struct {
	ExerciseID string `json:"exercise_id" validate:"required"`
}

func requireUser(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user := auth.GetUser(r.Context())
	if user == nil {
		httputil.WriteError(w, errors.Unauthorized("authentication required"))
		return nil, false
	}
	return user, true
}

// decodeValid decodes and validates a request body
func decodeValid(r *http.Request, v any) error {
	if err := httputil.DecodeJSON(r, v); err != nil {
		return err
	}
	return validate.Struct(v)
}

func (h *Handler) respond(w http.ResponseWriter, s *Session, err error) {
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s)
}

// Start activates panic mode for the caller
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	s, err := h.manager.StartPanicMode(r.Context(), user.ID, TriggerManual)
	h.respond(w, s, err)
}

func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req EndRequest
	if r.ContentLength > 0 {
		if err := decodeValid(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	s, err := h.manager.EndPanicMode(r.Context(), user.ID, req.Notes)
	h.respond(w, s, err)
}

func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	s, err := h.manager.Current(r.Context(), user.ID)
	h.respond(w, s, err)
}

// UpdateLocation stores the device location. It answers 204 when the
// caller has no active session.
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var loc types.Location
	if err := httputil.DecodeJSON(r, &loc); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s, err := h.manager.UpdateLocation(r.Context(), user.ID, loc)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if s == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s)
}

func (h *Handler) ContactEmergency(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	s, err := h.manager.ContactEmergencyServices(r.Context(), user.ID)
	h.respond(w, s, err)
}

func (h *Handler) ListResources(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": h.manager.ListResources()})
}

func (h *Handler) AccessResource(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	s, err := h.manager.AccessResource(r.Context(), user.ID, chi.URLParam(r, "resourceID"))
	h.respond(w, s, err)
}

func (h *Handler) RateResource(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req RateRequest
	if err := decodeValid(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s, err := h.manager.RateResource(r.Context(), user.ID, chi.URLParam(r, "resourceID"), *req.Helpful, req.Feedback)
	h.respond(w, s, err)
}

func (h *Handler) ListExercises(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": h.manager.ListExercises()})
}

func (h *Handler) StartBreathing(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req BreathingRequest
	if err := decodeValid(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s, err := h.manager.StartBreathingExercise(r.Context(), user.ID, req.ExerciseID)
	h.respond(w, s, err)
}

func (h *Handler) StopBreathing(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	s, err := h.manager.StopBreathingExercise(r.Context(), user.ID)
	h.respond(w, s, err)
}

// Get returns a session the caller may view
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	s, err := h.manager.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.access.CanView(r.Context(), user, s.UserID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s)
}

// History lists a user's past and current sessions
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.access.CanView(r.Context(), auth.GetUser(r.Context()), userID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	limit := httputil.QueryInt(r, "limit", defaultHistoryLimit)
	sessions, err := h.manager.History(r.Context(), userID, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":  sessions,
		"total": len(sessions),
	})
}
