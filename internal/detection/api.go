package detection

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/httputil"
)

// Handler provides HTTP handlers for the detection module
type Handler struct {
	service *Service
	access  *auth.Access
}

// NewHandler creates a new detection handler
func NewHandler(service *Service, access *auth.Access) *Handler {
	return &Handler{service: service, access: access}
}

// RegisterRoutes registers the detection routes on r
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/detections/analyze", h.Analyze)
	r.Get("/detections/{detectionID}", h.Get)
	r.Get("/users/{userID}/detections", h.ListByUser)
}

// AnalyzeRequest is the body of POST /detections/analyze
type AnalyzeRequest struct {
	MessageID      string          `json:"message_id"`
	Content        string          `json:"content"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	Language       string          `json:"language"`
	Context        *ContextFactors `json:"context"`
}

// Analyze scores a message. Staff may analyze on behalf of a user; anyone
// else analyzes their own messages.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	if user == nil {
		httputil.WriteError(w, errors.Unauthorized("authentication required"))
		return
	}

	var req AnalyzeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	userID := user.ID
	if req.UserID != "" && req.UserID != user.ID {
		if !user.IsStaff() {
			httputil.WriteError(w, errors.Permission("cannot analyze messages for another user"))
			return
		}
		userID = req.UserID
	}

	result, err := h.service.Analyze(r.Context(), Message{
		ID:             req.MessageID,
		Content:        req.Content,
		UserID:         userID,
		ConversationID: req.ConversationID,
		Language:       req.Language,
		Context:        req.Context,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"detected": result != nil,
		"result":   result,
	})
}

// Get returns one detection result
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Get(r.Context(), chi.URLParam(r, "detectionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.access.CanView(r.Context(), auth.GetUser(r.Context()), result.UserID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// ListByUser lists a user's recent detections
func (h *Handler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.access.CanView(r.Context(), auth.GetUser(r.Context()), userID); err != nil {
		httputil.WriteError(w, err)
		return
	}

	results, err := h.service.ListByUser(r.Context(), userID, httputil.QueryInt(r, "limit", defaultListLimit))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":  results,
		"total": len(results),
	})
}
