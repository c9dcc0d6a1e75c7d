package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carecircle/crisis/internal/shared/auth"
	"github.com/carecircle/crisis/internal/shared/httputil"
)

const maxVerifyEntries = 10000

// Handler provides HTTP handlers for the intervention log
type Handler struct {
	repo Repository
}

// NewHandler creates a new audit handler
func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes registers the admin-only audit routes on r
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleAdmin))
		r.Get("/audit/entries", h.ListEntries)
		r.Get("/audit/verify", h.Verify)
	})
}

// ListEntries lists intervention log entries, newest first
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		UserID:       q.Get("user_id"),
		EventType:    q.Get("event_type"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        httputil.QueryInt(r, "limit", 50),
		Offset:       httputil.QueryInt(r, "offset", 0),
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}

	entries, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"data":   entries,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Verify walks the chain from ?from= (default 1) and reports the first
// broken link
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	from := int64(httputil.QueryInt(r, "from", 1))
	limit := httputil.QueryInt(r, "limit", maxVerifyEntries)
	if limit > maxVerifyEntries {
		limit = maxVerifyEntries
	}

	// Start one entry early so the link into the window is checked too.
	start := from
	if start > 1 {
		start--
		limit++
	}

	entries, err := h.repo.Chain(r.Context(), start, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, VerifyChain(entries))
}
