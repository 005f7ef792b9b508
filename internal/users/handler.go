package users

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/rbac"
	"github.com/stewardhq/steward/internal/shared"
)

// Handler exposes the directory operations over JSON. Authorization
// lives in the policy engine; the handler only shapes requests and
// maps decision kinds to status codes.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers user routes. Search gets its own tighter rate
// limit since it fans out to an unindexed scan.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.With(httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
		Get("/search", h.search)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Patch("/", h.update)
		r.Put("/role", h.changeRole)
		r.Post("/deactivate", h.deactivate)
		r.Post("/reactivate", h.reactivate)
		r.Post("/approve", h.approve)
		r.Get("/permissions", h.permissions)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	query := r.URL.Query()
	filters := ListFilters{
		Role:    query.Get("role"),
		Status:  query.Get("status"),
		Page:    intParam(query.Get("page")),
		PerPage: intParam(query.Get("per_page")),
		SortBy:  query.Get("sort"),
		SortDir: query.Get("dir"),
	}
	decision, err := h.service.List(r.Context(), caller, filters, shared.SourceFromContext(r.Context()))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !decision.Allowed {
		h.writeDenial(w, decision)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"users":      usersOrEmpty(decision.Users),
		"pagination": decision.Pagination,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	caller, targetID, ok := h.callerAndTarget(w, r)
	if !ok {
		return
	}
	decision, err := h.service.Get(r.Context(), caller, targetID, shared.SourceFromContext(r.Context()))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !decision.Allowed {
		h.writeDenial(w, decision)
		return
	}
	h.writeJSON(w, http.StatusOK, decision.User)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	decision, err := h.service.Create(r.Context(), caller, req, shared.SourceFromContext(r.Context()))
	if err != nil {
		h.requestError(w, r, err)
		return
	}
	if !decision.Allowed {
		h.writeDenial(w, decision)
		return
	}
	h.writeJSON(w, http.StatusCreated, decision.User)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	caller, targetID, ok := h.callerAndTarget(w, r)
	if !ok {
		return
	}
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	decision, err := h.service.Update(r.Context(), caller, targetID, payload, shared.SourceFromContext(r.Context()))
	if err != nil {
		h.requestError(w, r, err)
		return
	}
	if !decision.Allowed {
		h.writeDenial(w, decision)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"updated": decision.Mutation.Fields,
		"dropped": decision.Dropped,
	})
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	caller, targetID, ok := h.callerAndTarget(w, r)
	if !ok {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	decision, err := h.service.ChangeRole(r.Context(), caller, targetID, rbac.Role(req.Role), shared.SourceFromContext(r.Context()))
	if err != nil {
		h.requestError(w, r, err)
		return
	}
	if !decision.Allowed {
		h.writeDenial(w, decision)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"role": req.Role})
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	caller, targetID, ok := h.callerAndTarget(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	decision, err := h.service.Deactivate(r.Context(), caller, targetID, req.Reason, shared.SourceFromContext(r.Context()))
	h.lifecycleResponse(w, r, decision, err, StatusSuspended)
}

func (h *Handler) reactivate(w http.ResponseWriter, r *http.Request) {
	caller, targetID, ok := h.callerAndTarget(w, r)
	if !ok {
		return
	}
	decision, err := h.service.Reactivate(r.Context(), caller, targetID, shared.SourceFromContext(r.Context()))
	h.lifecycleResponse(w, r, decision, err, StatusActive)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	caller, targetID, ok := h.callerAndTarget(w, r)
	if !ok {
		return
	}
	decision, err := h.service.Approve(r.Context(), caller, targetID, shared.SourceFromContext(r.Context()))
	h.lifecycleResponse(w, r, decision, err, StatusActive)
}

func (h *Handler) permissions(w http.ResponseWriter, r *http.Request) {
	caller, targetID, ok := h.callerAndTarget(w, r)
	if !ok {
		return
	}
	decision, err := h.service.GetPermissions(r.Context(), caller, targetID, shared.SourceFromContext(r.Context()))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !decision.Allowed {
		h.writeDenial(w, decision)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"permissions": decision.Permissions})
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	query := r.URL.Query().Get("q")
	limit := intParam(r.URL.Query().Get("limit"))
	decision, err := h.service.Search(r.Context(), caller, query, limit, shared.SourceFromContext(r.Context()))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !decision.Allowed {
		h.writeDenial(w, decision)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"users": usersOrEmpty(decision.Users)})
}

func (h *Handler) lifecycleResponse(w http.ResponseWriter, r *http.Request, decision Decision, err error, next Status) {
	if err != nil {
		h.requestError(w, r, err)
		return
	}
	if !decision.Allowed {
		h.writeDenial(w, decision)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": string(next)})
}

func (h *Handler) callerAndTarget(w http.ResponseWriter, r *http.Request) (shared.Caller, uuid.UUID, bool) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return shared.Caller{}, uuid.Nil, false
	}
	targetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid user id")
		return shared.Caller{}, uuid.Nil, false
	}
	return caller, targetID, true
}

// writeDenial maps a decision kind to its HTTP status.
func (h *Handler) writeDenial(w http.ResponseWriter, decision Decision) {
	status := http.StatusForbidden
	switch {
	case errors.Is(decision.Reason, shared.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(decision.Reason, shared.ErrInvalidOperation):
		status = http.StatusUnprocessableEntity
	case errors.Is(decision.Reason, shared.ErrConflict):
		status = http.StatusConflict
	case errors.Is(decision.Reason, shared.ErrNoValidUpdates):
		status = http.StatusBadRequest
	}
	body := map[string]any{"error": decision.Message}
	if len(decision.Dropped) > 0 {
		body["dropped"] = decision.Dropped
	}
	h.writeJSON(w, status, body)
}

// requestError handles errors from the service: validation failures
// map to 400, persistence conflicts to 409, the rest to 500.
func (h *Handler) requestError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": validationErr.Fields})
		return
	}
	if errors.Is(err, shared.ErrConflict) {
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": shared.UserSafeMessage(err)})
		return
	}
	h.internalError(w, r, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("users request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	h.writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func usersOrEmpty(list []User) []User {
	if list == nil {
		return []User{}
	}
	return list
}

func intParam(raw string) int {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}
