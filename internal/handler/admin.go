package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/marketplace-auth/internal/model"
	"github.com/sakif/marketplace-auth/internal/service"
)

// GrantManager manages approval grants.
type GrantManager interface {
	Create(ctx context.Context, email, role string) (*model.ApprovalGrant, error)
	List(ctx context.Context) ([]model.ApprovalGrant, error)
	Revoke(ctx context.Context, id string) error
}

// Sweeper runs one orphan-identity sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

// AdminHandler serves the admin-only routes: approval grants and the
// on-demand orphan sweep.
type AdminHandler struct {
	grants  GrantManager
	sweeper Sweeper
	logger  *slog.Logger
}

func NewAdminHandler(grants GrantManager, sweeper Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{grants: grants, sweeper: sweeper, logger: logger}
}

// HandleListGrants returns every grant, newest first.
//
// HTTP: GET /api/admin/grants
func (h *AdminHandler) HandleListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.grants.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

// HandleCreateGrant issues a grant.
//
// HTTP: POST /api/admin/grants
// REQUEST BODY: {"email": "ed@example.com", "role": "editor"}
func (h *AdminHandler) HandleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	g, err := h.grants.Create(r.Context(), req.Email, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// HandleRevokeGrant deletes a grant.
//
// HTTP: DELETE /api/admin/grants/{id}
func (h *AdminHandler) HandleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	if err := h.grants.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSweep runs the orphan sweep now instead of waiting for the timer.
//
// HTTP: POST /api/admin/sweep
func (h *AdminHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.Error("manual sweep failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
