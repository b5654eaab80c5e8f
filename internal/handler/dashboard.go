package handler

import (
	"log/slog"
	"net/http"
	"path"

	"github.com/sakif/marketplace-auth/internal/apperror"
	"github.com/sakif/marketplace-auth/internal/auth"
	"github.com/sakif/marketplace-auth/internal/model"
)

// DashboardHandler serves the landing data of each role's dashboard. Access
// is decided by auth.RequireRole before the handler runs.
type DashboardHandler struct {
	authenticator Authenticator
	logger        *slog.Logger
}

func NewDashboardHandler(authenticator Authenticator, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{authenticator: authenticator, logger: logger}
}

type dashboardResponse struct {
	Dashboard model.Role     `json:"dashboard"`
	Role      model.Role     `json:"role"`
	Profile   *model.Profile `json:"profile"`
}

// HandleDashboard returns which dashboard was opened, the viewer's role,
// and the viewer's profile.
//
// HTTP: GET /api/dashboard/<role>, one route per role so each can carry
// its own RequireRole gate.
func (h *DashboardHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	name := path.Base(r.URL.Path)
	dashboard, ok := model.ParseRole(name)
	if !ok {
		writeError(w, apperror.NotFound("dashboard", name))
		return
	}

	userID, _ := auth.UserIDFromContext(r.Context())
	role, _ := auth.RoleFromContext(r.Context())

	profile, err := h.authenticator.Profile(r.Context(), userID)
	if err != nil {
		h.logger.Warn("dashboard: profile lookup failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dashboardResponse{
		Dashboard: dashboard,
		Role:      role,
		Profile:   profile,
	})
}
