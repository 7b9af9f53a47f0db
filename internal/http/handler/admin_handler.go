package handler

import (
	"net/http"

	"github.com/myeline/careauth/internal/http/middleware"
	"github.com/myeline/careauth/internal/http/response"
	"github.com/myeline/careauth/internal/observability"
	"github.com/myeline/careauth/internal/service"
)

type AdminHandler struct {
	admin service.AdminServiceInterface
}

func NewAdminHandler(admin service.AdminServiceInterface) *AdminHandler {
	return &AdminHandler{admin: admin}
}

func (h *AdminHandler) DeactivatePrincipal(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	id, ok := uintParam(w, r, "principalID")
	if !ok {
		return
	}
	if err := h.admin.DeactivatePrincipal(r.Context(), actor, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.principal.deactivate", "actor_id", actor.ID, "principal_id", id)
	response.JSON(w, r, http.StatusOK, map[string]any{"principal_id": id, "status": "deactivated"})
}

func (h *AdminHandler) UnlockPrincipal(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	id, ok := uintParam(w, r, "principalID")
	if !ok {
		return
	}
	if err := h.admin.UnlockPrincipal(r.Context(), actor, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.principal.unlock", "actor_id", actor.ID, "principal_id", id)
	response.JSON(w, r, http.StatusOK, map[string]any{"principal_id": id, "status": "unlocked"})
}
