package handler

import (
	"net/http"

	"github.com/myeline/careauth/internal/http/middleware"
	"github.com/myeline/careauth/internal/http/response"
	"github.com/myeline/careauth/internal/security"
	"github.com/myeline/careauth/internal/service"
)

type UserHandler struct {
	auth    service.AuthServiceInterface
	cookies *security.CookieManager
}

func NewUserHandler(auth service.AuthServiceInterface, cookies *security.CookieManager) *UserHandler {
	return &UserHandler{auth: auth, cookies: cookies}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	response.JSON(w, r, http.StatusOK, p)
}

func (h *UserHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	views, err := h.auth.ListSessions(r.Context(), p.ID, middleware.SessionTokenFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, views)
}

// RevokeAllSessions signs the principal out everywhere, this device included.
func (h *UserHandler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeServiceError(w, r, service.ErrUnauthenticated)
		return
	}
	n, err := h.auth.RevokeAllSessions(r.Context(), p.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.cookies.ClearSessionCookies(w)
	response.JSON(w, r, http.StatusOK, map[string]int64{"revoked": n})
}
