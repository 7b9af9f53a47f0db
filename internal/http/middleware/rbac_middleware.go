package middleware

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/http/response"
	"github.com/myeline/careauth/internal/observability"
)

type AccessChecker interface {
	CheckAccess(ctx context.Context, principal *domain.Principal, ownerID uint) bool
}

func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			if !slices.Contains(roles, p.Role) {
				observability.Audit(r, "authz.role_denied", "principal_id", p.ID, "role", p.Role)
				response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient role", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOwnerAccess guards routes that act on the principal named by the URL
// parameter param.
func RequireOwnerAccess(checker AccessChecker, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			ownerID, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
			if err != nil || ownerID == 0 {
				response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid "+param, nil)
				return
			}
			if !checker.CheckAccess(r.Context(), p, uint(ownerID)) {
				response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "access denied", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
