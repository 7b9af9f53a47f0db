package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/myeline/careauth/internal/http/response"
	"github.com/myeline/careauth/internal/service"
)

// writeServiceError maps the service error taxonomy onto the response
// envelope. Credential failures share one message; only a lock says more.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *service.ValidationError
		conflict *service.ConflictError
		locked   *service.LockedError
	)
	switch {
	case errors.As(err, &verr):
		details := make(map[string][]string, len(verr.Fields))
		for _, f := range verr.Fields {
			details[f.Field] = append(details[f.Field], f.Message)
		}
		response.Error(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", details)
	case errors.As(err, &conflict):
		response.Error(w, r, http.StatusConflict, "CONFLICT", conflict.Field+" already in use", map[string]string{"field": conflict.Field})
	case errors.As(err, &locked):
		response.Error(w, r, http.StatusLocked, "ACCOUNT_LOCKED", "account temporarily locked", map[string]string{
			"locked_until": locked.Until.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", service.ErrInvalidCredentials.Error(), nil)
	case errors.Is(err, service.ErrUnauthenticated):
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
	case errors.Is(err, service.ErrTokenExpired):
		response.Error(w, r, http.StatusGone, "TOKEN_EXPIRED", "verification token expired", nil)
	case errors.Is(err, service.ErrTokenAlreadyUsed):
		response.Error(w, r, http.StatusConflict, "TOKEN_ALREADY_USED", "verification token already used", nil)
	case errors.Is(err, service.ErrTokenNotFound):
		response.Error(w, r, http.StatusNotFound, "TOKEN_NOT_FOUND", "verification token not found", nil)
	case errors.Is(err, service.ErrForbidden):
		response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "not permitted", nil)
	case errors.Is(err, service.ErrPrincipalNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "principal not found", nil)
	case errors.Is(err, service.ErrGrantNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "grant not found", nil)
	case errors.Is(err, service.ErrGrantConflict):
		response.Error(w, r, http.StatusConflict, "GRANT_CONFLICT", err.Error(), nil)
	case errors.Is(err, service.ErrInvalidGrantTransition):
		response.Error(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, service.ErrStorage):
		slog.ErrorContext(r.Context(), "storage failure", "path", r.URL.Path, "error", err)
		response.Error(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "service temporarily unavailable", nil)
	default:
		slog.ErrorContext(r.Context(), "unhandled service error", "path", r.URL.Path, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}
