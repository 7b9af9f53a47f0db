package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/http/response"
	"github.com/myeline/careauth/internal/security"
	"github.com/myeline/careauth/internal/service"
)

type contextKey string

const (
	PrincipalContextKey    contextKey = "principal"
	SessionContextKey      contextKey = "session"
	SessionTokenContextKey contextKey = "session_token"
)

type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*domain.Principal, *domain.Session, error)
}

// AuthMiddleware resolves the session token from the session cookie or a
// bearer header. Every rejection looks the same to the client.
func AuthMiddleware(sessions SessionValidator, cookieName string) func(http.Handler) http.Handler {
	if cookieName == "" {
		cookieName = security.DefaultSessionCookie
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := security.GetCookie(r, cookieName)
			if raw == "" {
				raw = bearerToken(r)
			}
			if raw == "" {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			principal, session, err := sessions.ValidateSession(r.Context(), raw)
			if err != nil {
				if errors.Is(err, service.ErrStorage) {
					response.Error(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "service temporarily unavailable", nil)
					return
				}
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
				return
			}
			ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
			ctx = context.WithValue(ctx, SessionContextKey, session)
			ctx = context.WithValue(ctx, SessionTokenContextKey, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func PrincipalFromContext(ctx context.Context) (*domain.Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*domain.Principal)
	return p, ok && p != nil
}

func SessionFromContext(ctx context.Context) (*domain.Session, bool) {
	s, ok := ctx.Value(SessionContextKey).(*domain.Session)
	return s, ok && s != nil
}

func SessionTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(SessionTokenContextKey).(string)
	return token
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
