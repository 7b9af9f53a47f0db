package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/service"
)

type stubSessionValidator struct {
	token string
	err   error
}

func (s stubSessionValidator) ValidateSession(_ context.Context, token string) (*domain.Principal, *domain.Session, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	if token != s.token {
		return nil, nil, service.ErrUnauthenticated
	}
	return &domain.Principal{ID: 42, Role: domain.RolePatient}, &domain.Session{ID: 7, PrincipalID: 42}, nil
}

func TestAuthMiddlewareMissingTokenReturnsUnauthorized(t *testing.T) {
	h := AuthMiddleware(stubSessionValidator{token: "good"}, "")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rr.Code)
	}
}

func TestAuthMiddlewareValidBearerTokenPasses(t *testing.T) {
	var gotPrincipal uint
	var gotToken string
	h := AuthMiddleware(stubSessionValidator{token: "good"}, "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		gotPrincipal = p.ID
		gotToken = SessionTokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for valid token, got %d", rr.Code)
	}
	if gotPrincipal != 42 || gotToken != "good" {
		t.Fatalf("expected principal and token in context, got %d %q", gotPrincipal, gotToken)
	}
}

func TestAuthMiddlewareCookieWinsOverBearer(t *testing.T) {
	h := AuthMiddleware(stubSessionValidator{token: "cookie-token"}, "sid")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "cookie-token"})
	req.Header.Set("Authorization", "Bearer other")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected cookie token to authenticate, got %d", rr.Code)
	}
}

func TestAuthMiddlewareStorageFailureIsUnavailable(t *testing.T) {
	storage := &service.StorageError{Op: "find session", Err: errors.New("conn refused")}
	h := AuthMiddleware(stubSessionValidator{err: storage}, "")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
