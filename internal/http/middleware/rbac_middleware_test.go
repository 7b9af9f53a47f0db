package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/myeline/careauth/internal/domain"
)

type testAccessChecker struct {
	allow bool
	owner uint
}

func (c *testAccessChecker) CheckAccess(_ context.Context, _ *domain.Principal, ownerID uint) bool {
	c.owner = ownerID
	return c.allow
}

func withPrincipal(req *http.Request, p *domain.Principal) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), PrincipalContextKey, p))
}

func TestRequireRoleDenied(t *testing.T) {
	mw := RequireRole(domain.RoleAdmin)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/", nil), &domain.Principal{ID: 1, Role: domain.RoleCaregiver})
	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("expected middleware to block request")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rr.Code)
	}
}

func TestRequireRoleMissingPrincipal(t *testing.T) {
	rr := httptest.NewRecorder()
	RequireRole(domain.RoleAdmin)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("expected middleware to block request")
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestRequireOwnerAccess(t *testing.T) {
	tests := []struct {
		name   string
		allow  bool
		param  string
		status int
	}{
		{name: "allowed", allow: true, param: "9", status: http.StatusNoContent},
		{name: "denied", allow: false, param: "9", status: http.StatusForbidden},
		{name: "bad id", allow: true, param: "abc", status: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			checker := &testAccessChecker{allow: tc.allow}
			r := chi.NewRouter()
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					next.ServeHTTP(w, withPrincipal(req, &domain.Principal{ID: 3, Role: domain.RoleCaregiver}))
				})
			})
			r.With(RequireOwnerAccess(checker, "ownerID")).Get("/owners/{ownerID}", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/owners/"+tc.param, nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if tc.status != http.StatusBadRequest && checker.owner != 9 {
				t.Fatalf("expected owner id 9 passed to checker, got %d", checker.owner)
			}
		})
	}
}
