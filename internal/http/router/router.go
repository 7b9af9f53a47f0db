package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/health"
	"github.com/myeline/careauth/internal/http/handler"
	"github.com/myeline/careauth/internal/http/middleware"
	"github.com/myeline/careauth/internal/http/response"
)

type Dependencies struct {
	AuthHandler       *handler.AuthHandler
	UserHandler       *handler.UserHandler
	AccessHandler     *handler.AccessHandler
	AdminHandler      *handler.AdminHandler
	Sessions          middleware.SessionValidator
	Access            middleware.AccessChecker
	SessionCookie     string
	CORSOrigins       []string
	AuthRateLimitRPM  int
	APIRateLimitRPM   int
	GlobalRateLimiter GlobalRateLimiterFunc
	AuthRateLimiter   AuthRateLimiterFunc

	// PrincipalRateLimiter runs after authentication on the protected group.
	PrincipalRateLimiter func(http.Handler) http.Handler
	// LoginRateLimiter budgets login attempts per target account and client.
	LoginRateLimiter func(http.Handler) http.Handler

	Readiness      *health.ProbeRunner
	EnableOTelHTTP bool
}

type GlobalRateLimiterFunc func(http.Handler) http.Handler
type AuthRateLimiterFunc func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))
	if dep.GlobalRateLimiter != nil {
		r.Use(dep.GlobalRateLimiter)
	} else {
		r.Use(middleware.NewLocalRateLimiter("api", dep.APIRateLimitRPM, time.Minute).Middleware())
	}

	authLimiter := dep.AuthRateLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewLocalRateLimiter("auth", dep.AuthRateLimitRPM, time.Minute).Middleware()
	}
	loginLimiters := []func(http.Handler) http.Handler{authLimiter}
	if dep.LoginRateLimiter != nil {
		loginLimiters = append(loginLimiters, dep.LoginRateLimiter)
	}
	authenticated := middleware.AuthMiddleware(dep.Sessions, dep.SessionCookie)
	csrf := middleware.CSRF(dep.SessionCookie)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/register", dep.AuthHandler.Register)
			r.With(authLimiter).Post("/verify", dep.AuthHandler.Verify)
			r.With(authLimiter).Post("/verify/resend", dep.AuthHandler.ResendVerification)
			r.With(loginLimiters...).Post("/login", dep.AuthHandler.Login)
			r.With(authLimiter, authenticated, csrf).Post("/refresh", dep.AuthHandler.Refresh)
			r.With(authenticated, csrf).Post("/logout", dep.AuthHandler.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticated)
			if dep.PrincipalRateLimiter != nil {
				r.Use(dep.PrincipalRateLimiter)
			}
			r.Use(csrf)

			r.Get("/me", dep.UserHandler.Me)
			r.Get("/me/sessions", dep.UserHandler.Sessions)
			r.Delete("/me/sessions", dep.UserHandler.RevokeAllSessions)

			r.Get("/access/{ownerID}", dep.AccessHandler.CheckAccess)
			r.Get("/grants", dep.AccessHandler.ListGrants)
			r.With(middleware.RequireOwnerAccess(dep.Access, "ownerID")).
				Get("/principals/{ownerID}/grants", dep.AccessHandler.ListOwnerGrants)
			r.Post("/grants", dep.AccessHandler.ProposeGrant)
			r.Post("/grants/{grantID}/accept", dep.AccessHandler.AcceptGrant)
			r.Post("/grants/{grantID}/revoke", dep.AccessHandler.RevokeGrant)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(domain.RoleAdmin))
				r.Delete("/principals/{principalID}", dep.AdminHandler.DeactivatePrincipal)
				r.Post("/principals/{principalID}/unlock", dep.AdminHandler.UnlockPrincipal)
			})
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
