package di

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/myeline/careauth/internal/app"
	"github.com/myeline/careauth/internal/config"
	"github.com/myeline/careauth/internal/domain"
	"github.com/myeline/careauth/internal/health"
	"github.com/myeline/careauth/internal/http/handler"
	"github.com/myeline/careauth/internal/http/middleware"
	"github.com/myeline/careauth/internal/http/router"
	"github.com/myeline/careauth/internal/observability"
	"github.com/myeline/careauth/internal/repository"
	"github.com/myeline/careauth/internal/security"
	"github.com/myeline/careauth/internal/service"
)

// Container is what the CLI commands need. Serve uses App; the maintenance
// commands only touch Auth and DB.
type Container struct {
	App  *app.App
	Auth *service.AuthService
	DB   *gorm.DB
}

func provideRuntime(ctx context.Context, cfg *config.Config) (*observability.Runtime, func(), error) {
	rt, err := observability.InitRuntime(ctx, cfg, observability.NewLogger(cfg, os.Stdout))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownObservabilityTimeout)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
	}
	return rt, cleanup, nil
}

func provideLogger(rt *observability.Runtime) *slog.Logger {
	return rt.Logger
}

func provideDB(cfg *config.Config) (*gorm.DB, func(), error) {
	db, err := repository.Open(repository.DBOptions{
		Driver:          cfg.DatabaseDriver,
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return db, cleanup, nil
}

// provideRedis returns nil unless a Redis-backed component is configured.
func provideRedis(cfg *config.Config) (redis.UniversalClient, func()) {
	if !cfg.RedisEnabled() {
		return nil, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return client, func() { _ = client.Close() }
}

func provideSessionRepository(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient) repository.SessionRepository {
	if cfg.SessionStore == "redis" && rdb != nil {
		return repository.NewRedisSessionRepository(rdb, cfg.RedisKeyPrefix+":session")
	}
	return repository.NewSessionRepository(db)
}

func provideClock() service.TimeProvider {
	return service.RealTimeProvider{}
}

func provideSessionManager(
	cfg *config.Config,
	sessions repository.SessionRepository,
	principals repository.PrincipalRepository,
	clock service.TimeProvider,
	logger *slog.Logger,
) *service.SessionManager {
	return service.NewSessionManager(sessions, principals, cfg.TokenPepper, service.SessionPolicy{
		IdleTimeout: cfg.SessionIdleTimeout,
		RememberTTL: cfg.SessionRememberTTL,
	}, clock, logger)
}

func provideHasher(cfg *config.Config) service.PasswordHasher {
	return security.NewPasswordHasher(cfg.BcryptCost)
}

func provideVerificationSender(logger *slog.Logger) service.VerificationSender {
	return service.NewLogVerificationSender(logger)
}

func provideAuthSettings(cfg *config.Config) service.AuthSettings {
	return service.AuthSettings{
		TokenPepper:     cfg.TokenPepper,
		VerificationTTL: cfg.VerificationTokenTTL,
		Lockout: domain.LockoutPolicy{
			Threshold: cfg.LockoutAttempts,
			Duration:  cfg.LockoutDuration,
		},
	}
}

func provideSweeper(cfg *config.Config, sessions *service.SessionManager, logger *slog.Logger) *service.SessionSweeper {
	return service.NewSessionSweeper(sessions, cfg.SessionSweepInterval, logger)
}

func provideCookieManager(cfg *config.Config) *security.CookieManager {
	return security.NewCookieManager(cfg.SessionCookie, cfg.CookieDomain, cfg.CookieSecure)
}

func provideReadiness(db *gorm.DB, rdb redis.UniversalClient) *health.ProbeRunner {
	checkers := []health.Checker{health.DBChecker(db)}
	if rdb != nil {
		checkers = append(checkers, health.RedisChecker(rdb))
	}
	return health.NewProbeRunner(2*time.Second, 5*time.Second, checkers...)
}

type rateLimiters struct {
	global    router.GlobalRateLimiterFunc
	auth      router.AuthRateLimiterFunc
	login     func(http.Handler) http.Handler
	principal func(http.Handler) http.Handler
}

// provideRateLimiters keeps one counter namespace per scope. With
// RATE_LIMIT_BACKEND=redis the counters are shared by every instance.
func provideRateLimiters(cfg *config.Config, rdb redis.UniversalClient) rateLimiters {
	mode := middleware.FailureMode(cfg.RateLimitFailureMode)
	backend := func(string) middleware.Limiter { return middleware.NewMemoryLimiter() }
	if cfg.RateLimitBackend == "redis" && rdb != nil {
		backend = func(scope string) middleware.Limiter {
			return middleware.NewRedisFixedWindowLimiter(rdb, cfg.RedisKeyPrefix+":rl:"+scope)
		}
	}
	limiter := func(scope string, limit int, window time.Duration, key middleware.KeyFunc) func(http.Handler) http.Handler {
		return middleware.NewRateLimiter(backend(scope), middleware.RateLimitOptions{
			Scope:  scope,
			Policy: middleware.Policy{Limit: limit, Window: window},
			Mode:   mode,
			Key:    key,
		}).Middleware()
	}
	return rateLimiters{
		global:    limiter("api", cfg.APIRateLimitRPM, time.Minute, middleware.ClientIPKey),
		auth:      limiter("auth", cfg.AuthRateLimitRPM, time.Minute, middleware.ClientIPKey),
		login:     limiter("login", cfg.LoginRateLimit, cfg.LoginRateLimitWindow, middleware.LoginAccountKey),
		principal: limiter("principal", cfg.APIRateLimitRPM, time.Minute, middleware.PrincipalOrIPKey),
	}
}

func provideRouter(
	cfg *config.Config,
	auth *service.AuthService,
	cookies *security.CookieManager,
	limiters rateLimiters,
	readiness *health.ProbeRunner,
) http.Handler {
	return router.NewRouter(router.Dependencies{
		AuthHandler:          handler.NewAuthHandler(auth, cookies),
		UserHandler:          handler.NewUserHandler(auth, cookies),
		AccessHandler:        handler.NewAccessHandler(auth),
		AdminHandler:         handler.NewAdminHandler(auth),
		Sessions:             auth,
		Access:               auth,
		SessionCookie:        cookies.SessionName,
		CORSOrigins:          cfg.AllowedOrigins(),
		AuthRateLimitRPM:     cfg.AuthRateLimitRPM,
		APIRateLimitRPM:      cfg.APIRateLimitRPM,
		GlobalRateLimiter:    limiters.global,
		AuthRateLimiter:      limiters.auth,
		PrincipalRateLimiter: limiters.principal,
		LoginRateLimiter:     limiters.login,
		Readiness:            readiness,
		EnableOTelHTTP:       cfg.OTELTracingEnabled || cfg.OTELMetricsEnabled,
	})
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func provideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	rt *observability.Runtime,
	db *gorm.DB,
	rdb redis.UniversalClient,
	sweeper *service.SessionSweeper,
	readiness *health.ProbeRunner,
) *app.App {
	return app.New(cfg, logger, server, rt, db, rdb, sweeper, readiness, nil)
}

func provideContainer(a *app.App, auth *service.AuthService, db *gorm.DB) *Container {
	return &Container{App: a, Auth: auth, DB: db}
}
