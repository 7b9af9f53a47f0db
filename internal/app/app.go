package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/myeline/careauth/internal/config"
	"github.com/myeline/careauth/internal/health"
	"github.com/myeline/careauth/internal/observability"
	"github.com/myeline/careauth/internal/service"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	DB            *gorm.DB
	Redis         redis.UniversalClient
	Sweeper       *service.SessionSweeper
	Readiness     *health.ProbeRunner

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	stopBackground func()
}

func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	db *gorm.DB,
	redisClient redis.UniversalClient,
	sweeper *service.SessionSweeper,
	readiness *health.ProbeRunner,
	stop func(),
) *App {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:         cfg,
		Logger:         logger,
		Server:         server,
		Observability:  runtime,
		DB:             db,
		Redis:          redisClient,
		Sweeper:        sweeper,
		Readiness:      readiness,
		stopBackground: stop,
	}
	if cfg != nil {
		a.ShutdownTimeout = cfg.ShutdownTimeout
		a.ShutdownHTTPDrainTimeout = cfg.ShutdownHTTPDrainTimeout
		a.ShutdownObservabilityTimeout = cfg.ShutdownObservabilityTimeout
	}
	return a
}

// Run serves HTTP and runs the session sweeper until ctx is cancelled or the
// server fails, then shuts everything down in dependency order.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server starting", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.Sweeper.Enabled() {
		g.Go(func() error { return a.Sweeper.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	if a.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.ShutdownTimeout)
		defer cancel()
	}
	start := time.Now()
	a.Logger.Info("shutdown started")

	var errs []error
	drainCtx, cancelDrain := withOptionalTimeout(ctx, a.ShutdownHTTPDrainTimeout)
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain http: %w", err))
	}
	cancelDrain()

	a.StopBackgroundTasks()

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database: %w", err))
			}
		}
	}

	obsCtx, cancelObs := withOptionalTimeout(ctx, a.ShutdownObservabilityTimeout)
	if err := a.Observability.Shutdown(obsCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}
	cancelObs()

	err := errors.Join(errs...)
	if err != nil {
		a.Logger.Error("shutdown finished with errors", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	a.Logger.Info("shutdown complete", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (a *App) StopBackgroundTasks() {
	if a.stopBackground != nil {
		a.stopBackground()
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
