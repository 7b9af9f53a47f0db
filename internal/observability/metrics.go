package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/myeline/careauth/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/myeline/careauth"

type AppMetrics struct {
	authLoginCounter        metric.Int64Counter
	authRegisterCounter     metric.Int64Counter
	authVerifyCounter       metric.Int64Counter
	authLogoutCounter       metric.Int64Counter
	sessionValidation       metric.Int64Counter
	sessionSweepCounter     metric.Int64Counter
	accessCheckCounter      metric.Int64Counter
	grantMutationCounter    metric.Int64Counter
	repositoryOpCounter     metric.Int64Counter
	rateLimitCounter        metric.Int64Counter
	rateLimitRetryAfterHist metric.Float64Histogram
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	var (
		m   AppMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.authLoginCounter, "auth.login.attempts"},
		{&m.authRegisterCounter, "auth.register.attempts"},
		{&m.authVerifyCounter, "auth.verify.attempts"},
		{&m.authLogoutCounter, "auth.logout.attempts"},
		{&m.sessionValidation, "session.validations"},
		{&m.sessionSweepCounter, "session.sweep.deleted"},
		{&m.accessCheckCounter, "access.checks"},
		{&m.grantMutationCounter, "grant.mutations"},
		{&m.repositoryOpCounter, "repository.operations"},
		{&m.rateLimitCounter, "http.rate_limit.decisions"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name); err != nil {
			return nil, err
		}
	}
	m.rateLimitRetryAfterHist, err = meter.Float64Histogram("http.rate_limit.retry_after", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func currentMetrics() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAuthLogin(ctx context.Context, outcome string) {
	if m := currentMetrics(); m != nil {
		m.authLoginCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func RecordAuthRegister(ctx context.Context, outcome string) {
	if m := currentMetrics(); m != nil {
		m.authRegisterCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func RecordAuthVerify(ctx context.Context, outcome string) {
	if m := currentMetrics(); m != nil {
		m.authVerifyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func RecordAuthLogout(ctx context.Context, outcome string) {
	if m := currentMetrics(); m != nil {
		m.authLogoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func RecordSessionValidation(ctx context.Context, outcome, source string) {
	if m := currentMetrics(); m != nil {
		m.sessionValidation.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("source", source),
		))
	}
}

func RecordSessionSweep(ctx context.Context, deleted int64) {
	if m := currentMetrics(); m != nil && deleted > 0 {
		m.sessionSweepCounter.Add(ctx, deleted)
	}
}

func RecordAccessCheck(ctx context.Context, rule string, allowed bool) {
	if m := currentMetrics(); m != nil {
		m.accessCheckCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", rule),
			attribute.Bool("allowed", allowed),
		))
	}
}

func RecordGrantMutation(ctx context.Context, action, outcome string) {
	if m := currentMetrics(); m != nil {
		m.grantMutationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordRepositoryOperation(ctx context.Context, repository, operation, outcome string) {
	if m := currentMetrics(); m != nil {
		m.repositoryOpCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("repository", repository),
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome, mode, keyType string) {
	if m := currentMetrics(); m != nil {
		m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
			attribute.String("mode", mode),
			attribute.String("key_type", keyType),
		))
	}
}

func RecordRateLimitRetryAfter(ctx context.Context, scope, reason string, retryAfter time.Duration) {
	if m := currentMetrics(); m != nil {
		m.rateLimitRetryAfterHist.Record(ctx, retryAfter.Seconds(), metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("reason", reason),
		))
	}
}
