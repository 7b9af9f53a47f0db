package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	errLoad     = errors.New("load config")
	errParse    = errors.New("parse config")
	errValidate = errors.New("validate config")
)

type loadInstruments struct {
	loads      metric.Int64Counter
	violations metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	instruments     loadInstruments
)

// recordLoad counts one Load call per deployment profile and, for a config
// that failed validation, how many rules it broke.
func recordLoad(ctx context.Context, profile string, err error) {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("careauth/config")
		instruments.loads, _ = meter.Int64Counter("config.load.events")
		instruments.violations, _ = meter.Int64Counter("config.validation.violations")
	})
	class, broken := classifyLoadError(err)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("profile", profileLabel(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", class),
	)
	if instruments.loads != nil {
		instruments.loads.Add(ctx, 1, attrs)
	}
	if broken > 0 && instruments.violations != nil {
		instruments.violations.Add(ctx, int64(broken), attrs)
	}
}

func profileLabel(profile string) string {
	v := strings.TrimSpace(strings.ToLower(profile))
	if v == "" {
		return "unknown"
	}
	return v
}

// classifyLoadError names the stage that failed. Validation failures also
// report the number of joined rule errors.
func classifyLoadError(err error) (string, int) {
	switch {
	case err == nil:
		return "none", 0
	case errors.Is(err, errValidate):
		return "validation", countViolations(err)
	case errors.Is(err, errParse):
		return "parse", 0
	default:
		return "load", 0
	}
}

func countViolations(err error) int {
	multi, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return 1
	}
	n := 0
	for _, e := range multi.Unwrap() {
		if e != errValidate {
			n += countViolations(e)
		}
	}
	return n
}
