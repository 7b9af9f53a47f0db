package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecordersAreNoopsBeforeInit(t *testing.T) {
	metricsMu.Lock()
	prev := appMetrics
	appMetrics = nil
	metricsMu.Unlock()
	t.Cleanup(func() {
		metricsMu.Lock()
		appMetrics = prev
		metricsMu.Unlock()
	})

	RecordAuthLogin(context.Background(), "success")
	RecordRepositoryOperation(context.Background(), "principal", "create", "success")
	RecordRateLimitRetryAfter(context.Background(), "auth", "window", time.Second)
}

func TestRecordRepositoryOperationExportsAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	metricsMu.Lock()
	prev := appMetrics
	appMetrics = m
	metricsMu.Unlock()
	t.Cleanup(func() {
		metricsMu.Lock()
		appMetrics = prev
		metricsMu.Unlock()
	})

	ctx := context.Background()
	RecordRepositoryOperation(ctx, "session", "touch", "success")
	RecordRepositoryOperation(ctx, "session", "touch", "success")
	RecordAccessCheck(ctx, "active_grant", true)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "repository.operations" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", metric.Data)
			}
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(attribute.Key("operation"))
				if op.AsString() == "touch" && dp.Value == 2 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("expected repository.operations touch datapoint with value 2")
	}
}
