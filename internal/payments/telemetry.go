package payments

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "finitefield.org/storefront/internal/payments"

var tracer = otel.Tracer(instrumentationName)

type metrics struct {
	loads       metric.Int64Counter
	resolutions metric.Int64Counter
}

// newMetrics registers the payment instruments on the meter. Instruments that
// fail to register are left nil and skipped when recording.
func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	m := &metrics{}
	if counter, err := meter.Int64Counter(
		"payments.script.loads",
		metric.WithDescription("Count of gateway script load attempts by result"),
	); err == nil {
		m.loads = counter
	}
	if counter, err := meter.Int64Counter(
		"payments.session.resolutions",
		metric.WithDescription("Count of payment sessions resolved by status"),
	); err == nil {
		m.resolutions = counter
	}
	return m
}

func (m *metrics) scriptLoad(ctx context.Context, provider string, ok bool) {
	if m == nil || m.loads == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.loads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}

func (m *metrics) sessionResolved(ctx context.Context, provider string, status Status) {
	if m == nil || m.resolutions == nil {
		return
	}
	m.resolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", string(status)),
	))
}
