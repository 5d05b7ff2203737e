package propozal

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/chisabyte/PropozalApp-sub001/internal/propozal"

// instruments are resolved from the global providers, which are no-ops until
// telemetry.Setup installs real ones.
type instruments struct {
	tracer      trace.Tracer
	events      metric.Int64Counter
	transitions metric.Int64Counter
	deliveries  metric.Int64Counter
	limited     metric.Int64Counter
}

func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	return &instruments{
		tracer: otel.Tracer(instrumentationName),
		events: int64Counter(meter, "propozal.engagement.events",
			"Engagement events merged into sessions", "{event}"),
		transitions: int64Counter(meter, "propozal.lifecycle.transitions",
			"Proposal status transitions", "{transition}"),
		deliveries: int64Counter(meter, "propozal.webhook.deliveries",
			"Logical webhook deliveries, by outcome", "{delivery}"),
		limited: int64Counter(meter, "propozal.limits.denied",
			"Requests denied by rate or quota limits", "{request}"),
	}
}

func int64Counter(meter metric.Meter, name, description, unit string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err != nil {
		return noop.Int64Counter{}
	}
	return counter
}

func (i *instruments) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
