package health

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type instruments struct {
	calls       metric.Int64Counter
	latency     metric.Float64Histogram
	transitions metric.Int64Counter
}

func newInstruments(meter metric.Meter) instruments {
	var in instruments
	var err error

	in.calls, err = meter.Int64Counter("mnemos.dependency.calls",
		metric.WithDescription("Calls made through the dependency breaker, by outcome"))
	if err != nil {
		in.calls = noop.Int64Counter{}
	}
	in.latency, err = meter.Float64Histogram("mnemos.dependency.latency",
		metric.WithDescription("Latency of successful dependency calls"),
		metric.WithUnit("ms"))
	if err != nil {
		in.latency = noop.Float64Histogram{}
	}
	in.transitions, err = meter.Int64Counter("mnemos.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	if err != nil {
		in.transitions = noop.Int64Counter{}
	}
	return in
}

func (in instruments) recordCall(name, outcome string) {
	in.calls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("dependency", name),
		attribute.String("outcome", outcome),
	))
}

func (in instruments) recordLatency(name string, ms float64) {
	in.latency.Record(context.Background(), ms, metric.WithAttributes(
		attribute.String("dependency", name),
	))
}

func (in instruments) recordTransition(name string, to State) {
	in.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("dependency", name),
		attribute.String("to", string(to)),
	))
}
