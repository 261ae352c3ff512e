package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/scrypster/mnemos/internal/engine"

type instruments struct {
	writes   metric.Int64Counter
	searches metric.Int64Counter
}

func newInstruments(meter metric.Meter) instruments {
	var in instruments
	var err error

	in.writes, err = meter.Int64Counter("mnemos.memory.writes",
		metric.WithDescription("Memories written, by the store that accepted them"))
	if err != nil {
		in.writes = noop.Int64Counter{}
	}
	in.searches, err = meter.Int64Counter("mnemos.memory.searches",
		metric.WithDescription("Memory searches, by whether the primary store contributed"))
	if err != nil {
		in.searches = noop.Int64Counter{}
	}
	return in
}

func (in instruments) recordWrite(ctx context.Context, residency string) {
	in.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("residency", residency)))
}

func (in instruments) recordSearch(ctx context.Context, primaryAvailable bool) {
	in.searches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("primary_available", primaryAvailable)))
}
