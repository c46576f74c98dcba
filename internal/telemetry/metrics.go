// Package telemetry defines the metric instrument set recorded by the core.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments groups the counters recorded across the connectivity core.
type Instruments struct {
	reconnects      metric.Int64Counter
	backoffs        metric.Int64Counter
	eventsDiscarded metric.Int64Counter
	samplesRejected metric.Int64Counter
	samplesClamped  metric.Int64Counter
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	restCalls       metric.Int64Counter
}

// NewInstruments registers the Mooring instrument set on the provided meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("mooring")
	}
	inst := new(Instruments)
	var err error

	if inst.reconnects, err = meter.Int64Counter("mooring.stream.reconnects",
		metric.WithDescription("Stream reconnection attempts")); err != nil {
		return nil, fmt.Errorf("register reconnects counter: %w", err)
	}
	if inst.backoffs, err = meter.Int64Counter("mooring.governor.backoffs",
		metric.WithDescription("Server-side rate-limit backoff activations")); err != nil {
		return nil, fmt.Errorf("register backoffs counter: %w", err)
	}
	if inst.eventsDiscarded, err = meter.Int64Counter("mooring.orders.events_discarded",
		metric.WithDescription("Order events discarded as duplicate, stale, or inconsistent")); err != nil {
		return nil, fmt.Errorf("register discarded counter: %w", err)
	}
	if inst.samplesRejected, err = meter.Int64Counter("mooring.funding.samples_rejected",
		metric.WithDescription("Funding samples rejected by the bound check")); err != nil {
		return nil, fmt.Errorf("register rejected counter: %w", err)
	}
	if inst.samplesClamped, err = meter.Int64Counter("mooring.funding.samples_clamped",
		metric.WithDescription("Funding samples stored bound-limited")); err != nil {
		return nil, fmt.Errorf("register clamped counter: %w", err)
	}
	if inst.cacheHits, err = meter.Int64Counter("mooring.cache.hits",
		metric.WithDescription("Cache reads served without a fetch")); err != nil {
		return nil, fmt.Errorf("register cache hits counter: %w", err)
	}
	if inst.cacheMisses, err = meter.Int64Counter("mooring.cache.misses",
		metric.WithDescription("Cache reads requiring an upstream fetch")); err != nil {
		return nil, fmt.Errorf("register cache misses counter: %w", err)
	}
	if inst.restCalls, err = meter.Int64Counter("mooring.rest.calls",
		metric.WithDescription("REST calls admitted through the governor")); err != nil {
		return nil, fmt.Errorf("register rest calls counter: %w", err)
	}
	return inst, nil
}

// Reconnect records a reconnection attempt for the named stream.
func (i *Instruments) Reconnect(ctx context.Context, stream string) {
	if i == nil {
		return
	}
	i.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

// Backoff records a backoff activation for the endpoint group.
func (i *Instruments) Backoff(ctx context.Context, endpoint string) {
	if i == nil {
		return
	}
	i.backoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// EventDiscarded records a discarded order event.
func (i *Instruments) EventDiscarded(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.eventsDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SampleRejected records a rejected funding sample.
func (i *Instruments) SampleRejected(ctx context.Context, symbol string) {
	if i == nil {
		return
	}
	i.samplesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// SampleClamped records a clamped funding sample.
func (i *Instruments) SampleClamped(ctx context.Context, symbol string) {
	if i == nil {
		return
	}
	i.samplesClamped.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// CacheHit records a cache read served locally.
func (i *Instruments) CacheHit(ctx context.Context, cache string) {
	if i == nil {
		return
	}
	i.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

// CacheMiss records a cache read requiring a fetch.
func (i *Instruments) CacheMiss(ctx context.Context, cache string) {
	if i == nil {
		return
	}
	i.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", cache)))
}

// RESTCall records an admitted REST call for the endpoint group.
func (i *Instruments) RESTCall(ctx context.Context, endpoint string) {
	if i == nil {
		return
	}
	i.restCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}
