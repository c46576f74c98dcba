// Package dispatch drains streamed exchange events into the order tracker
// and funding cache through one bounded queue.
package dispatch

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/ferrixlabs/mooring/internal/funding"
	"github.com/ferrixlabs/mooring/internal/observability"
	"github.com/ferrixlabs/mooring/internal/orders"
	"github.com/ferrixlabs/mooring/internal/telemetry"
)

// Event is one routed stream payload. Exactly one field is set.
type Event struct {
	Fill    *orders.FillEvent
	Status  *orders.StatusUpdate
	Funding *funding.Sample
	// FundingPolicy applies when Funding is set.
	FundingPolicy funding.Policy
}

// Dispatcher owns the event queue. Connection readers publish; a single
// drainer applies events in arrival order, which preserves per-order
// sequencing without a global lock.
type Dispatcher struct {
	queue   chan Event
	tracker *orders.Tracker
	rates   *funding.Cache
	diag    *observability.Diagnostics
	inst    *telemetry.Instruments

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewDispatcher builds a dispatcher with the given queue capacity.
func NewDispatcher(queueSize int, tracker *orders.Tracker, rates *funding.Cache, diag *observability.Diagnostics, inst *telemetry.Instruments) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		queue:   make(chan Event, queueSize),
		tracker: tracker,
		rates:   rates,
		diag:    diag,
		inst:    inst,
	}
}

// Start launches the drainer. It runs until Stop or context cancellation.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() { d.run(runCtx) })
}

// Stop cancels the drainer and waits for it to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Publish enqueues one event without blocking the connection reader. A full
// queue drops the event, which is recorded in diagnostics; the sequence
// check downstream treats the loss as a gap and re-syncs over REST.
func (d *Dispatcher) Publish(ctx context.Context, event Event) bool {
	select {
	case d.queue <- event:
		return true
	default:
	}
	if d.diag != nil {
		d.diag.Record(observability.DiagnosticEvent{
			Kind:     observability.DiagEventDropped,
			Scope:    "dispatch",
			Metadata: map[string]any{"queueLen": len(d.queue)},
		})
	}
	d.inst.EventDiscarded(ctx, "queue_full")
	observability.Log().Warn("dispatch queue full, event dropped")
	return false
}

// Depth returns the current queue occupancy.
func (d *Dispatcher) Depth() int { return len(d.queue) }

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.apply(ctx, event)
		}
	}
}

func (d *Dispatcher) apply(ctx context.Context, event Event) {
	switch {
	case event.Fill != nil:
		if err := d.tracker.ApplyFill(ctx, *event.Fill); err != nil {
			observability.Log().Warn("fill discarded",
				observability.F("orderId", event.Fill.OrderID),
				observability.F("error", err.Error()))
		}
	case event.Status != nil:
		d.tracker.ApplyStatus(ctx, *event.Status)
	case event.Funding != nil:
		if err := d.rates.Ingest(ctx, *event.Funding, event.FundingPolicy); err != nil {
			observability.Log().Warn("funding sample discarded",
				observability.F("symbol", event.Funding.Symbol),
				observability.F("error", err.Error()))
		}
	}
}
