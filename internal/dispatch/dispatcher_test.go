package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/internal/funding"
	"github.com/ferrixlabs/mooring/internal/observability"
	"github.com/ferrixlabs/mooring/internal/orders"
)

func newFixture(t *testing.T, queueSize int) (*Dispatcher, *orders.Tracker, *funding.Cache, *observability.Diagnostics) {
	t.Helper()
	diag := observability.NewDiagnostics(32)
	t.Cleanup(diag.Close)
	tracker := orders.NewTracker(config.OrdersConfig{TerminalGrace: time.Minute}, nil, diag, nil, nil)
	rates := funding.NewCache(config.FundingConfig{MaxRatePerHour: 0.001, TTL: time.Hour}, nil, diag, nil)
	d := NewDispatcher(queueSize, tracker, rates, diag, nil)
	return d, tracker, rates, diag
}

func TestDispatcherRoutesEventsInOrder(t *testing.T) {
	d, tracker, rates, _ := newFixture(t, 16)
	d.Start(context.Background())
	defer d.Stop()

	qty := decimal.RequireFromString("1")
	tracker.ApplySnapshot(context.Background(), orders.OrderRecord{
		OrderID: "o1", Quantity: qty.Mul(decimal.New(2, 0)), Status: orders.StatusOpen, LastSeq: 1,
	})

	require.True(t, d.Publish(context.Background(), Event{Fill: &orders.FillEvent{
		OrderID: "o1", FillID: "f1", Quantity: qty, Price: decimal.RequireFromString("50000"), Seq: 2,
	}}))
	require.True(t, d.Publish(context.Background(), Event{Status: &orders.StatusUpdate{
		OrderID: "o1", Status: orders.StatusCancelled, Seq: 3,
	}}))
	require.True(t, d.Publish(context.Background(), Event{
		Funding:       &funding.Sample{Symbol: "BTCUSDT", Rate: decimal.RequireFromString("0.0001"), Interval: 8 * time.Hour},
		FundingPolicy: funding.PolicyReject,
	}))

	require.Eventually(t, func() bool {
		rec, err := tracker.Status("o1")
		return err == nil && rec.Status == orders.StatusCancelled
	}, time.Second, time.Millisecond)

	rec, err := tracker.Status("o1")
	require.NoError(t, err)
	require.True(t, rec.FilledQuantity.Equal(qty))

	require.Eventually(t, func() bool {
		_, err := rates.Get(context.Background(), "BTCUSDT")
		return err == nil
	}, time.Second, time.Millisecond)
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	d, _, _, diag := newFixture(t, 1)
	// Drainer not started: the queue fills and the second publish drops.

	ok := d.Publish(context.Background(), Event{Status: &orders.StatusUpdate{OrderID: "o1", Status: orders.StatusOpen, Seq: 1}})
	require.True(t, ok)
	ok = d.Publish(context.Background(), Event{Status: &orders.StatusUpdate{OrderID: "o1", Status: orders.StatusOpen, Seq: 2}})
	require.False(t, ok)

	events := diag.Drain()
	require.NotEmpty(t, events)
	require.Equal(t, observability.DiagEventDropped, events[len(events)-1].Kind)
	require.Equal(t, 1, d.Depth())
}

func TestStopWaitsForDrainer(t *testing.T) {
	d, tracker, _, _ := newFixture(t, 16)
	d.Start(context.Background())

	require.True(t, d.Publish(context.Background(), Event{Status: &orders.StatusUpdate{
		OrderID: "o2", Status: orders.StatusOpen, Seq: 1,
	}}))
	require.Eventually(t, func() bool { return tracker.Len() == 1 }, time.Second, time.Millisecond)

	d.Stop()
	// After Stop, publishes enqueue but nothing drains.
	d.Publish(context.Background(), Event{Status: &orders.StatusUpdate{OrderID: "o3", Status: orders.StatusOpen, Seq: 1}})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, tracker.Len())
}
