package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/balance"
	"github.com/ferrixlabs/mooring/internal/exchange"
	"github.com/ferrixlabs/mooring/internal/funding"
	"github.com/ferrixlabs/mooring/internal/orders"
	"github.com/ferrixlabs/mooring/internal/stream"
)

type fakeExchange struct {
	balanceCalls  atomic.Int64
	snapshotCalls atomic.Int64
	fills         []orders.FillEvent
	fundingRate   decimal.Decimal
	snapshot      orders.OrderRecord
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (orders.OrderRecord, error) {
	return orders.OrderRecord{
		OrderID:       "o1",
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        orders.StatusNew,
	}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (f *fakeExchange) OrderSnapshot(ctx context.Context, symbol, orderID string) (orders.OrderRecord, error) {
	f.snapshotCalls.Add(1)
	if f.snapshot.OrderID == "" {
		return orders.OrderRecord{}, errs.New("fake", errs.CodeNotFound)
	}
	return f.snapshot, nil
}

func (f *fakeExchange) WalletBalance(ctx context.Context, asset string) (balance.Balance, error) {
	f.balanceCalls.Add(1)
	return balance.Balance{Asset: asset, Total: decimal.RequireFromString("100")}, nil
}

func (f *fakeExchange) FundingRate(ctx context.Context, symbol string) (funding.Sample, error) {
	return funding.Sample{Symbol: symbol, Rate: f.fundingRate, Interval: 8 * time.Hour}, nil
}

func (f *fakeExchange) Executions(ctx context.Context, symbol string, limit int) ([]orders.FillEvent, error) {
	return f.fills, nil
}

func newTestCore(t *testing.T, exch exchange.Exchange) *Core {
	t.Helper()
	cfg := config.Default()
	c := New(cfg, Options{Exchange: exch})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestPlaceOrderRegistersRecord(t *testing.T) {
	c := newTestCore(t, &fakeExchange{})

	rec, err := c.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      "Buy",
		OrderType: "Limit",
		Quantity:  decimal.RequireFromString("1"),
		Price:     decimal.RequireFromString("50000"),
	})
	require.NoError(t, err)

	tracked, err := c.OrderStatus(rec.OrderID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusNew, tracked.Status)
	require.Equal(t, "BTCUSDT", tracked.Symbol)
}

func TestBalanceCachesFetches(t *testing.T) {
	exch := &fakeExchange{}
	c := newTestCore(t, exch)

	_, err := c.Balance(context.Background(), "USDT", false)
	require.NoError(t, err)
	_, err = c.Balance(context.Background(), "USDT", false)
	require.NoError(t, err)
	require.EqualValues(t, 1, exch.balanceCalls.Load())

	_, err = c.Balance(context.Background(), "USDT", true)
	require.NoError(t, err)
	require.EqualValues(t, 2, exch.balanceCalls.Load())
}

func TestSeedAppliesFillsAndFunding(t *testing.T) {
	exch := &fakeExchange{
		fundingRate: decimal.RequireFromString("0.0001"),
		fills: []orders.FillEvent{
			{OrderID: "o1", FillID: "e1", Symbol: "BTCUSDT", Quantity: decimal.RequireFromString("0.5"), Price: decimal.RequireFromString("50000"), Seq: 1},
			{OrderID: "o1", FillID: "e1", Symbol: "BTCUSDT", Quantity: decimal.RequireFromString("0.5"), Price: decimal.RequireFromString("50000"), Seq: 1},
		},
	}
	c := newTestCore(t, exch)

	require.NoError(t, c.Seed(context.Background(), []string{"BTCUSDT"}, 100))

	rec, err := c.OrderStatus("o1")
	require.NoError(t, err)
	require.True(t, rec.FilledQuantity.Equal(decimal.RequireFromString("0.5")))

	rate, err := c.FundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, rate.Rate.Equal(decimal.RequireFromString("0.0001")))
}

func TestSubscribeWithoutStreamUnavailable(t *testing.T) {
	c := newTestCore(t, &fakeExchange{})
	err := c.SubscribePublic(stream.Subscription{Channel: "tickers", Symbol: "BTCUSDT"})
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}
