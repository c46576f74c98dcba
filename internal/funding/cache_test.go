package funding

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/observability"
)

func newTestCache(t *testing.T) (*Cache, *clock.Fake, *observability.Diagnostics) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	diag := observability.NewDiagnostics(32)
	t.Cleanup(diag.Close)
	cache := NewCache(config.FundingConfig{MaxRatePerHour: 0.001, TTL: time.Hour}, fake, diag, nil)
	return cache, fake, diag
}

func TestIngestWithinBoundStores(t *testing.T) {
	cache, _, _ := newTestCache(t)

	// 0.1% per hour over an 8h interval allows up to 0.8%.
	err := cache.Ingest(context.Background(), Sample{
		Symbol:   "BTCUSDT",
		Rate:     decimal.RequireFromString("0.0005"),
		Interval: 8 * time.Hour,
	}, PolicyReject)
	require.NoError(t, err)

	rate, err := cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, rate.Rate.Equal(decimal.RequireFromString("0.0005")))
	require.False(t, rate.Stale)
	require.False(t, rate.Clamped)
}

func TestIngestRejectKeepsPriorValue(t *testing.T) {
	cache, _, diag := newTestCache(t)

	require.NoError(t, cache.Ingest(context.Background(), Sample{
		Symbol:   "BTCUSDT",
		Rate:     decimal.RequireFromString("0.0005"),
		Interval: 8 * time.Hour,
	}, PolicyReject))

	err := cache.Ingest(context.Background(), Sample{
		Symbol:   "BTCUSDT",
		Rate:     decimal.RequireFromString("0.05"),
		Interval: 8 * time.Hour,
	}, PolicyReject)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	rate, getErr := cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, getErr)
	require.True(t, rate.Rate.Equal(decimal.RequireFromString("0.0005")))

	events := diag.Drain()
	require.NotEmpty(t, events)
	require.Equal(t, observability.DiagSampleRejected, events[len(events)-1].Kind)
}

func TestIngestClampStoresBoundedValue(t *testing.T) {
	cache, _, diag := newTestCache(t)

	require.NoError(t, cache.Ingest(context.Background(), Sample{
		Symbol:   "ETHUSDT",
		Rate:     decimal.RequireFromString("-0.05"),
		Interval: 8 * time.Hour,
	}, PolicyClamp))

	rate, err := cache.Get(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.True(t, rate.Rate.Equal(decimal.RequireFromString("-0.008")))
	require.True(t, rate.Clamped)

	events := diag.Drain()
	require.NotEmpty(t, events)
	require.Equal(t, observability.DiagSampleClamped, events[len(events)-1].Kind)
}

func TestBoundScalesWithInterval(t *testing.T) {
	cache, _, _ := newTestCache(t)
	require.True(t, cache.Bound(time.Hour).Equal(decimal.RequireFromString("0.001")))
	require.True(t, cache.Bound(8*time.Hour).Equal(decimal.RequireFromString("0.008")))

	// 0.002 passes for 8h but breaches the 1h bound.
	require.NoError(t, cache.Ingest(context.Background(), Sample{
		Symbol:   "BTCUSDT",
		Rate:     decimal.RequireFromString("0.002"),
		Interval: 8 * time.Hour,
	}, PolicyReject))
	err := cache.Ingest(context.Background(), Sample{
		Symbol:   "SOLUSDT",
		Rate:     decimal.RequireFromString("0.002"),
		Interval: time.Hour,
	}, PolicyReject)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestGetFlagsStaleAfterTTL(t *testing.T) {
	cache, fake, _ := newTestCache(t)

	require.NoError(t, cache.Ingest(context.Background(), Sample{
		Symbol:   "BTCUSDT",
		Rate:     decimal.RequireFromString("0.0001"),
		Interval: 8 * time.Hour,
	}, PolicyReject))

	rate, err := cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.False(t, rate.Stale)

	fake.Advance(2 * time.Hour)
	rate, err = cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, rate.Stale)
	require.True(t, rate.Rate.Equal(decimal.RequireFromString("0.0001")))
}

func TestGetUnknownSymbolNotFound(t *testing.T) {
	cache, _, _ := newTestCache(t)
	_, err := cache.Get(context.Background(), "XRPUSDT")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestIngestDiscardsOlderObservation(t *testing.T) {
	cache, fake, _ := newTestCache(t)
	now := fake.Now()

	require.NoError(t, cache.Ingest(context.Background(), Sample{
		Symbol:     "BTCUSDT",
		Rate:       decimal.RequireFromString("0.0002"),
		Interval:   8 * time.Hour,
		ObservedAt: now,
	}, PolicyReject))
	require.NoError(t, cache.Ingest(context.Background(), Sample{
		Symbol:     "BTCUSDT",
		Rate:       decimal.RequireFromString("0.0001"),
		Interval:   8 * time.Hour,
		ObservedAt: now.Add(-time.Minute),
	}, PolicyReject))

	rate, err := cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, rate.Rate.Equal(decimal.RequireFromString("0.0002")))
}
