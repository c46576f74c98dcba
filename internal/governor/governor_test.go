package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/observability"
)

func testConfig() config.GovernorConfig {
	return config.GovernorConfig{
		Budgets: []config.EndpointBudget{
			{Name: "place-order", Capacity: 2, Window: 200 * time.Millisecond},
		},
		BackoffBase:     time.Second,
		BackoffCap:      300 * time.Second,
		DefaultCapacity: 5,
		DefaultWindow:   time.Second,
	}
}

func TestAcquireWithinBudgetIsImmediate(t *testing.T) {
	g := New(testConfig(), nil, nil, nil)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, g.Acquire(ctx, "place-order", 1))
	require.NoError(t, g.Acquire(ctx, "place-order", 1))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireBeyondBudgetWaitsForRefill(t *testing.T) {
	g := New(testConfig(), nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "place-order", 1))
	require.NoError(t, g.Acquire(ctx, "place-order", 1))

	// Budget exhausted; the third call must wait at least one token refill
	// (window / capacity = 100ms).
	start := time.Now()
	require.NoError(t, g.Acquire(ctx, "place-order", 1))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestAcquireDeadlineExpiresWithTimeout(t *testing.T) {
	g := New(testConfig(), nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, "place-order", 2))

	deadlineCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(deadlineCtx, "place-order", 2)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeTimeout))
}

func TestAcquireWeightAboveCapacity(t *testing.T) {
	g := New(testConfig(), nil, nil, nil)
	err := g.Acquire(context.Background(), "place-order", 3)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestBackoffDelaySequence(t *testing.T) {
	base := time.Second
	ceiling := 300 * time.Second
	require.Equal(t, time.Second, BackoffDelay(base, ceiling, 0))
	require.Equal(t, 2*time.Second, BackoffDelay(base, ceiling, 1))
	require.Equal(t, 4*time.Second, BackoffDelay(base, ceiling, 2))
	require.Equal(t, 256*time.Second, BackoffDelay(base, ceiling, 8))
	require.Equal(t, ceiling, BackoffDelay(base, ceiling, 9))
	require.Equal(t, ceiling, BackoffDelay(base, ceiling, 40))
}

func TestConsecutiveRateLimitsGrowBackoff(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	diag := observability.NewDiagnostics(16)
	defer diag.Close()
	g := New(testConfig(), fake, diag, nil)
	ctx := context.Background()

	require.Equal(t, 2*time.Second, g.ReportRateLimited(ctx, "place-order"))
	require.Equal(t, 4*time.Second, g.ReportRateLimited(ctx, "place-order"))
	require.Equal(t, 8*time.Second, g.ReportRateLimited(ctx, "place-order"))
	require.Equal(t, 3, g.Attempts("place-order"))

	g.ReportSuccess("place-order")
	require.Zero(t, g.Attempts("place-order"))
	require.Equal(t, 2*time.Second, g.ReportRateLimited(ctx, "place-order"))

	require.NotZero(t, diag.Len())
}

func TestAcquireQueuedDuringBackoffWindow(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	g := New(testConfig(), fake, nil, nil)
	ctx := context.Background()

	g.ReportRateLimited(ctx, "place-order")

	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(ctx, "place-order", 1)
	}()

	select {
	case err := <-done:
		t.Fatalf("acquire finished during backoff window: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	fake.Advance(3 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after backoff elapsed")
	}
}

func TestAcquireBackoffDeadlineTimesOut(t *testing.T) {
	fake := clock.NewFake(time.Unix(1000, 0))
	g := New(testConfig(), fake, nil, nil)

	g.ReportRateLimited(context.Background(), "place-order")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, "place-order", 1)
	require.True(t, errs.HasCode(err, errs.CodeTimeout))
}

func TestDoRetriesRateLimitedCalls(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffBase = time.Millisecond
	g := New(cfg, nil, nil, nil)

	var calls int
	err := g.Do(context.Background(), "place-order", 1, func(context.Context) error {
		calls++
		if calls < 2 {
			return errs.New("bybit/rest", errs.CodeRateLimited, errs.WithRawCode("10006"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Zero(t, g.Attempts("place-order"))
}

func TestDoStopsOnFatalError(t *testing.T) {
	g := New(testConfig(), nil, nil, nil)

	var calls int
	err := g.Do(context.Background(), "place-order", 1, func(context.Context) error {
		calls++
		return errs.New("bybit/rest", errs.CodeAuth)
	})
	require.True(t, errs.HasCode(err, errs.CodeAuth))
	require.Equal(t, 1, calls)
}

func TestNoAdmissionAboveCapacityWithinWindow(t *testing.T) {
	g := New(testConfig(), nil, nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	admitted := make([]time.Time, 0, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(ctx, "place-order", 1); err == nil {
				mu.Lock()
				admitted = append(admitted, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, admitted, 4)
	// At most the burst capacity (2) may land inside any 200ms window.
	for i := range admitted {
		var inWindow int
		for j := range admitted {
			delta := admitted[j].Sub(admitted[i])
			if delta >= 0 && delta < 190*time.Millisecond {
				inWindow++
			}
		}
		require.LessOrEqual(t, inWindow, 3)
	}
}
