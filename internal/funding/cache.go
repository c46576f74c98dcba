// Package funding caches validated funding-rate samples per symbol.
package funding

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/observability"
	"github.com/ferrixlabs/mooring/internal/telemetry"
)

// Policy decides what happens to a sample that breaches the validation bound.
type Policy int

const (
	// PolicyReject drops the out-of-bound sample and keeps the prior value.
	// Required wherever the rate feeds a decision with financial consequence.
	PolicyReject Policy = iota
	// PolicyClamp stores the bound-limited value. Acceptable for display
	// and continuous estimates only.
	PolicyClamp
)

// Sample is one raw funding-rate observation from the exchange.
type Sample struct {
	Symbol string
	// Rate is the funding rate as a fraction for one funding interval.
	Rate decimal.Decimal
	// Interval is the funding interval the rate applies to (commonly 8h).
	Interval   time.Duration
	ObservedAt time.Time
}

// Rate is a cached, validated funding rate.
type Rate struct {
	Symbol     string
	Rate       decimal.Decimal
	Interval   time.Duration
	ObservedAt time.Time
	// Clamped marks a value that was bound-limited at ingestion.
	Clamped bool
	// Stale marks an entry older than the cache TTL. The value is still the
	// last known one; refetching is the caller's call.
	Stale bool
}

// Cache validates and stores the latest funding rate per symbol.
type Cache struct {
	cfg  config.FundingConfig
	clk  clock.Clock
	diag *observability.Diagnostics
	inst *telemetry.Instruments

	mu      sync.RWMutex
	entries map[string]Rate
}

// NewCache builds a funding-rate cache.
func NewCache(cfg config.FundingConfig, clk clock.Clock, diag *observability.Diagnostics, inst *telemetry.Instruments) *Cache {
	if clk == nil {
		clk = clock.System()
	}
	if cfg.MaxRatePerHour <= 0 {
		cfg.MaxRatePerHour = 0.001
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Cache{cfg: cfg, clk: clk, diag: diag, inst: inst, entries: make(map[string]Rate)}
}

// Bound returns the validation bound scaled to the sample interval: the
// configured per-hour bound times the interval in hours.
func (c *Cache) Bound(interval time.Duration) decimal.Decimal {
	if interval <= 0 {
		interval = 8 * time.Hour
	}
	hours := decimal.NewFromFloat(interval.Hours())
	return decimal.NewFromFloat(c.cfg.MaxRatePerHour).Mul(hours)
}

// Ingest validates and stores one sample under the given policy. An
// out-of-bound sample under PolicyReject returns Invalid and leaves any
// prior cached value untouched; under PolicyClamp the bound-limited value
// is stored. Samples older than the cached entry are discarded.
func (c *Cache) Ingest(ctx context.Context, sample Sample, policy Policy) error {
	if sample.Symbol == "" {
		return errs.New("funding/ingest", errs.CodeValidation, errs.WithMessage("sample missing symbol"))
	}
	if sample.Interval <= 0 {
		sample.Interval = 8 * time.Hour
	}
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = c.clk.Now()
	}

	bound := c.Bound(sample.Interval)
	rate := sample.Rate
	clamped := false
	if rate.Abs().GreaterThan(bound) {
		switch policy {
		case PolicyReject:
			if c.diag != nil {
				c.diag.Record(observability.DiagnosticEvent{
					Kind:  observability.DiagSampleRejected,
					Scope: "funding",
					Metadata: map[string]any{
						"symbol": sample.Symbol,
						"rate":   sample.Rate.String(),
						"bound":  bound.String(),
					},
				})
			}
			c.inst.SampleRejected(ctx, sample.Symbol)
			observability.Log().Warn("funding sample rejected",
				observability.F("symbol", sample.Symbol),
				observability.F("rate", sample.Rate.String()),
				observability.F("bound", bound.String()))
			return errs.New("funding/ingest", errs.CodeInvalid,
				errs.WithMessage("funding rate outside bound for "+sample.Symbol))
		case PolicyClamp:
			if rate.IsNegative() {
				rate = bound.Neg()
			} else {
				rate = bound
			}
			clamped = true
			if c.diag != nil {
				c.diag.Record(observability.DiagnosticEvent{
					Kind:  observability.DiagSampleClamped,
					Scope: "funding",
					Metadata: map[string]any{
						"symbol":  sample.Symbol,
						"rate":    sample.Rate.String(),
						"clamped": rate.String(),
					},
				})
			}
			c.inst.SampleClamped(ctx, sample.Symbol)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[sample.Symbol]; ok && sample.ObservedAt.Before(prev.ObservedAt) {
		return nil
	}
	c.entries[sample.Symbol] = Rate{
		Symbol:     sample.Symbol,
		Rate:       rate,
		Interval:   sample.Interval,
		ObservedAt: sample.ObservedAt,
		Clamped:    clamped,
	}
	return nil
}

// Get returns the cached rate for the symbol. Entries older than the TTL
// come back with Stale set; unknown symbols return NotFound.
func (c *Cache) Get(ctx context.Context, symbol string) (Rate, error) {
	c.mu.RLock()
	entry, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok {
		c.inst.CacheMiss(ctx, "funding")
		return Rate{}, errs.New("funding/get", errs.CodeNotFound,
			errs.WithMessage("no funding rate for "+symbol))
	}
	c.inst.CacheHit(ctx, "funding")
	if c.clk.Now().Sub(entry.ObservedAt) > c.cfg.TTL {
		entry.Stale = true
	}
	return entry, nil
}

// Symbols returns the cached symbol set.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for symbol := range c.entries {
		out = append(out, symbol)
	}
	return out
}
