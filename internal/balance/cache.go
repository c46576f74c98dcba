// Package balance caches wallet balances behind a TTL with request
// coalescing, so the strict wallet-endpoint budget is never burned on
// duplicate concurrent refreshes.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/telemetry"
)

// Balance is one asset's wallet state.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	FetchedAt time.Time
}

// FetchFunc loads one asset's balance from the exchange. The cache calls it
// at most once per expired entry regardless of caller concurrency; callers
// wire it through the rate governor.
type FetchFunc func(ctx context.Context, asset string) (Balance, error)

// Cache is a TTL wallet-balance cache with coalesced refreshes.
type Cache struct {
	cfg   config.BalanceConfig
	clk   clock.Clock
	inst  *telemetry.Instruments
	fetch FetchFunc

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]Balance
}

// NewCache builds a balance cache around the given fetch function.
func NewCache(cfg config.BalanceConfig, clk clock.Clock, inst *telemetry.Instruments, fetch FetchFunc) *Cache {
	if clk == nil {
		clk = clock.System()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Cache{cfg: cfg, clk: clk, inst: inst, fetch: fetch, entries: make(map[string]Balance)}
}

// Get returns the asset balance, refreshing through the fetch function on
// miss, expiry, or forceRefresh. Concurrent callers for one asset share a
// single in-flight fetch.
func (c *Cache) Get(ctx context.Context, asset string, forceRefresh bool) (Balance, error) {
	if asset == "" {
		return Balance{}, errs.New("balance/get", errs.CodeInvalid, errs.WithMessage("empty asset"))
	}

	if !forceRefresh {
		c.mu.RLock()
		entry, ok := c.entries[asset]
		c.mu.RUnlock()
		if ok && c.clk.Now().Sub(entry.FetchedAt) <= c.cfg.TTL {
			c.inst.CacheHit(ctx, "balance")
			return entry, nil
		}
	}
	c.inst.CacheMiss(ctx, "balance")

	result, err, _ := c.group.Do(asset, func() (any, error) {
		// Re-check under the flight: a caller that queued behind a refresh
		// finds the fresh entry and skips the second fetch.
		if !forceRefresh {
			c.mu.RLock()
			entry, ok := c.entries[asset]
			c.mu.RUnlock()
			if ok && c.clk.Now().Sub(entry.FetchedAt) <= c.cfg.TTL {
				return entry, nil
			}
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
		fetched, err := c.fetch(fetchCtx, asset)
		if err != nil {
			return Balance{}, err
		}
		fetched.Asset = asset
		fetched.FetchedAt = c.clk.Now()
		c.mu.Lock()
		c.entries[asset] = fetched
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return Balance{}, err
	}
	return result.(Balance), nil
}

// Peek returns the cached entry without triggering a refresh.
func (c *Cache) Peek(asset string) (Balance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[asset]
	return entry, ok
}

// Invalidate drops the cached entry for the asset.
func (c *Cache) Invalidate(asset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, asset)
}
