// Package core wires the connectivity subsystems into one facade the
// trading engine talks to.
package core

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/internal/balance"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/dispatch"
	"github.com/ferrixlabs/mooring/internal/exchange"
	"github.com/ferrixlabs/mooring/internal/funding"
	"github.com/ferrixlabs/mooring/internal/governor"
	"github.com/ferrixlabs/mooring/internal/observability"
	"github.com/ferrixlabs/mooring/internal/orders"
	"github.com/ferrixlabs/mooring/internal/stream"
	"github.com/ferrixlabs/mooring/internal/telemetry"
	"github.com/ferrixlabs/mooring/lib/async"
)

// seedWorkers bounds concurrent per-symbol seeding.
const seedWorkers = 4

// Core owns the governor, the two stream supervisors, the dispatcher, the
// order tracker, and both caches. Construction wires them; Start and Stop
// bound their lifecycles.
type Core struct {
	cfg  config.Settings
	clk  clock.Clock
	diag *observability.Diagnostics
	inst *telemetry.Instruments

	exch       exchange.Exchange
	gov        *governor.Governor
	tracker    *orders.Tracker
	rates      *funding.Cache
	balances   *balance.Cache
	dispatcher *dispatch.Dispatcher

	publicReg  *stream.Registry
	privateReg *stream.Registry
	public     *stream.Supervisor
	private    *stream.Supervisor

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Options carries the collaborator seams. Exchange is required; nil dialers
// disable the corresponding stream (REST-only operation).
type Options struct {
	Exchange exchange.Exchange
	// Adapter factories receive the core's dispatcher, which exists only
	// after construction starts.
	PublicAdapter  func(*dispatch.Dispatcher) stream.Adapter
	PrivateAdapter func(*dispatch.Dispatcher) stream.Adapter
	PublicDialer   stream.Dialer
	PrivateDialer  stream.Dialer
	// Governor lets the caller share one governor with the exchange client;
	// nil builds a fresh one from config.
	Governor    *governor.Governor
	Clock       clock.Clock
	Diagnostics *observability.Diagnostics
	Instruments *telemetry.Instruments
}

// New builds the core from configuration and collaborators.
func New(cfg config.Settings, opts Options) *Core {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}

	c := &Core{
		cfg:  cfg,
		clk:  clk,
		diag: opts.Diagnostics,
		inst: opts.Instruments,
		exch: opts.Exchange,
	}

	c.gov = opts.Governor
	if c.gov == nil {
		c.gov = governor.New(cfg.Governor, clk, opts.Diagnostics, opts.Instruments)
	}
	c.rates = funding.NewCache(cfg.Funding, clk, opts.Diagnostics, opts.Instruments)
	c.tracker = orders.NewTracker(cfg.Orders, clk, opts.Diagnostics, opts.Instruments, c.refreshOrder)
	c.balances = balance.NewCache(cfg.Balance, clk, opts.Instruments, c.fetchBalance)
	c.dispatcher = dispatch.NewDispatcher(cfg.PrivateStream.QueueSize, c.tracker, c.rates, opts.Diagnostics, opts.Instruments)

	c.publicReg = stream.NewRegistry()
	c.privateReg = stream.NewRegistry()
	if opts.PublicDialer != nil && opts.PublicAdapter != nil {
		c.public = stream.NewSupervisor("public", cfg.PublicStream, opts.PublicDialer,
			opts.PublicAdapter(c.dispatcher), c.publicReg, clk, opts.Diagnostics, opts.Instruments)
	}
	if opts.PrivateDialer != nil && opts.PrivateAdapter != nil {
		c.private = stream.NewSupervisor("private", cfg.PrivateStream, opts.PrivateDialer,
			opts.PrivateAdapter(c.dispatcher), c.privateReg, clk, opts.Diagnostics, opts.Instruments)
	}
	return c
}

// Start launches the dispatcher, both supervisors, and the terminal-order
// sweeper.
func (c *Core) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.dispatcher.Start(runCtx)
	c.wg.Go(func() { c.tracker.Run(runCtx) })
	if c.public != nil {
		if err := c.public.Start(runCtx); err != nil {
			return err
		}
	}
	if c.private != nil {
		if err := c.private.Start(runCtx); err != nil {
			return err
		}
	}
	observability.Log().Info("core started", observability.F("env", string(c.cfg.Environment)))
	return nil
}

// Stop shuts everything down within the context deadline: supervisors
// first so no new events arrive, then the dispatcher drains out.
func (c *Core) Stop(ctx context.Context) error {
	var firstErr error
	if c.public != nil {
		if err := c.public.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.private != nil {
		if err := c.private.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.dispatcher.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	observability.Log().Info("core stopped")
	return firstErr
}

// Fatal fans in fatal stream errors for the engine to act on.
func (c *Core) Fatal() []<-chan error {
	var out []<-chan error
	if c.public != nil {
		out = append(out, c.public.Fatal())
	}
	if c.private != nil {
		out = append(out, c.private.Fatal())
	}
	return out
}

// Seed primes the order tracker and funding cache over REST before the
// streams go live: recent executions (deduplicated by fill id like live
// events) and the current funding rate per symbol. Symbols seed in
// parallel through a bounded pool; the governor still serialises the
// underlying budget.
func (c *Core) Seed(ctx context.Context, symbols []string, executionLimit int) error {
	if len(symbols) == 0 {
		return nil
	}
	workers := seedWorkers
	if len(symbols) < workers {
		workers = len(symbols)
	}
	pool, err := async.NewPool(workers, len(symbols))
	if err != nil {
		return err
	}
	errCh := make(chan error, len(symbols))
	for _, symbol := range symbols {
		symbol := symbol
		if err := pool.Submit(ctx, func(taskCtx context.Context) error {
			if err := c.seedSymbol(taskCtx, symbol, executionLimit); err != nil {
				errCh <- err
				return err
			}
			return nil
		}); err != nil {
			pool.Close()
			return err
		}
	}
	if err := pool.Shutdown(ctx); err != nil {
		return err
	}
	close(errCh)
	return <-errCh
}

func (c *Core) seedSymbol(ctx context.Context, symbol string, executionLimit int) error {
	fills, err := c.exch.Executions(ctx, symbol, executionLimit)
	if err != nil {
		return err
	}
	for _, fill := range fills {
		if err := c.tracker.ApplyFill(ctx, fill); err != nil {
			observability.Log().Warn("seed fill discarded",
				observability.F("orderId", fill.OrderID),
				observability.F("error", err.Error()))
		}
	}

	sample, err := c.exch.FundingRate(ctx, symbol)
	if err != nil {
		observability.Log().Warn("seed funding rate unavailable",
			observability.F("symbol", symbol),
			observability.F("error", err.Error()))
		return nil
	}
	if err := c.rates.Ingest(ctx, sample, funding.PolicyReject); err != nil {
		observability.Log().Warn("seed funding sample rejected",
			observability.F("symbol", symbol),
			observability.F("error", err.Error()))
	}
	return nil
}

// PlaceOrder submits an order and registers the acknowledgement with the
// tracker so stream events have a record to merge into.
func (c *Core) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (orders.OrderRecord, error) {
	rec, err := c.exch.PlaceOrder(ctx, req)
	if err != nil {
		return orders.OrderRecord{}, err
	}
	c.tracker.ApplySnapshot(ctx, rec)
	return rec, nil
}

// CancelOrder cancels one open order. The terminal status lands via the
// private stream or the next snapshot refresh.
func (c *Core) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return c.exch.CancelOrder(ctx, symbol, orderID)
}

// OrderStatus returns the tracked state of one order.
func (c *Core) OrderStatus(orderID string) (orders.OrderRecord, error) {
	return c.tracker.Status(orderID)
}

// Balance returns the cached wallet balance for the asset.
func (c *Core) Balance(ctx context.Context, asset string, forceRefresh bool) (balance.Balance, error) {
	return c.balances.Get(ctx, asset, forceRefresh)
}

// FundingRate returns the cached funding rate for the symbol, flagged when
// stale.
func (c *Core) FundingRate(ctx context.Context, symbol string) (funding.Rate, error) {
	return c.rates.Get(ctx, symbol)
}

// SubscribePublic registers a market-data subscription.
func (c *Core) SubscribePublic(sub stream.Subscription) error {
	if c.public == nil {
		return c.noStreamErr("public")
	}
	return c.public.Subscribe(sub)
}

// UnsubscribePublic removes a market-data subscription.
func (c *Core) UnsubscribePublic(sub stream.Subscription) error {
	if c.public == nil {
		return c.noStreamErr("public")
	}
	return c.public.Unsubscribe(sub)
}

// SubscribePrivate registers a user-stream subscription.
func (c *Core) SubscribePrivate(sub stream.Subscription) error {
	if c.private == nil {
		return c.noStreamErr("private")
	}
	return c.private.Subscribe(sub)
}

func (c *Core) noStreamErr(name string) error {
	return streamUnavailable(name)
}

// refreshOrder re-syncs one order over REST after a sequence gap.
func (c *Core) refreshOrder(ctx context.Context, orderID string) {
	rec, err := c.tracker.Status(orderID)
	if err != nil {
		return
	}
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	snapshot, err := c.exch.OrderSnapshot(refreshCtx, rec.Symbol, orderID)
	if err != nil {
		observability.Log().Warn("order refresh failed",
			observability.F("orderId", orderID),
			observability.F("error", err.Error()))
		return
	}
	c.tracker.ApplySnapshot(refreshCtx, snapshot)
}

// fetchBalance is the balance cache's loader; budget comes from the
// governor inside the exchange client.
func (c *Core) fetchBalance(ctx context.Context, asset string) (balance.Balance, error) {
	return c.exch.WalletBalance(ctx, asset)
}

// Governor exposes the rate governor for callers issuing their own REST
// traffic through the same budgets.
func (c *Core) Governor() *governor.Governor { return c.gov }

// Diagnostics exposes the diagnostics bus.
func (c *Core) Diagnostics() *observability.Diagnostics { return c.diag }
