// Package governor enforces per-endpoint rate budgets and server-side
// rate-limit backoff for outbound REST calls.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/observability"
	"github.com/ferrixlabs/mooring/internal/telemetry"
)

// Governor tracks one weighted token budget per endpoint group. Local
// admission queues callers until refill; a server-side rate-limit signal
// opens an exponential backoff window for the endpoint.
type Governor struct {
	cfg  config.GovernorConfig
	clk  clock.Clock
	diag *observability.Diagnostics
	inst *telemetry.Instruments

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

type endpointState struct {
	mu           sync.Mutex
	name         string
	limiter      *rate.Limiter
	capacity     int
	attempts     int
	backoffUntil time.Time
}

// New constructs a governor from the configured budgets.
func New(cfg config.GovernorConfig, clk clock.Clock, diag *observability.Diagnostics, inst *telemetry.Instruments) *Governor {
	if clk == nil {
		clk = clock.System()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 300 * time.Second
	}
	g := new(Governor)
	g.cfg = cfg
	g.clk = clk
	g.diag = diag
	g.inst = inst
	g.endpoints = make(map[string]*endpointState)
	for _, budget := range cfg.Budgets {
		g.endpoints[budget.Name] = newEndpointState(budget)
	}
	return g
}

func newEndpointState(budget config.EndpointBudget) *endpointState {
	capacity := budget.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	window := budget.Window
	if window <= 0 {
		window = time.Second
	}
	s := new(endpointState)
	s.name = budget.Name
	s.capacity = capacity
	s.limiter = rate.NewLimiter(rate.Limit(float64(capacity)/window.Seconds()), capacity)
	return s
}

func (g *Governor) state(endpoint string) *endpointState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.endpoints[endpoint]; ok {
		return s
	}
	s := newEndpointState(g.cfg.Budget(endpoint))
	g.endpoints[endpoint] = s
	return s
}

// Acquire admits a call of the given weight against the endpoint's budget.
// The caller is queued while the budget refills or a backoff window is
// active; an expired context deadline fails the call with a timeout.
func (g *Governor) Acquire(ctx context.Context, endpoint string, weight int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if weight <= 0 {
		weight = 1
	}
	s := g.state(endpoint)
	if weight > s.capacity {
		return errs.New("governor/acquire", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("weight %d exceeds capacity %d for %s", weight, s.capacity, endpoint)))
	}

	if err := g.waitBackoff(ctx, s); err != nil {
		return err
	}

	if err := s.limiter.WaitN(ctx, weight); err != nil {
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("acquire %s: %w", endpoint, ctx.Err())
		}
		// Either the deadline elapsed while queued or the limiter proved the
		// wait cannot finish before it does.
		return errs.New("governor/acquire", errs.CodeTimeout,
			errs.WithMessage("deadline elapsed before budget refill"), errs.WithCause(err))
	}

	g.inst.RESTCall(ctx, endpoint)
	return nil
}

func (g *Governor) waitBackoff(ctx context.Context, s *endpointState) error {
	for {
		s.mu.Lock()
		until := s.backoffUntil
		s.mu.Unlock()

		now := g.clk.Now()
		if !now.Before(until) {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return errs.New("governor/backoff", errs.CodeTimeout,
					errs.WithMessage("deadline elapsed during backoff window"), errs.WithCause(ctx.Err()))
			}
			return fmt.Errorf("backoff wait: %w", ctx.Err())
		case <-g.clk.After(until.Sub(now)):
		}
	}
}

// Report records the outcome of a call on the endpoint. A nil error resets
// the consecutive rate-limit counter; a rate-limited error opens the next
// backoff window. Other failures leave the counter untouched.
func (g *Governor) Report(ctx context.Context, endpoint string, err error) {
	if err == nil {
		g.ReportSuccess(endpoint)
		return
	}
	if errs.HasCode(err, errs.CodeRateLimited) {
		g.ReportRateLimited(ctx, endpoint)
	}
}

// ReportSuccess resets the endpoint's consecutive rate-limit counter.
func (g *Governor) ReportSuccess(endpoint string) {
	s := g.state(endpoint)
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

// ReportRateLimited records a server-side rate-limit signal and returns the
// backoff delay applied to the endpoint.
func (g *Governor) ReportRateLimited(ctx context.Context, endpoint string) time.Duration {
	s := g.state(endpoint)
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	delay := BackoffDelay(g.cfg.BackoffBase, g.cfg.BackoffCap, attempts)
	s.backoffUntil = g.clk.Now().Add(delay)
	s.mu.Unlock()

	g.inst.Backoff(ctx, endpoint)
	if g.diag != nil {
		g.diag.Record(observability.DiagnosticEvent{
			Kind:  observability.DiagBackoffActivated,
			Scope: "governor/" + endpoint,
			Metadata: map[string]any{
				"attempts": attempts,
				"delay":    delay.String(),
			},
		})
	}
	observability.Log().Warn("rate limit backoff activated",
		observability.F("endpoint", endpoint),
		observability.F("attempts", attempts),
		observability.F("delay", delay.String()))
	return delay
}

// Attempts returns the endpoint's consecutive rate-limit counter.
func (g *Governor) Attempts(endpoint string) int {
	s := g.state(endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Do admits the call through Acquire, invokes fn, and reports the outcome,
// retrying while the failure is retryable and the context is alive.
func (g *Governor) Do(ctx context.Context, endpoint string, weight int, fn func(context.Context) error) error {
	if fn == nil {
		return errs.New("governor/do", errs.CodeInvalid, errs.WithMessage("fn must not be nil"))
	}
	for {
		if err := g.Acquire(ctx, endpoint, weight); err != nil {
			return err
		}
		err := fn(ctx)
		g.Report(ctx, endpoint, err)
		if err == nil {
			return nil
		}
		if !errs.Retryable(errs.CodeOf(err)) {
			return err
		}
		if ctx.Err() != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return errs.New("governor/do", errs.CodeTimeout, errs.WithCause(err))
			}
			return fmt.Errorf("retry %s: %w", endpoint, ctx.Err())
		}
	}
}

// BackoffDelay computes min(base * 2^attempts, ceiling) for the given
// consecutive rate-limit count.
func BackoffDelay(base, ceiling time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceiling <= 0 {
		ceiling = 300 * time.Second
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 32 {
		return ceiling
	}
	delay := base << uint(attempts)
	if delay <= 0 || delay > ceiling {
		return ceiling
	}
	return delay
}
