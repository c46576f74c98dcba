// Package orders merges REST order snapshots and streamed fill/status events
// into one consistent per-order state.
package orders

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

// Status is an order's lifecycle phase.
type Status string

const (
	// StatusNew marks an acknowledged, unfilled order.
	StatusNew Status = "new"
	// StatusOpen marks an order resting on the book.
	StatusOpen Status = "open"
	// StatusPartiallyFilled marks an order with some executed quantity.
	StatusPartiallyFilled Status = "partially_filled"
	// StatusFilled marks a completely executed order.
	StatusFilled Status = "filled"
	// StatusCancelled marks an order cancelled before completion.
	StatusCancelled Status = "cancelled"
	// StatusRejected marks an order refused by the exchange.
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// OrderRecord is the tracked state of one exchange order.
type OrderRecord struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Status         Status
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	LastSeq        uint64
	PendingRefresh bool
	UpdatedAt      time.Time
}

// FillEvent is one execution against an order. Each unique fill id is
// consumed at most once.
type FillEvent struct {
	OrderID   string
	FillID    string
	Symbol    string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Seq       uint64
	Timestamp time.Time
}

// StatusUpdate is a streamed order-status transition.
type StatusUpdate struct {
	OrderID   string
	Symbol    string
	Status    Status
	Seq       uint64
	Timestamp time.Time
}

// RefreshFunc requests a REST snapshot re-sync for one order after a
// sequence gap. It runs on its own goroutine and must not block the tracker.
type RefreshFunc func(ctx context.Context, orderID string)

type orderState struct {
	rec        OrderRecord
	fillIDs    map[string]struct{}
	terminalAt time.Time
}

// Tracker owns the order-record set. All mutation goes through Apply
// methods; reads hand out copies.
type Tracker struct {
	cfg     config.OrdersConfig
	clk     clock.Clock
	diag    *observability.Diagnostics
	inst    *telemetry.Instruments
	refresh RefreshFunc

	mu     sync.RWMutex
	orders map[string]*orderState
}

// NewTracker builds an order lifecycle tracker. refresh may be nil when no
// REST re-sync path exists (tests, replay).
func NewTracker(cfg config.OrdersConfig, clk clock.Clock, diag *observability.Diagnostics, inst *telemetry.Instruments, refresh RefreshFunc) *Tracker {
	if clk == nil {
		clk = clock.System()
	}
	if cfg.TerminalGrace <= 0 {
		cfg.TerminalGrace = 5 * time.Minute
	}
	return &Tracker{
		cfg:     cfg,
		clk:     clk,
		diag:    diag,
		inst:    inst,
		refresh: refresh,
		orders:  make(map[string]*orderState),
	}
}

// ApplySnapshot merges an authoritative REST snapshot. Snapshots carrying a
// sequence older than the last applied one are discarded; otherwise the
// snapshot replaces status and cumulative quantity and clears any
// pending-refresh mark.
func (t *Tracker) ApplySnapshot(ctx context.Context, rec OrderRecord) {
	if rec.OrderID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.orders[rec.OrderID]
	if !ok {
		rec.PendingRefresh = false
		rec.UpdatedAt = t.clk.Now()
		state = &orderState{rec: rec, fillIDs: make(map[string]struct{})}
		t.orders[rec.OrderID] = state
		if rec.Status.Terminal() {
			state.terminalAt = state.rec.UpdatedAt
		}
		return
	}

	if state.rec.Status.Terminal() && !rec.Status.Terminal() {
		t.discard(ctx, observability.DiagStaleTransition, rec.OrderID, "snapshot after terminal status")
		return
	}
	if rec.LastSeq < state.rec.LastSeq {
		t.discard(ctx, observability.DiagDuplicateEvent, rec.OrderID, "stale snapshot sequence")
		return
	}

	prev := state.rec
	state.rec = rec
	state.rec.PendingRefresh = false
	state.rec.UpdatedAt = t.clk.Now()
	if state.rec.ClientOrderID == "" {
		state.rec.ClientOrderID = prev.ClientOrderID
	}
	// A snapshot may lag fills already merged from the stream; cumulative
	// quantity never moves backwards.
	if state.rec.FilledQuantity.LessThan(prev.FilledQuantity) {
		state.rec.FilledQuantity = prev.FilledQuantity
		state.rec.AvgFillPrice = prev.AvgFillPrice
		if state.rec.Status == StatusNew || state.rec.Status == StatusOpen {
			state.rec.Status = prev.Status
		}
	}
	if state.rec.Status.Terminal() && state.terminalAt.IsZero() {
		state.terminalAt = state.rec.UpdatedAt
	}
}

// ApplyFill merges one execution. Duplicate fill ids are discarded; a fill
// that would push cumulative quantity past the order quantity is rejected
// with a ConsistencyError and leaves the record unchanged. Fills arriving
// out of sequence order are still applied additively, so any arrival order
// converges to the same cumulative state.
func (t *Tracker) ApplyFill(ctx context.Context, fill FillEvent) error {
	if fill.OrderID == "" || fill.FillID == "" {
		return errs.New("orders/fill", errs.CodeValidation, errs.WithMessage("fill missing order or fill id"))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.orders[fill.OrderID]
	if !ok {
		state = &orderState{
			rec: OrderRecord{
				OrderID: fill.OrderID,
				Symbol:  fill.Symbol,
				Status:  StatusOpen,
			},
			fillIDs: make(map[string]struct{}),
		}
		t.orders[fill.OrderID] = state
	}

	if _, seen := state.fillIDs[fill.FillID]; seen {
		t.discard(ctx, observability.DiagDuplicateEvent, fill.OrderID, "duplicate fill id "+fill.FillID)
		return nil
	}
	if state.rec.Status.Terminal() && state.rec.Status != StatusFilled {
		t.discard(ctx, observability.DiagStaleTransition, fill.OrderID, "fill after terminal status")
		return nil
	}

	next := state.rec.FilledQuantity.Add(fill.Quantity)
	if state.rec.Quantity.IsPositive() && next.GreaterThan(state.rec.Quantity) {
		err := errs.New("orders/fill", errs.CodeConsistency,
			errs.WithMessage("fill exceeds order quantity for "+fill.OrderID))
		if t.diag != nil {
			t.diag.Record(observability.DiagnosticEvent{
				Kind:  observability.DiagFillRejected,
				Scope: "orders",
				Metadata: map[string]any{
					"orderId": fill.OrderID,
					"fillId":  fill.FillID,
					"fillQty": fill.Quantity.String(),
					"filled":  state.rec.FilledQuantity.String(),
					"qty":     state.rec.Quantity.String(),
				},
			})
		}
		t.inst.EventDiscarded(ctx, "overfill")
		return err
	}

	state.fillIDs[fill.FillID] = struct{}{}
	if next.IsPositive() {
		notional := state.rec.AvgFillPrice.Mul(state.rec.FilledQuantity).Add(fill.Price.Mul(fill.Quantity))
		state.rec.AvgFillPrice = notional.Div(next)
	}
	state.rec.FilledQuantity = next
	state.rec.UpdatedAt = t.clk.Now()

	if state.rec.Quantity.IsPositive() && next.GreaterThanOrEqual(state.rec.Quantity) {
		state.rec.Status = StatusFilled
		state.terminalAt = state.rec.UpdatedAt
	} else if !state.rec.Status.Terminal() {
		state.rec.Status = StatusPartiallyFilled
	}

	t.advanceSeq(ctx, state, fill.Seq, fill.OrderID)
	return nil
}

// ApplyStatus merges a streamed status transition. Updates at or below the
// last applied sequence are duplicates and discarded; terminal statuses are
// sticky.
func (t *Tracker) ApplyStatus(ctx context.Context, upd StatusUpdate) {
	if upd.OrderID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.orders[upd.OrderID]
	if !ok {
		state = &orderState{
			rec: OrderRecord{
				OrderID: upd.OrderID,
				Symbol:  upd.Symbol,
				Status:  upd.Status,
				LastSeq: upd.Seq,
			},
			fillIDs: make(map[string]struct{}),
		}
		state.rec.UpdatedAt = t.clk.Now()
		t.orders[upd.OrderID] = state
		if upd.Status.Terminal() {
			state.terminalAt = state.rec.UpdatedAt
		}
		return
	}

	if state.rec.Status.Terminal() {
		t.discard(ctx, observability.DiagStaleTransition, upd.OrderID, "status update after terminal status")
		return
	}
	if upd.Seq <= state.rec.LastSeq {
		t.discard(ctx, observability.DiagDuplicateEvent, upd.OrderID, "stale status sequence")
		return
	}

	t.advanceSeq(ctx, state, upd.Seq, upd.OrderID)
	state.rec.Status = upd.Status
	state.rec.UpdatedAt = t.clk.Now()
	if upd.Status.Terminal() {
		state.terminalAt = state.rec.UpdatedAt
	}
}

// advanceSeq moves the per-order sequence forward and flags a gap for REST
// re-sync. Caller holds the lock.
func (t *Tracker) advanceSeq(ctx context.Context, state *orderState, seq uint64, orderID string) {
	if seq == 0 || seq <= state.rec.LastSeq {
		return
	}
	if state.rec.LastSeq != 0 && seq > state.rec.LastSeq+1 && !state.rec.PendingRefresh {
		state.rec.PendingRefresh = true
		if t.diag != nil {
			t.diag.Record(observability.DiagnosticEvent{
				Kind:  observability.DiagSequenceGap,
				Scope: "orders",
				Metadata: map[string]any{
					"orderId": orderID,
					"lastSeq": state.rec.LastSeq,
					"seq":     seq,
				},
			})
		}
		observability.Log().Warn("order sequence gap",
			observability.F("orderId", orderID),
			observability.F("lastSeq", state.rec.LastSeq),
			observability.F("seq", seq))
		if t.refresh != nil {
			go t.refresh(ctx, orderID)
		}
	}
	state.rec.LastSeq = seq
}

func (t *Tracker) discard(ctx context.Context, kind observability.DiagnosticKind, orderID, reason string) {
	if t.diag != nil {
		t.diag.Record(observability.DiagnosticEvent{
			Kind:     kind,
			Scope:    "orders",
			Metadata: map[string]any{"orderId": orderID, "reason": reason},
		})
	}
	t.inst.EventDiscarded(ctx, string(kind))
}

// Status returns a copy of the tracked record for the order id.
func (t *Tracker) Status(orderID string) (OrderRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.orders[orderID]
	if !ok {
		return OrderRecord{}, errs.New("orders/status", errs.CodeNotFound,
			errs.WithMessage("unknown order "+orderID))
	}
	return state.rec, nil
}

// Snapshot returns copies of every tracked record.
func (t *Tracker) Snapshot() []OrderRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]OrderRecord, 0, len(t.orders))
	for _, state := range t.orders {
		out = append(out, state.rec)
	}
	return out
}

// Len returns the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// Sweep evicts orders that reached a terminal status longer than the grace
// period ago, returning the eviction count.
func (t *Tracker) Sweep() int {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, state := range t.orders {
		if state.terminalAt.IsZero() {
			continue
		}
		if now.Sub(state.terminalAt) >= t.cfg.TerminalGrace {
			delete(t.orders, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps terminal orders on an interval until the context ends.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.cfg.TerminalGrace / 2
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clk.After(interval):
			t.Sweep()
		}
	}
}
