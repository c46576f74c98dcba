package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DiagnosticKind enumerates audit-relevant events discarded or altered by the core.
type DiagnosticKind string

const (
	// DiagFillRejected signals a fill that would overflow the order quantity.
	DiagFillRejected DiagnosticKind = "fill.rejected"
	// DiagStaleTransition signals an event targeting a terminal order.
	DiagStaleTransition DiagnosticKind = "order.stale_transition"
	// DiagDuplicateEvent signals a duplicate or stale sequence number.
	DiagDuplicateEvent DiagnosticKind = "order.duplicate_event"
	// DiagSequenceGap signals a sequence gap scheduling a snapshot refresh.
	DiagSequenceGap DiagnosticKind = "order.sequence_gap"
	// DiagSampleRejected signals a funding sample outside its bound.
	DiagSampleRejected DiagnosticKind = "funding.sample_rejected"
	// DiagSampleClamped signals a funding sample stored bound-limited.
	DiagSampleClamped DiagnosticKind = "funding.sample_clamped"
	// DiagBackoffActivated signals a server-side rate-limit backoff window.
	DiagBackoffActivated DiagnosticKind = "governor.backoff_activated"
	// DiagReconnect signals a stream reconnection attempt.
	DiagReconnect DiagnosticKind = "stream.reconnect"
	// DiagProtocolError signals an unparseable or unexpected wire message.
	DiagProtocolError DiagnosticKind = "stream.protocol_error"
	// DiagEventDropped signals an event lost to queue backpressure.
	DiagEventDropped DiagnosticKind = "dispatch.event_dropped"
	// DiagSubscribeRejected signals a subscription refused by the exchange.
	DiagSubscribeRejected DiagnosticKind = "stream.subscribe_rejected"
)

// DiagnosticEvent carries one audit record, independent of the control-flow error path.
type DiagnosticEvent struct {
	EventID   string         `json:"event_id"`
	Kind      DiagnosticKind `json:"kind"`
	Scope     string         `json:"scope"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Diagnostics fans diagnostic events out to subscribers and keeps a bounded
// ring of recent events for audit.
type Diagnostics struct {
	mu       sync.Mutex
	capacity int
	recent   []DiagnosticEvent
	subs     []*diagSubscriber
	closed   bool
}

type diagSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan DiagnosticEvent
	once   sync.Once
}

// NewDiagnostics creates a diagnostics sink retaining up to capacity recent
// events. Capacity <= 0 implies a default of 256.
func NewDiagnostics(capacity int) *Diagnostics {
	if capacity <= 0 {
		capacity = 256
	}
	d := new(Diagnostics)
	d.capacity = capacity
	d.recent = make([]DiagnosticEvent, 0, capacity)
	d.subs = make([]*diagSubscriber, 0)
	return d
}

// Record stores the event in the ring and broadcasts it to subscribers.
// Slow subscribers lose events rather than blocking the caller.
func (d *Diagnostics) Record(event DiagnosticEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if len(d.recent) >= d.capacity {
		copy(d.recent[0:], d.recent[1:])
		d.recent[len(d.recent)-1] = cloneDiagnosticEvent(event)
	} else {
		d.recent = append(d.recent, cloneDiagnosticEvent(event))
	}
	subs := append([]*diagSubscriber(nil), d.subs...)
	d.mu.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		select {
		case sub.ch <- cloneDiagnosticEvent(event):
		default:
		}
	}
}

// Subscribe registers a consumer of future diagnostic events. The channel is
// closed when ctx is cancelled or the sink closes.
func (d *Diagnostics) Subscribe(ctx context.Context) <-chan DiagnosticEvent {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := new(diagSubscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan DiagnosticEvent, 64)

	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	go d.observe(sub)
	return sub.ch
}

// Drain retrieves and clears the retained audit events.
func (d *Diagnostics) Drain() []DiagnosticEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	drained := make([]DiagnosticEvent, len(d.recent))
	copy(drained, d.recent)
	d.recent = d.recent[:0]
	return drained
}

// Len returns the number of retained audit events.
func (d *Diagnostics) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recent)
}

// Close stops the sink and closes all subscriber channels.
func (d *Diagnostics) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (d *Diagnostics) observe(sub *diagSubscriber) {
	<-sub.ctx.Done()
	d.mu.Lock()
	for i, candidate := range d.subs {
		if candidate == sub {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	sub.close()
}

func (s *diagSubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

func cloneDiagnosticEvent(evt DiagnosticEvent) DiagnosticEvent {
	clone := evt
	if len(evt.Metadata) > 0 {
		metadataCopy := make(map[string]any, len(evt.Metadata))
		for k, v := range evt.Metadata {
			metadataCopy[k] = v
		}
		clone.Metadata = metadataCopy
	}
	return clone
}
