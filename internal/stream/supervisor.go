package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/observability"
	"github.com/ferrixlabs/mooring/internal/telemetry"
)

const writeTimeout = 5 * time.Second

// State is the supervisor's current connection phase.
type State string

const (
	// StateDisconnected is the initial phase before Start.
	StateDisconnected State = "disconnected"
	// StateConnecting is the transport-opening phase.
	StateConnecting State = "connecting"
	// StateAuthenticating is the handshake phase after transport open.
	StateAuthenticating State = "authenticating"
	// StateConnected is the steady streaming phase.
	StateConnected State = "connected"
	// StateReconnecting is the delay phase between failed connections.
	StateReconnecting State = "reconnecting"
	// StateShutdown is the terminal phase after Stop or a fatal error.
	StateShutdown State = "shutdown"
)

// MessageKind classifies a handled wire message.
type MessageKind int

const (
	// KindData marks a payload message routed to the dispatcher.
	KindData MessageKind = iota
	// KindPong marks a heartbeat response.
	KindPong
	// KindAck marks a subscription acknowledgement.
	KindAck
	// KindControl marks any other control frame.
	KindControl
)

// HandleResult reports how the adapter consumed a wire message.
type HandleResult struct {
	Kind  MessageKind
	Acked []Subscription
}

// Adapter maps exchange-specific wire shapes for one connection. The
// supervisor stays schema-agnostic; topic strings, heartbeat cadence, and
// error-code taxonomy live behind this interface.
type Adapter interface {
	// Authenticate performs the post-connect handshake. Public streams
	// return nil without traffic.
	Authenticate(ctx context.Context, conn Conn) error
	// SubscribeFrames renders subscribe requests for the given subscriptions.
	SubscribeFrames(subs []Subscription) ([][]byte, error)
	// UnsubscribeFrames renders unsubscribe requests for the given subscriptions.
	UnsubscribeFrames(subs []Subscription) ([][]byte, error)
	// PingFrame returns the heartbeat frame, or false when the server pings.
	PingFrame() ([]byte, bool)
	// Handle consumes one wire message, classifying it and forwarding data
	// payloads downstream.
	Handle(ctx context.Context, data []byte) (HandleResult, error)
}

// Supervisor owns exactly one streaming connection's lifecycle: connect,
// authenticate, heartbeat, failure detection, reconnect, and deterministic
// resubscription from the registry.
type Supervisor struct {
	name     string
	cfg      config.StreamConfig
	dialer   Dialer
	adapter  Adapter
	registry *Registry
	clk      clock.Clock
	diag     *observability.Diagnostics
	inst     *telemetry.Instruments

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	fatal   chan error
	backoff *backoff.ExponentialBackOff

	mu           sync.RWMutex
	state        State
	attempts     int
	conn         Conn
	acked        map[string]Subscription
	requested    map[string]struct{}
	protocolErrs int
	lastMsg      time.Time
	started      bool
}

// NewSupervisor builds a supervisor for one connection. Multiple instances
// (public market data, private user stream) run independently and share no
// connection state.
func NewSupervisor(name string, cfg config.StreamConfig, dialer Dialer, adapter Adapter, registry *Registry, clk clock.Clock, diag *observability.Diagnostics, inst *telemetry.Instruments) *Supervisor {
	if clk == nil {
		clk = clock.System()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 5 * time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 300 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.ReconnectBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = cfg.ReconnectCap
	policy.Reset()

	s := new(Supervisor)
	s.name = name
	s.cfg = cfg
	s.dialer = dialer
	s.adapter = adapter
	s.registry = registry
	s.clk = clk
	s.diag = diag
	s.inst = inst
	s.done = make(chan struct{})
	s.fatal = make(chan error, 1)
	s.backoff = policy
	s.state = StateDisconnected
	s.acked = make(map[string]Subscription)
	s.requested = make(map[string]struct{})
	return s
}

// Start launches the connection loop. It returns immediately; observe
// progress through State and Fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errs.New("stream/start", errs.CodeInvalid, errs.WithMessage("supervisor already started"))
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run()
	return nil
}

// Stop transitions the supervisor to SHUTDOWN: the transport closes, pending
// timers are cancelled, and no reconnection is attempted.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	started := s.started
	s.mu.Unlock()
	if !started {
		s.setState(StateShutdown)
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close("shutdown")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errs.New("stream/stop", errs.CodeTimeout, errs.WithCause(ctx.Err()))
	}
}

// State returns the supervisor's current phase.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Attempts returns the current reconnect-attempt counter.
func (s *Supervisor) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// Fatal surfaces errors that end the connection permanently (auth failures,
// protocol errors beyond the configured ceiling).
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

// Acked returns the subscriptions acknowledged on the current connection.
func (s *Supervisor) Acked() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.acked))
	for _, sub := range s.registry.Snapshot() {
		if acked, ok := s.acked[sub.Key()]; ok {
			out = append(out, acked)
		}
	}
	return out
}

// Subscribe registers the subscription and, when connected, requests it on
// the live connection.
func (s *Supervisor) Subscribe(sub Subscription) error {
	s.registry.Add(sub)
	if s.State() != StateConnected {
		return nil
	}
	return s.requestPending([]Subscription{sub})
}

// Unsubscribe removes the subscription from the registry and the live
// connection.
func (s *Supervisor) Unsubscribe(sub Subscription) error {
	if !s.registry.Remove(sub) {
		return nil
	}
	s.mu.Lock()
	delete(s.acked, sub.Key())
	delete(s.requested, sub.Key())
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return nil
	}
	frames, err := s.adapter.UnsubscribeFrames([]Subscription{sub})
	if err != nil {
		return err
	}
	return s.writeFrames(conn, frames)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.setState(StateShutdown)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if fatalErr := s.connectOnce(); fatalErr != nil {
			s.reportFatal(fatalErr)
			return
		}
		if s.ctx.Err() != nil {
			return
		}

		s.setState(StateReconnecting)
		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		s.mu.Unlock()

		s.inst.Reconnect(s.ctx, s.name)
		if s.diag != nil {
			s.diag.Record(observability.DiagnosticEvent{
				Kind:     observability.DiagReconnect,
				Scope:    "stream/" + s.name,
				Metadata: map[string]any{"attempts": attempts},
			})
		}

		delay := s.nextDelay()
		observability.Log().Warn("stream reconnecting",
			observability.F("stream", s.name),
			observability.F("attempts", attempts),
			observability.F("delay", delay.String()))
		select {
		case <-s.ctx.Done():
			return
		case <-s.clk.After(delay):
		}
	}
}

// connectOnce drives one connection from dial to failure. A non-nil return
// is fatal for the supervisor.
func (s *Supervisor) connectOnce() error {
	s.setState(StateConnecting)
	dialCtx, cancelDial := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.cfg.URL)
	cancelDial()
	if err != nil {
		return nil
	}

	s.setState(StateAuthenticating)
	authCtx, cancelAuth := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	err = s.adapter.Authenticate(authCtx, conn)
	cancelAuth()
	if err != nil {
		_ = conn.Close("auth failed")
		if errs.HasCode(err, errs.CodeAuth) {
			return err
		}
		return nil
	}

	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	s.acked = make(map[string]Subscription)
	s.requested = make(map[string]struct{})
	s.lastMsg = s.clk.Now()
	s.mu.Unlock()
	s.backoff.Reset()
	s.setState(StateConnected)
	observability.Log().Info("stream connected", observability.F("stream", s.name))

	if err := s.requestPending(s.registry.Snapshot()); err != nil {
		observability.Log().Error("resubscribe after connect",
			observability.F("stream", s.name), observability.F("error", err.Error()))
	}

	connCtx, cancelConn := context.WithCancel(s.ctx)
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- s.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.heartbeatLoop(connCtx, conn)
	}()

	firstErr := <-errCh
	cancelConn()
	_ = conn.Close("")
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	wg.Wait()
	close(errCh)
	for e := range errCh {
		if firstErr == nil || errors.Is(firstErr, context.Canceled) {
			firstErr = e
		}
	}

	if firstErr != nil && errs.HasCode(firstErr, errs.CodeProtocol) {
		s.mu.Lock()
		s.protocolErrs++
		count := s.protocolErrs
		ceiling := s.cfg.MaxProtocolErrors
		s.mu.Unlock()
		if ceiling > 0 && count > ceiling {
			return errs.New("stream/"+s.name, errs.CodeProtocol,
				errs.WithMessage("protocol error ceiling exceeded"), errs.WithCause(firstErr))
		}
	}
	return nil
}

// requestPending sends subscribe frames for the subscriptions not yet
// acknowledged or requested on the current connection, in registry order.
func (s *Supervisor) requestPending(subs []Subscription) error {
	s.mu.Lock()
	conn := s.conn
	pending := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		key := sub.Key()
		if _, acked := s.acked[key]; acked {
			continue
		}
		if _, requested := s.requested[key]; requested {
			continue
		}
		s.requested[key] = struct{}{}
		pending = append(pending, sub)
	}
	s.mu.Unlock()
	if conn == nil || len(pending) == 0 {
		return nil
	}
	frames, err := s.adapter.SubscribeFrames(pending)
	if err != nil {
		s.unmarkRequested(pending)
		return err
	}
	if err := s.writeFrames(conn, frames); err != nil {
		s.unmarkRequested(pending)
		return err
	}
	return nil
}

// unmarkRequested releases the in-flight marks so a later Subscribe or the
// next reconnect can retry subscriptions that never reached the wire.
func (s *Supervisor) unmarkRequested(subs []Subscription) {
	s.mu.Lock()
	for _, sub := range subs {
		delete(s.requested, sub.Key())
	}
	s.mu.Unlock()
}

func (s *Supervisor) writeFrames(conn Conn, frames [][]byte) error {
	for _, frame := range frames {
		writeCtx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := conn.Write(writeCtx, frame)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) readLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		s.mu.Lock()
		s.lastMsg = s.clk.Now()
		s.mu.Unlock()

		result, err := s.adapter.Handle(ctx, data)
		if err != nil {
			if errs.HasCode(err, errs.CodeProtocol) {
				if s.diag != nil {
					s.diag.Record(observability.DiagnosticEvent{
						Kind:     observability.DiagProtocolError,
						Scope:    "stream/" + s.name,
						Metadata: map[string]any{"error": err.Error()},
					})
				}
				return err
			}
			observability.Log().Error("handle stream message",
				observability.F("stream", s.name), observability.F("error", err.Error()))
			continue
		}
		if len(result.Acked) > 0 {
			s.mu.Lock()
			for _, sub := range result.Acked {
				s.acked[sub.Key()] = sub
			}
			s.mu.Unlock()
		}
		if result.Kind == KindData {
			// A healthy data message closes out any protocol-error streak.
			s.mu.Lock()
			s.protocolErrs = 0
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, conn Conn) error {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	timeout := s.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 3 * interval
	}
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-s.clk.After(interval):
		}

		s.mu.RLock()
		last := s.lastMsg
		s.mu.RUnlock()
		if s.clk.Now().Sub(last) > timeout {
			return errs.New("stream/"+s.name, errs.CodeNetwork,
				errs.WithMessage("heartbeat timeout"))
		}

		if frame, ok := s.adapter.PingFrame(); ok {
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, frame)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) nextDelay() time.Duration {
	delay := s.backoff.NextBackOff()
	if delay <= 0 || delay > s.cfg.ReconnectCap {
		delay = s.cfg.ReconnectCap
	}
	return delay
}

func (s *Supervisor) reportFatal(err error) {
	observability.Log().Error("stream fatal",
		observability.F("stream", s.name), observability.F("error", err.Error()))
	select {
	case s.fatal <- err:
	default:
	}
}
