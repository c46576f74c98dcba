package bybit

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/dispatch"
	"github.com/ferrixlabs/mooring/internal/funding"
	"github.com/ferrixlabs/mooring/internal/observability"
	"github.com/ferrixlabs/mooring/internal/orders"
	"github.com/ferrixlabs/mooring/internal/stream"
)

// Private stream topics.
const (
	topicOrder     = "order"
	topicExecution = "execution"
)

type wsRequest struct {
	Op    string `json:"op"`
	ReqID string `json:"req_id,omitempty"`
	Args  []any  `json:"args,omitempty"`
}

type wsResponse struct {
	Op      string          `json:"op"`
	ReqID   string          `json:"req_id"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

// WSAdapter maps v5 WebSocket frames for one supervised connection. The
// private flavor authenticates and carries order/execution topics; the
// public flavor carries market topics including funding tickers.
type WSAdapter struct {
	signer        *Signer
	dispatcher    *dispatch.Dispatcher
	clk           clock.Clock
	diag          *observability.Diagnostics
	private       bool
	fundingPolicy funding.Policy

	mu      sync.Mutex
	pending map[string][]stream.Subscription
}

var _ stream.Adapter = (*WSAdapter)(nil)

// NewPublicAdapter builds the market-data adapter. Funding rates arriving on
// ticker topics are ingested under the given policy.
func NewPublicAdapter(dispatcher *dispatch.Dispatcher, clk clock.Clock, fundingPolicy funding.Policy, diag *observability.Diagnostics) *WSAdapter {
	if clk == nil {
		clk = clock.System()
	}
	return &WSAdapter{
		dispatcher:    dispatcher,
		clk:           clk,
		diag:          diag,
		fundingPolicy: fundingPolicy,
		pending:       make(map[string][]stream.Subscription),
	}
}

// NewPrivateAdapter builds the user-stream adapter.
func NewPrivateAdapter(signer *Signer, dispatcher *dispatch.Dispatcher, clk clock.Clock, diag *observability.Diagnostics) *WSAdapter {
	if clk == nil {
		clk = clock.System()
	}
	return &WSAdapter{
		signer:     signer,
		dispatcher: dispatcher,
		clk:        clk,
		diag:       diag,
		private:    true,
		pending:    make(map[string][]stream.Subscription),
	}
}

// topicFor renders the wire topic for a subscription. Private channels carry
// no symbol suffix.
func topicFor(sub stream.Subscription) string {
	if sub.Symbol == "" {
		return sub.Channel
	}
	return sub.Channel + "." + sub.Symbol
}

// Authenticate performs the private-stream auth handshake. Public
// connections need none.
func (a *WSAdapter) Authenticate(ctx context.Context, conn stream.Conn) error {
	if !a.private {
		return nil
	}
	expires := a.clk.Now().Add(10 * time.Second).UnixMilli()
	frame, err := json.Marshal(wsRequest{
		Op:   "auth",
		Args: []any{a.signer.APIKey(), expires, a.signer.wsAuthSignature(expires)},
	})
	if err != nil {
		return errs.New("bybit/ws-auth", errs.CodeInvalid, errs.WithCause(err))
	}
	if err := conn.Write(ctx, frame); err != nil {
		return err
	}
	data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	var resp wsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return errs.New("bybit/ws-auth", errs.CodeProtocol, errs.WithCause(err))
	}
	if resp.Op != "auth" || resp.Success == nil || !*resp.Success {
		return errs.New("bybit/ws-auth", errs.CodeAuth, errs.WithRawMessage(resp.RetMsg))
	}
	return nil
}

// SubscribeFrames renders one subscribe request covering all subscriptions,
// tagged with a request id so the acknowledgement can be matched back.
func (a *WSAdapter) SubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	reqID := uuid.NewString()
	args := make([]any, len(subs))
	for i, sub := range subs {
		args[i] = topicFor(sub)
	}
	frame, err := json.Marshal(wsRequest{Op: "subscribe", ReqID: reqID, Args: args})
	if err != nil {
		return nil, errs.New("bybit/ws-subscribe", errs.CodeInvalid, errs.WithCause(err))
	}
	a.mu.Lock()
	a.pending[reqID] = append([]stream.Subscription(nil), subs...)
	a.mu.Unlock()
	return [][]byte{frame}, nil
}

// UnsubscribeFrames renders one unsubscribe request.
func (a *WSAdapter) UnsubscribeFrames(subs []stream.Subscription) ([][]byte, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	args := make([]any, len(subs))
	for i, sub := range subs {
		args[i] = topicFor(sub)
	}
	frame, err := json.Marshal(wsRequest{Op: "unsubscribe", ReqID: uuid.NewString(), Args: args})
	if err != nil {
		return nil, errs.New("bybit/ws-unsubscribe", errs.CodeInvalid, errs.WithCause(err))
	}
	return [][]byte{frame}, nil
}

// PingFrame returns the client-initiated heartbeat.
func (a *WSAdapter) PingFrame() ([]byte, bool) {
	frame, err := json.Marshal(wsRequest{Op: "ping"})
	if err != nil {
		return nil, false
	}
	return frame, true
}

// Handle consumes one wire message: control acks, pongs, and topic payloads
// routed into the dispatcher.
func (a *WSAdapter) Handle(ctx context.Context, data []byte) (stream.HandleResult, error) {
	var msg wsResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return stream.HandleResult{}, errs.New("bybit/ws", errs.CodeProtocol, errs.WithCause(err))
	}

	switch msg.Op {
	case "pong", "ping":
		return stream.HandleResult{Kind: stream.KindPong}, nil
	case "subscribe":
		a.mu.Lock()
		subs := a.pending[msg.ReqID]
		delete(a.pending, msg.ReqID)
		a.mu.Unlock()
		if msg.Success != nil && !*msg.Success {
			if a.diag != nil {
				topics := make([]string, len(subs))
				for i, sub := range subs {
					topics[i] = topicFor(sub)
				}
				a.diag.Record(observability.DiagnosticEvent{
					Kind:  observability.DiagSubscribeRejected,
					Scope: "bybit/ws-subscribe",
					Metadata: map[string]any{
						"topics":  topics,
						"ret_msg": msg.RetMsg,
					},
				})
			}
			return stream.HandleResult{Kind: stream.KindControl},
				errs.New("bybit/ws-subscribe", errs.CodeExchange, errs.WithRawMessage(msg.RetMsg))
		}
		return stream.HandleResult{Kind: stream.KindAck, Acked: subs}, nil
	case "unsubscribe", "auth":
		return stream.HandleResult{Kind: stream.KindControl}, nil
	}

	if msg.Topic == "" {
		return stream.HandleResult{Kind: stream.KindControl}, nil
	}
	if err := a.routeTopic(ctx, msg.Topic, msg.Data); err != nil {
		return stream.HandleResult{}, err
	}
	return stream.HandleResult{Kind: stream.KindData}, nil
}

func (a *WSAdapter) routeTopic(ctx context.Context, topic string, data json.RawMessage) error {
	channel := topic
	symbol := ""
	if i := indexDot(topic); i >= 0 {
		channel, symbol = topic[:i], topic[i+1:]
	}
	switch channel {
	case topicExecution:
		return a.routeExecutions(ctx, data)
	case topicOrder:
		return a.routeOrders(ctx, data)
	case "tickers":
		return a.routeTicker(ctx, symbol, data)
	default:
		// Market topics the core does not consume are valid traffic.
		return nil
	}
}

func indexDot(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func (a *WSAdapter) routeExecutions(ctx context.Context, data json.RawMessage) error {
	var execs []executionPayload
	if err := json.Unmarshal(data, &execs); err != nil {
		return errs.New("bybit/ws-execution", errs.CodeProtocol, errs.WithCause(err))
	}
	for _, exec := range execs {
		ms, at := parseMillis(exec.ExecTime)
		a.dispatcher.Publish(ctx, dispatch.Event{Fill: &orders.FillEvent{
			OrderID:   exec.OrderID,
			FillID:    exec.ExecID,
			Symbol:    exec.Symbol,
			Quantity:  parseDecimal(exec.ExecQty),
			Price:     parseDecimal(exec.ExecPrice),
			Seq:       uint64(ms),
			Timestamp: at,
		}})
	}
	return nil
}

func (a *WSAdapter) routeOrders(ctx context.Context, data json.RawMessage) error {
	var records []orderRecordPayload
	if err := json.Unmarshal(data, &records); err != nil {
		return errs.New("bybit/ws-order", errs.CodeProtocol, errs.WithCause(err))
	}
	for _, rec := range records {
		ms, at := parseMillis(rec.UpdatedTime)
		a.dispatcher.Publish(ctx, dispatch.Event{Status: &orders.StatusUpdate{
			OrderID:   rec.OrderID,
			Symbol:    rec.Symbol,
			Status:    parseStatus(rec.OrderStatus),
			Seq:       uint64(ms),
			Timestamp: at,
		}})
	}
	return nil
}

type tickerPayload struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (a *WSAdapter) routeTicker(ctx context.Context, symbol string, data json.RawMessage) error {
	var ticker tickerPayload
	if err := json.Unmarshal(data, &ticker); err != nil {
		return errs.New("bybit/ws-ticker", errs.CodeProtocol, errs.WithCause(err))
	}
	if ticker.FundingRate == "" {
		return nil
	}
	rate, err := decimal.NewFromString(ticker.FundingRate)
	if err != nil {
		return errs.New("bybit/ws-ticker", errs.CodeProtocol, errs.WithCause(err))
	}
	if ticker.Symbol == "" {
		ticker.Symbol = symbol
	}
	a.dispatcher.Publish(ctx, dispatch.Event{
		Funding: &funding.Sample{
			Symbol:     ticker.Symbol,
			Rate:       rate,
			Interval:   8 * time.Hour,
			ObservedAt: a.clk.Now(),
		},
		FundingPolicy: a.fundingPolicy,
	})
	return nil
}
