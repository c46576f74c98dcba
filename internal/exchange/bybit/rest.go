// Package bybit adapts the exchange's v5 REST and WebSocket surfaces to the
// core's capability interfaces.
package bybit

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/balance"
	"github.com/ferrixlabs/mooring/internal/clock"
	"github.com/ferrixlabs/mooring/internal/exchange"
	"github.com/ferrixlabs/mooring/internal/funding"
	"github.com/ferrixlabs/mooring/internal/governor"
	"github.com/ferrixlabs/mooring/internal/orders"
)

// Governor endpoint groups. Budgets live in config.
const (
	endpointPlaceOrder       = "place-order"
	endpointCancelOrder      = "cancel-order"
	endpointOrderSnapshot    = "order-snapshot"
	endpointWalletBalance    = "wallet-balance"
	endpointFundingRate      = "funding-rate"
	endpointExecutionHistory = "execution-history"
)

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// Client is the v5 REST adapter. Every call acquires budget from the
// governor first and reports the outcome back for backoff accounting.
type Client struct {
	cfg    config.BybitConfig
	http   exchange.HTTPDoer
	signer *Signer
	gov    *governor.Governor
	clk    clock.Clock
}

var _ exchange.Exchange = (*Client)(nil)

// NewClient builds a REST client. doer may be nil to use a default
// http.Client with the configured timeout.
func NewClient(cfg config.BybitConfig, doer exchange.HTTPDoer, gov *governor.Governor, clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.System()
	}
	if doer == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{
		cfg:    cfg,
		http:   doer,
		signer: NewSigner(cfg.Credentials, cfg.RecvWindow),
		gov:    gov,
		clk:    clk,
	}
}

// Signer exposes the request signer for the private stream adapter.
func (c *Client) Signer() *Signer { return c.signer }

// mapRetCode translates v5 business codes into the core error taxonomy.
func mapRetCode(scope string, code int, msg string) error {
	raw := strconv.Itoa(code)
	switch code {
	case 0:
		return nil
	case 10006, 10018:
		return errs.New(scope, errs.CodeRateLimited, errs.WithRawCode(raw), errs.WithRawMessage(msg))
	case 10002:
		// Request outside the recv window: clock skew, treated as transient.
		return errs.New(scope, errs.CodeNetwork, errs.WithRawCode(raw), errs.WithRawMessage(msg))
	case 10003, 10004:
		return errs.New(scope, errs.CodeAuth, errs.WithRawCode(raw), errs.WithRawMessage(msg))
	case 10001:
		return errs.New(scope, errs.CodeInvalid, errs.WithRawCode(raw), errs.WithRawMessage(msg))
	default:
		return errs.New(scope, errs.CodeExchange, errs.WithRawCode(raw), errs.WithRawMessage(msg))
	}
}

// call issues one signed request through the governor and decodes the
// envelope, returning the raw result payload.
func (c *Client) call(ctx context.Context, endpoint, method, path string, query url.Values, body any) (json.RawMessage, error) {
	scope := "bybit/" + endpoint
	if c.gov != nil {
		if err := c.gov.Acquire(ctx, endpoint, 1); err != nil {
			return nil, err
		}
	}

	var payload string
	var bodyReader io.Reader
	if method == http.MethodGet {
		payload = query.Encode()
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errs.New(scope, errs.CodeInvalid, errs.WithCause(err))
		}
		payload = string(encoded)
		bodyReader = bytes.NewReader(encoded)
	}

	fullURL := strings.TrimRight(c.cfg.RESTBaseURL, "/") + path
	if method == http.MethodGet && len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithCause(err))
	}
	header, err := c.signer.Headers(c.clk.Now(), payload)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		req.Header[key] = values
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		netErr := errs.New(scope, errs.CodeNetwork, errs.WithCause(err))
		c.report(ctx, endpoint, netErr)
		return nil, netErr
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		netErr := errs.New(scope, errs.CodeNetwork, errs.WithCause(err))
		c.report(ctx, endpoint, netErr)
		return nil, netErr
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		rlErr := errs.New(scope, errs.CodeRateLimited, errs.WithHTTP(resp.StatusCode))
		c.report(ctx, endpoint, rlErr)
		return nil, rlErr
	}
	if resp.StatusCode != http.StatusOK {
		httpErr := errs.New(scope, errs.CodeExchange, errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(strings.TrimSpace(string(raw))))
		c.report(ctx, endpoint, httpErr)
		return nil, httpErr
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		protoErr := errs.New(scope, errs.CodeProtocol, errs.WithCause(err))
		c.report(ctx, endpoint, protoErr)
		return nil, protoErr
	}
	if bizErr := mapRetCode(scope, env.RetCode, env.RetMsg); bizErr != nil {
		c.report(ctx, endpoint, bizErr)
		return nil, bizErr
	}
	c.report(ctx, endpoint, nil)
	return env.Result, nil
}

func (c *Client) report(ctx context.Context, endpoint string, err error) {
	if c.gov != nil {
		c.gov.Report(ctx, endpoint, err)
	}
}

type orderRecordPayload struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

func parseStatus(raw string) orders.Status {
	switch raw {
	case "New":
		return orders.StatusNew
	case "PartiallyFilled":
		return orders.StatusPartiallyFilled
	case "Filled":
		return orders.StatusFilled
	case "Cancelled", "Deactivated":
		return orders.StatusCancelled
	case "Rejected":
		return orders.StatusRejected
	default:
		return orders.StatusOpen
	}
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return value
}

func parseMillis(raw string) (int64, time.Time) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, time.Time{}
	}
	return ms, time.UnixMilli(ms)
}

func (p orderRecordPayload) toRecord() orders.OrderRecord {
	ms, updated := parseMillis(p.UpdatedTime)
	return orders.OrderRecord{
		OrderID:        p.OrderID,
		ClientOrderID:  p.OrderLinkID,
		Symbol:         p.Symbol,
		Side:           p.Side,
		Quantity:       parseDecimal(p.Qty),
		Price:          parseDecimal(p.Price),
		Status:         parseStatus(p.OrderStatus),
		FilledQuantity: parseDecimal(p.CumExecQty),
		AvgFillPrice:   parseDecimal(p.AvgPrice),
		// The venue carries no per-order sequence over REST; the update
		// timestamp is monotonic per order and serves as one.
		LastSeq:   uint64(ms),
		UpdatedAt: updated,
	}
}

// PlaceOrder submits a limit or market order. A client order id is minted
// when the caller supplies none, making retries idempotent on the venue.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (orders.OrderRecord, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	body := map[string]string{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   req.OrderType,
		"qty":         req.Quantity.String(),
		"orderLinkId": req.ClientOrderID,
	}
	if req.Price.IsPositive() {
		body["price"] = req.Price.String()
	}
	result, err := c.call(ctx, endpointPlaceOrder, http.MethodPost, "/v5/order/create", nil, body)
	if err != nil {
		return orders.OrderRecord{}, err
	}
	var ack struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		return orders.OrderRecord{}, errs.New("bybit/place-order", errs.CodeProtocol, errs.WithCause(err))
	}
	return orders.OrderRecord{
		OrderID:       ack.OrderID,
		ClientOrderID: ack.OrderLinkID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        orders.StatusNew,
		UpdatedAt:     c.clk.Now(),
	}, nil
}

// CancelOrder cancels one open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := c.call(ctx, endpointCancelOrder, http.MethodPost, "/v5/order/cancel", nil, body)
	return err
}

// OrderSnapshot fetches the authoritative state of one order.
func (c *Client) OrderSnapshot(ctx context.Context, symbol, orderID string) (orders.OrderRecord, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)
	result, err := c.call(ctx, endpointOrderSnapshot, http.MethodGet, "/v5/order/realtime", query, nil)
	if err != nil {
		return orders.OrderRecord{}, err
	}
	var payload struct {
		List []orderRecordPayload `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return orders.OrderRecord{}, errs.New("bybit/order-snapshot", errs.CodeProtocol, errs.WithCause(err))
	}
	if len(payload.List) == 0 {
		return orders.OrderRecord{}, errs.New("bybit/order-snapshot", errs.CodeNotFound,
			errs.WithMessage("order "+orderID+" not found"))
	}
	return payload.List[0].toRecord(), nil
}

// WalletBalance fetches one asset's unified-account balance.
func (c *Client) WalletBalance(ctx context.Context, asset string) (balance.Balance, error) {
	query := url.Values{}
	query.Set("accountType", "UNIFIED")
	query.Set("coin", asset)
	result, err := c.call(ctx, endpointWalletBalance, http.MethodGet, "/v5/account/wallet-balance", query, nil)
	if err != nil {
		return balance.Balance{}, err
	}
	var payload struct {
		List []struct {
			Coin []struct {
				Coin      string `json:"coin"`
				Equity    string `json:"equity"`
				Available string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return balance.Balance{}, errs.New("bybit/wallet-balance", errs.CodeProtocol, errs.WithCause(err))
	}
	for _, account := range payload.List {
		for _, coin := range account.Coin {
			if strings.EqualFold(coin.Coin, asset) {
				return balance.Balance{
					Asset:     coin.Coin,
					Total:     parseDecimal(coin.Equity),
					Available: parseDecimal(coin.Available),
				}, nil
			}
		}
	}
	return balance.Balance{}, errs.New("bybit/wallet-balance", errs.CodeNotFound,
		errs.WithMessage("no balance for "+asset))
}

// FundingRate fetches the current funding rate for one symbol.
func (c *Client) FundingRate(ctx context.Context, symbol string) (funding.Sample, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	query.Set("limit", "1")
	result, err := c.call(ctx, endpointFundingRate, http.MethodGet, "/v5/market/funding/history", query, nil)
	if err != nil {
		return funding.Sample{}, err
	}
	var payload struct {
		List []struct {
			Symbol      string `json:"symbol"`
			FundingRate string `json:"fundingRate"`
			Timestamp   string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return funding.Sample{}, errs.New("bybit/funding-rate", errs.CodeProtocol, errs.WithCause(err))
	}
	if len(payload.List) == 0 {
		return funding.Sample{}, errs.New("bybit/funding-rate", errs.CodeNotFound,
			errs.WithMessage("no funding history for "+symbol))
	}
	entry := payload.List[0]
	rate, err := decimal.NewFromString(entry.FundingRate)
	if err != nil {
		return funding.Sample{}, errs.New("bybit/funding-rate", errs.CodeProtocol, errs.WithCause(err))
	}
	_, observed := parseMillis(entry.Timestamp)
	return funding.Sample{
		Symbol:     entry.Symbol,
		Rate:       rate,
		Interval:   8 * time.Hour,
		ObservedAt: observed,
	}, nil
}

type executionPayload struct {
	OrderID   string `json:"orderId"`
	ExecID    string `json:"execId"`
	Symbol    string `json:"symbol"`
	ExecQty   string `json:"execQty"`
	ExecPrice string `json:"execPrice"`
	ExecTime  string `json:"execTime"`
}

// Executions pages through recent fills, newest first, following the cursor
// until the limit is met or the history ends. Fill ids repeated across
// pages are deduplicated here; the tracker deduplicates again on apply.
func (c *Client) Executions(ctx context.Context, symbol string, limit int) ([]orders.FillEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	seen := make(map[string]struct{}, limit)
	fills := make([]orders.FillEvent, 0, limit)
	cursor := ""
	for len(fills) < limit {
		query := url.Values{}
		query.Set("category", "linear")
		query.Set("symbol", symbol)
		query.Set("limit", "100")
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		result, err := c.call(ctx, endpointExecutionHistory, http.MethodGet, "/v5/execution/list", query, nil)
		if err != nil {
			return nil, err
		}
		var payload struct {
			List           []executionPayload `json:"list"`
			NextPageCursor string             `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(result, &payload); err != nil {
			return nil, errs.New("bybit/execution-history", errs.CodeProtocol, errs.WithCause(err))
		}
		for _, exec := range payload.List {
			if exec.ExecID == "" {
				continue
			}
			if _, dup := seen[exec.ExecID]; dup {
				continue
			}
			seen[exec.ExecID] = struct{}{}
			ms, at := parseMillis(exec.ExecTime)
			fills = append(fills, orders.FillEvent{
				OrderID:   exec.OrderID,
				FillID:    exec.ExecID,
				Symbol:    exec.Symbol,
				Quantity:  parseDecimal(exec.ExecQty),
				Price:     parseDecimal(exec.ExecPrice),
				Seq:       uint64(ms),
				Timestamp: at,
			})
			if len(fills) >= limit {
				break
			}
		}
		if payload.NextPageCursor == "" || payload.NextPageCursor == cursor || len(payload.List) == 0 {
			break
		}
		cursor = payload.NextPageCursor
	}
	return fills, nil
}
