package bybit

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ferrixlabs/mooring/config"
	"github.com/ferrixlabs/mooring/errs"
	"github.com/ferrixlabs/mooring/internal/exchange"
	"github.com/ferrixlabs/mooring/internal/orders"
)

type stubDoer struct {
	mu        sync.Mutex
	responses []string
	status    int
	requests  []*http.Request
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	body := "{}"
	if len(d.responses) > 0 {
		body = d.responses[0]
		d.responses = d.responses[1:]
	}
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
	}, nil
}

func newTestClient(doer *stubDoer) *Client {
	cfg := config.BybitConfig{
		RESTBaseURL: "https://api.test",
		RecvWindow:  5 * time.Second,
		Credentials: config.Credentials{APIKey: "key", APISecret: "secret"},
	}
	return NewClient(cfg, doer, nil, nil)
}

func TestOrderSnapshotParsesRecord(t *testing.T) {
	doer := &stubDoer{responses: []string{`{
		"retCode": 0, "retMsg": "OK",
		"result": {"list": [{
			"orderId": "o1", "orderLinkId": "c1", "symbol": "BTCUSDT",
			"side": "Buy", "orderStatus": "PartiallyFilled",
			"qty": "2", "price": "50000", "cumExecQty": "0.5",
			"avgPrice": "49990", "updatedTime": "1700000000000"
		}]}
	}`}}
	client := newTestClient(doer)

	rec, err := client.OrderSnapshot(context.Background(), "BTCUSDT", "o1")
	require.NoError(t, err)
	require.Equal(t, "o1", rec.OrderID)
	require.Equal(t, "c1", rec.ClientOrderID)
	require.Equal(t, orders.StatusPartiallyFilled, rec.Status)
	require.True(t, rec.Quantity.Equal(decimal.RequireFromString("2")))
	require.True(t, rec.FilledQuantity.Equal(decimal.RequireFromString("0.5")))
	require.EqualValues(t, 1700000000000, rec.LastSeq)

	req := doer.requests[0]
	require.Equal(t, http.MethodGet, req.Method)
	require.NotEmpty(t, req.Header.Get(headerSign))
	require.Equal(t, "key", req.Header.Get(headerAPIKey))
}

func TestOrderSnapshotNotFound(t *testing.T) {
	doer := &stubDoer{responses: []string{`{"retCode": 0, "retMsg": "OK", "result": {"list": []}}`}}
	client := newTestClient(doer)
	_, err := client.OrderSnapshot(context.Background(), "BTCUSDT", "missing")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestCallMapsBusinessErrors(t *testing.T) {
	doer := &stubDoer{responses: []string{`{"retCode": 10006, "retMsg": "too many visits", "result": {}}`}}
	client := newTestClient(doer)
	_, err := client.OrderSnapshot(context.Background(), "BTCUSDT", "o1")
	require.True(t, errs.HasCode(err, errs.CodeRateLimited))
}

func TestCallMapsHTTP429(t *testing.T) {
	doer := &stubDoer{status: http.StatusTooManyRequests, responses: []string{``}}
	client := newTestClient(doer)
	_, err := client.OrderSnapshot(context.Background(), "BTCUSDT", "o1")
	require.True(t, errs.HasCode(err, errs.CodeRateLimited))
}

func TestPlaceOrderMintsClientID(t *testing.T) {
	doer := &stubDoer{responses: []string{`{"retCode": 0, "retMsg": "OK", "result": {"orderId": "o9", "orderLinkId": "gen"}}`}}
	client := newTestClient(doer)

	rec, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      "Buy",
		OrderType: "Limit",
		Quantity:  decimal.RequireFromString("1"),
		Price:     decimal.RequireFromString("50000"),
	})
	require.NoError(t, err)
	require.Equal(t, "o9", rec.OrderID)
	require.Equal(t, orders.StatusNew, rec.Status)

	req := doer.requests[0]
	require.Equal(t, http.MethodPost, req.Method)
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"orderLinkId"`)
	require.Contains(t, string(raw), `"price":"50000"`)
}

func TestWalletBalanceParsesCoin(t *testing.T) {
	doer := &stubDoer{responses: []string{`{
		"retCode": 0, "retMsg": "OK",
		"result": {"list": [{"coin": [
			{"coin": "USDT", "equity": "1000.5", "availableToWithdraw": "800"}
		]}]}
	}`}}
	client := newTestClient(doer)

	bal, err := client.WalletBalance(context.Background(), "USDT")
	require.NoError(t, err)
	require.True(t, bal.Total.Equal(decimal.RequireFromString("1000.5")))
	require.True(t, bal.Available.Equal(decimal.RequireFromString("800")))
}

func TestFundingRateParsesSample(t *testing.T) {
	doer := &stubDoer{responses: []string{`{
		"retCode": 0, "retMsg": "OK",
		"result": {"list": [{
			"symbol": "BTCUSDT", "fundingRate": "0.0001",
			"fundingRateTimestamp": "1700000000000"
		}]}
	}`}}
	client := newTestClient(doer)

	sample, err := client.FundingRate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, sample.Rate.Equal(decimal.RequireFromString("0.0001")))
	require.Equal(t, 8*time.Hour, sample.Interval)
	require.Equal(t, time.UnixMilli(1700000000000), sample.ObservedAt)
}

func TestExecutionsFollowsCursorAndDedups(t *testing.T) {
	doer := &stubDoer{responses: []string{
		`{"retCode": 0, "retMsg": "OK", "result": {
			"list": [
				{"orderId": "o1", "execId": "e1", "symbol": "BTCUSDT", "execQty": "0.1", "execPrice": "50000", "execTime": "1700000000002"},
				{"orderId": "o1", "execId": "e2", "symbol": "BTCUSDT", "execQty": "0.2", "execPrice": "50001", "execTime": "1700000000001"}
			],
			"nextPageCursor": "page2"
		}}`,
		`{"retCode": 0, "retMsg": "OK", "result": {
			"list": [
				{"orderId": "o1", "execId": "e2", "symbol": "BTCUSDT", "execQty": "0.2", "execPrice": "50001", "execTime": "1700000000001"},
				{"orderId": "o2", "execId": "e3", "symbol": "BTCUSDT", "execQty": "0.3", "execPrice": "50002", "execTime": "1700000000000"}
			],
			"nextPageCursor": ""
		}}`,
	}}
	client := newTestClient(doer)

	fills, err := client.Executions(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, fills, 3)
	require.Equal(t, "e1", fills[0].FillID)
	require.Equal(t, "e2", fills[1].FillID)
	require.Equal(t, "e3", fills[2].FillID)
	require.Len(t, doer.requests, 2)
}
