// Package exchange defines the capability surface the core needs from a
// venue. Spot and derivative surfaces both satisfy it; there is no deeper
// hierarchy.
package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ferrixlabs/mooring/internal/balance"
	"github.com/ferrixlabs/mooring/internal/funding"
	"github.com/ferrixlabs/mooring/internal/orders"
)

// OrderRequest describes a new order submission.
type OrderRequest struct {
	Symbol        string
	Side          string
	OrderType     string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// Exchange is the REST capability set the core consumes. Every call is
// expected to pass through the rate governor inside the implementation.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (orders.OrderRecord, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OrderSnapshot(ctx context.Context, symbol, orderID string) (orders.OrderRecord, error)
	WalletBalance(ctx context.Context, asset string) (balance.Balance, error)
	FundingRate(ctx context.Context, symbol string) (funding.Sample, error)
	// Executions pages through recent fills for seeding, deduplicated by
	// fill id exactly like live events.
	Executions(ctx context.Context, symbol string, limit int) ([]orders.FillEvent, error)
}

// Signer produces the authentication headers for one signed request.
type Signer interface {
	Headers(timestamp time.Time, payload string) (http.Header, error)
}

// HTTPDoer is the transport seam for REST clients.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
