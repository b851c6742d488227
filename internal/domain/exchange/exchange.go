// Package exchange defines the capability interface the engine consumes.
// Implementations live under internal/infra; the engine never depends on a
// concrete client.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is a pair-normalized price snapshot.
type Ticker struct {
	Pair string
	Last decimal.Decimal
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	TS   time.Time
}

// Balance maps asset code to the free amount held on the exchange.
type Balance map[string]decimal.Decimal

// Order is the exchange-side view of an order.
type Order struct {
	OrderID    string
	Pair       string
	Side       string          // buy | sell
	Type       string          // market | limit
	Status     string          // open | closed | canceled | expired
	Price      decimal.Decimal // limit price, zero for market
	Volume     decimal.Decimal // requested size
	VolumeExec decimal.Decimal // executed size
	Cost       decimal.Decimal // executed value
	Fee        decimal.Decimal
	AvgPrice   decimal.Decimal // zero when the exchange does not report one
	OpenedAt   time.Time
}

// Fill is one exchange-reported execution belonging to an order.
type Fill struct {
	TxID       string
	OrderID    string
	Pair       string
	Side       string
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Cost       decimal.Decimal
	Fee        decimal.Decimal
	ExecutedAt time.Time
}

// FillFilter narrows a fills query. Cheaper, more precise fields first:
// an OrderID lookup beats a pair+window scan beats a broad recent list.
type FillFilter struct {
	OrderID string
	Pair    string
	Since   time.Time
}

// OrderRequest places a new order.
type OrderRequest struct {
	Pair   string
	Side   string
	Type   string
	Volume decimal.Decimal
	Price  decimal.Decimal // limit orders only
}

// Exchange is the pair/market-normalized capability the engine consumes.
// All calls are expected to fail fast rather than hang.
type Exchange interface {
	GetTicker(ctx context.Context, pair string) (*Ticker, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetFills(ctx context.Context, filter FillFilter) ([]*Fill, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// MinOrderSize returns the exchange minimum order size for a pair,
	// in base-asset units.
	MinOrderSize(ctx context.Context, pair string) (decimal.Decimal, error)

	// BaseAsset returns the base asset code for a pair (e.g. XBT for XBT/USD).
	BaseAsset(pair string) string

	// Name identifies the exchange (e.g. "kraken") for dedup keys.
	Name() string
}

// Order statuses.
const (
	OrderStatusOpen     = "open"
	OrderStatusClosed   = "closed"
	OrderStatusCanceled = "canceled"
	OrderStatusExpired  = "expired"
)

// Order sides and types.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)
