// Package exchange defines the CCXT-style client contract the
// ExchangeBroker drives against the OKX demo/live venue.
package exchange

import (
	"context"
	"time"
)

// OrderSide is the closed set of order sides.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus is the closed set of statuses _is_order_accepted checks
// against.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCanceled  OrderStatus = "canceled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusError     OrderStatus = "error"
)

// Accepted reports whether an order with this status is considered
// live/placed, rather than canceled/rejected/error.
func (s OrderStatus) Accepted() bool {
	switch s {
	case StatusCanceled, StatusCancelled, StatusRejected, StatusError:
		return false
	}
	return true
}

// Order is the exchange's view of one submitted order.
type Order struct {
	ID            string
	Symbol        string
	Side          OrderSide
	Quantity      float64
	Price         float64
	AverageFill   float64
	InfoAvgPx     float64
	InfoFillPx    float64
	InfoPx        float64
	InfoState     string
	Status        OrderStatus
	CreatedAt     time.Time
}

// FillPrice extracts the best-available fill price, following the
// priority order price > average > info.avgPx > info.fillPx > info.px.
func (o Order) FillPrice() float64 {
	if o.Price > 0 {
		return o.Price
	}
	if o.AverageFill > 0 {
		return o.AverageFill
	}
	if o.InfoAvgPx > 0 {
		return o.InfoAvgPx
	}
	if o.InfoFillPx > 0 {
		return o.InfoFillPx
	}
	return o.InfoPx
}

// Accepted checks both the typed Status and the raw info.state the
// way _is_order_accepted does, since some venues only populate one.
func (o Order) Accepted() bool {
	if o.ID == "" {
		return false
	}
	if !o.Status.Accepted() {
		return false
	}
	switch OrderStatus(o.InfoState) {
	case StatusCanceled, StatusCancelled, StatusRejected, StatusError:
		return false
	}
	return true
}

// Balance is one currency's free/total balance.
type Balance struct {
	Currency string
	Free     float64
	Total    float64
}

// PositionInfo is the exchange's view of one open position.
type PositionInfo struct {
	Symbol       string
	Side         OrderSide
	Quantity     float64
	EntryPrice   float64
	MarkPrice    float64
	UnrealizedPnL float64
}

// Trade is one fill from the trade history, used to reconstruct
// weighted-average realized pnl.
type Trade struct {
	OrderID   string
	Symbol    string
	Side      OrderSide
	Price     float64
	Quantity  float64
	Timestamp time.Time
}

// Client is the CCXT-style contract an ExchangeBroker drives. Both
// the OKX REST client and the in-memory demo client implement it.
type Client interface {
	PlaceOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	ModifyOrder(ctx context.Context, symbol, orderID string, quantity, price float64) (Order, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchPositions(ctx context.Context) ([]PositionInfo, error)
	FetchTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error)
	FetchTicker(ctx context.Context, symbol string) (float64, error)
}

// AvgFillPrice computes the quantity-weighted average price across
// trades on one side, mirroring the original module-level
// _avg_fill_price helper used to capture realized pnl.
func AvgFillPrice(trades []Trade, side OrderSide) (price, quantity float64) {
	var notional, qty float64
	for _, t := range trades {
		if t.Side != side {
			continue
		}
		notional += t.Price * t.Quantity
		qty += t.Quantity
	}
	if qty == 0 {
		return 0, 0
	}
	return notional / qty, qty
}
