package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrade-core/internal/errkind"
	"autotrade-core/internal/types"
)

// DemoClient is a deterministic in-memory Client used by the paper
// runtime mode and by tests, filling every order immediately at the
// price it is told about via SetPrice.
type DemoClient struct {
	mu       sync.Mutex
	prices   map[string]float64
	orders   map[string]Order
	trades   []Trade
	balances map[string]Balance
	nextID   int
}

var _ Client = (*DemoClient)(nil)

// NewDemoClient builds an empty demo client seeded with the given
// starting balances (e.g. {"USDT": {Currency: "USDT", Free: 10000, Total: 10000}}).
func NewDemoClient(startingBalances map[string]Balance) *DemoClient {
	balances := make(map[string]Balance, len(startingBalances))
	for k, v := range startingBalances {
		balances[k] = v
	}
	return &DemoClient{
		prices:   make(map[string]float64),
		orders:   make(map[string]Order),
		balances: balances,
	}
}

// SetPrice records the price the next market order against symbol
// fills at.
func (c *DemoClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
}

func (c *DemoClient) PlaceOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price := c.prices[symbol]
	if price <= 0 {
		return Order{}, errkind.New(errkind.ValidationError, "demo.PlaceOrder", "no price set for "+symbol)
	}
	c.nextID++
	id := fmt.Sprintf("demo-%d", c.nextID)
	order := Order{
		ID:          id,
		Symbol:      symbol,
		Side:        side,
		Quantity:    quantity,
		Price:       price,
		AverageFill: price,
		Status:      StatusFilled,
		CreatedAt:   time.Now().UTC(),
	}
	c.orders[id] = order
	c.trades = append(c.trades, Trade{
		OrderID:   id,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Timestamp: order.CreatedAt,
	})
	return order, nil
}

func (c *DemoClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[orderID]
	if !ok {
		return errkind.New(errkind.ValidationError, "demo.CancelOrder", "unknown order "+orderID)
	}
	order.Status = StatusCanceled
	c.orders[orderID] = order
	return nil
}

func (c *DemoClient) ModifyOrder(ctx context.Context, symbol, orderID string, quantity, price float64) (Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[orderID]
	if !ok {
		return Order{}, errkind.New(errkind.ValidationError, "demo.ModifyOrder", "unknown order "+orderID)
	}
	if quantity > 0 {
		order.Quantity = quantity
	}
	if price > 0 {
		order.Price = price
	}
	c.orders[orderID] = order
	return order, nil
}

func (c *DemoClient) FetchOrder(ctx context.Context, symbol, orderID string) (Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[orderID]
	if !ok {
		return Order{}, errkind.New(errkind.ValidationError, "demo.FetchOrder", "unknown order "+orderID)
	}
	return order, nil
}

func (c *DemoClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Order
	for _, o := range c.orders {
		if o.Symbol == symbol && o.Status == StatusOpen {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *DemoClient) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Balance, len(c.balances))
	for k, v := range c.balances {
		out[k] = v
	}
	return out, nil
}

func (c *DemoClient) FetchPositions(ctx context.Context) ([]PositionInfo, error) {
	return nil, nil
}

func (c *DemoClient) FetchTradeHistory(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Trade
	for _, t := range c.trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (c *DemoClient) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[symbol]
	if !ok {
		return 0, errkind.New(errkind.ValidationError, "demo.FetchTicker", "no price set for "+symbol)
	}
	return price, nil
}

// FetchCandles synthesizes a flat series of candles at the currently
// set price, since the demo client has no real OHLCV history. This is
// enough to exercise the indicator pipeline in tests without a live
// venue connection.
func (c *DemoClient) FetchCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]types.Candle, error) {
	c.mu.Lock()
	price, ok := c.prices[symbol]
	c.mu.Unlock()
	if !ok {
		return nil, errkind.New(errkind.ValidationError, "demo.FetchCandles", "no price set for "+symbol)
	}
	now := time.Now().UTC()
	candles := make([]types.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		candles = append(candles, types.Candle{
			OpenTime: now.Add(-time.Duration(i*timeframeSeconds) * time.Second),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   1,
		})
	}
	return candles, nil
}

// FetchFundingRate returns a zeroed snapshot, since the demo client
// does not model perpetual-swap funding.
func (c *DemoClient) FetchFundingRate(ctx context.Context, symbol string) (types.DerivativesSnapshot, error) {
	return types.DerivativesSnapshot{Symbol: symbol, ComputedAt: time.Now().UTC()}, nil
}
