package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderFillPricePriority(t *testing.T) {
	o := Order{InfoAvgPx: 10, InfoFillPx: 20, InfoPx: 30}
	assert.Equal(t, 10.0, o.FillPrice())

	o = Order{InfoFillPx: 20, InfoPx: 30}
	assert.Equal(t, 20.0, o.FillPrice())

	o = Order{InfoPx: 30}
	assert.Equal(t, 30.0, o.FillPrice())

	o = Order{Price: 5, AverageFill: 7}
	assert.Equal(t, 5.0, o.FillPrice())

	o = Order{AverageFill: 7, InfoAvgPx: 9}
	assert.Equal(t, 7.0, o.FillPrice())
}

func TestOrderAcceptedRequiresID(t *testing.T) {
	o := Order{Status: StatusFilled}
	assert.False(t, o.Accepted())

	o = Order{ID: "1", Status: StatusFilled}
	assert.True(t, o.Accepted())
}

func TestOrderAcceptedRejectsCanceledStatus(t *testing.T) {
	for _, s := range []OrderStatus{StatusCanceled, StatusCancelled, StatusRejected, StatusError} {
		o := Order{ID: "1", Status: s}
		assert.False(t, o.Accepted(), "status %s should not be accepted", s)
	}
}

func TestOrderAcceptedChecksInfoStateToo(t *testing.T) {
	o := Order{ID: "1", Status: StatusOpen, InfoState: "canceled"}
	assert.False(t, o.Accepted())
}

func TestAvgFillPriceWeightsByQuantity(t *testing.T) {
	trades := []Trade{
		{Side: SideBuy, Price: 100, Quantity: 1},
		{Side: SideBuy, Price: 200, Quantity: 3},
		{Side: SideSell, Price: 500, Quantity: 1},
	}
	price, qty := AvgFillPrice(trades, SideBuy)
	assert.InDelta(t, 175.0, price, 0.0001)
	assert.Equal(t, 4.0, qty)
}

func TestAvgFillPriceNoMatchingTrades(t *testing.T) {
	price, qty := AvgFillPrice(nil, SideBuy)
	assert.Equal(t, 0.0, price)
	assert.Equal(t, 0.0, qty)
}

func TestDemoClientFillsAtSetPrice(t *testing.T) {
	c := NewDemoClient(map[string]Balance{"USDT": {Currency: "USDT", Free: 1000, Total: 1000}})
	c.SetPrice("BTCUSDT", 50000)

	order, err := c.PlaceOrder(nil, "BTCUSDT", SideBuy, 0.1)
	assert.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
	assert.Equal(t, 50000.0, order.FillPrice())
	assert.True(t, order.Accepted())
}

func TestDemoClientRejectsOrderWithoutPrice(t *testing.T) {
	c := NewDemoClient(nil)
	_, err := c.PlaceOrder(nil, "ETHUSDT", SideBuy, 1)
	assert.Error(t, err)
}

func TestDemoClientCancelOrder(t *testing.T) {
	c := NewDemoClient(nil)
	c.SetPrice("BTCUSDT", 100)
	order, _ := c.PlaceOrder(nil, "BTCUSDT", SideBuy, 1)
	err := c.CancelOrder(nil, "BTCUSDT", order.ID)
	assert.NoError(t, err)
	fetched, _ := c.FetchOrder(nil, "BTCUSDT", order.ID)
	assert.Equal(t, StatusCanceled, fetched.Status)
}
