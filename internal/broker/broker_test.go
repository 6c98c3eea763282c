package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

func ptr(f float64) *float64 { return &f }

func newTestBroker() (*SimulatedBroker, *types.Portfolio) {
	portfolio := types.NewPortfolio(10000)
	b := NewSimulatedBroker(portfolio, 5, 50, nil, logging.Default())
	return b, portfolio
}

func TestSimulatorHappyPathBuyOpensPosition(t *testing.T) {
	b, portfolio := newTestBroker()
	decisions := []types.DecisionPayload{{
		Symbol:     "BTCUSDT",
		Action:     types.ActionBuy,
		SizePct:    10,
		Leverage:   2,
		Confidence: 0.7,
		StopLoss:   ptr(45000),
		TakeProfit: ptr(55000),
	}}
	snapshots := map[string]float64{"BTCUSDT": 50000}

	messages, err := b.Execute(context.Background(), decisions, snapshots)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	pos, ok := portfolio.Positions["BTCUSDT"]
	require.True(t, ok)
	assert.InDelta(t, 0.03998, pos.Quantity, 0.0001)
	assert.InDelta(t, 50025, pos.EntryPrice, 0.5)
	assert.InDelta(t, 9000.10, portfolio.Cash, 0.5)

	require.Len(t, portfolio.EvaluationLog, 1)
	assert.True(t, portfolio.EvaluationLog[0].Executed)
	require.Len(t, portfolio.TradeLog, 1)
	assert.Equal(t, types.ActionBuy, portfolio.TradeLog[0].Action)
}

func TestTakeProfitTriggerClosesPositionProfitably(t *testing.T) {
	b, portfolio := newTestBroker()
	decisions := []types.DecisionPayload{{
		Symbol: "BTCUSDT", Action: types.ActionBuy, SizePct: 10, Leverage: 2,
		StopLoss: ptr(45000), TakeProfit: ptr(55000),
	}}
	_, err := b.Execute(context.Background(), decisions, map[string]float64{"BTCUSDT": 50000})
	require.NoError(t, err)
	cashBeforeTrigger := portfolio.Cash

	err = b.MarkToMarket(context.Background(), map[string]float64{"BTCUSDT": 56000})
	require.NoError(t, err)

	_, stillOpen := portfolio.Positions["BTCUSDT"]
	assert.False(t, stillOpen)
	require.Len(t, portfolio.ClosedPositions, 1)
	closed := portfolio.ClosedPositions[0]
	assert.Contains(t, closed.Reason, "Take-profit")
	assert.Greater(t, closed.RealizedPnL, 0.0)
	assert.Greater(t, portfolio.Cash, cashBeforeTrigger)
}

type stubOutcomeTracker struct {
	exitSymbol string
	exitPrice  float64
	exitErr    error
}

func (s *stubOutcomeTracker) RegisterPositionEntry(ctx context.Context, symbol string, action types.DecisionAction, entryPrice, quantity float64, rationale string) {
}

func (s *stubOutcomeTracker) RegisterPositionExit(ctx context.Context, symbol string, exitPrice float64, exitAction types.DecisionAction, exitReason string) error {
	s.exitSymbol = symbol
	s.exitPrice = exitPrice
	return s.exitErr
}

func TestStopLossTriggerNotifiesOutcomeTracker(t *testing.T) {
	tracker := &stubOutcomeTracker{}
	portfolio := types.NewPortfolio(10000)
	b := NewSimulatedBroker(portfolio, 5, 50, tracker, logging.Default())

	decisions := []types.DecisionPayload{{
		Symbol: "BTCUSDT", Action: types.ActionBuy, SizePct: 10, Leverage: 1,
		StopLoss: ptr(48000),
	}}
	_, err := b.Execute(context.Background(), decisions, map[string]float64{"BTCUSDT": 50000})
	require.NoError(t, err)

	err = b.MarkToMarket(context.Background(), map[string]float64{"BTCUSDT": 47000})
	require.NoError(t, err)

	require.Len(t, portfolio.ClosedPositions, 1)
	closed := portfolio.ClosedPositions[0]
	assert.Contains(t, closed.Reason, "Stop-loss")
	assert.Less(t, closed.RealizedPnL, 0.0)
	assert.Equal(t, "BTCUSDT", tracker.exitSymbol)
	assert.Equal(t, 47000.0, tracker.exitPrice)
}

func TestSellWithoutPositionIsIgnored(t *testing.T) {
	b, portfolio := newTestBroker()
	messages, err := b.Execute(context.Background(), []types.DecisionPayload{{
		Symbol: "ETHUSDT", Action: types.ActionSell,
	}}, map[string]float64{"ETHUSDT": 3000})
	require.NoError(t, err)
	assert.Contains(t, messages[0], "short selling not supported")
	assert.Empty(t, portfolio.Positions)
}

func TestCloseWithoutPositionIsIgnored(t *testing.T) {
	b, _ := newTestBroker()
	messages, err := b.Execute(context.Background(), []types.DecisionPayload{{
		Symbol: "ETHUSDT", Action: types.ActionClose,
	}}, map[string]float64{"ETHUSDT": 3000})
	require.NoError(t, err)
	assert.Contains(t, messages[0], "no position to close")
}

func TestInsufficientCashRejectsBuy(t *testing.T) {
	portfolio := types.NewPortfolio(100)
	b := NewSimulatedBroker(portfolio, 5, 200, nil, logging.Default())
	messages, err := b.Execute(context.Background(), []types.DecisionPayload{{
		Symbol: "BTCUSDT", Action: types.ActionBuy, Quantity: ptr(1), Leverage: 1,
	}}, map[string]float64{"BTCUSDT": 50000})
	require.NoError(t, err)
	assert.Empty(t, portfolio.Positions)
	assert.Contains(t, messages[0], "insufficient cash")
}

func TestBuyWithZeroSizeAndNoQuantityIsRejected(t *testing.T) {
	b, portfolio := newTestBroker()
	messages, err := b.Execute(context.Background(), []types.DecisionPayload{{
		Symbol: "BTCUSDT", Action: types.ActionBuy, SizePct: 0, Leverage: 2,
	}}, map[string]float64{"BTCUSDT": 50000})
	require.NoError(t, err)
	assert.Contains(t, messages[0], "rejected")
	assert.Empty(t, portfolio.Positions)
	require.Len(t, portfolio.EvaluationLog, 1)
	assert.False(t, portfolio.EvaluationLog[0].Executed)
}

func TestInsufficientCashLeavesEvaluationLogUnexecuted(t *testing.T) {
	portfolio := types.NewPortfolio(100)
	b := NewSimulatedBroker(portfolio, 5, 200, nil, logging.Default())
	_, err := b.Execute(context.Background(), []types.DecisionPayload{{
		Symbol: "BTCUSDT", Action: types.ActionBuy, Quantity: ptr(1), Leverage: 1,
	}}, map[string]float64{"BTCUSDT": 50000})
	require.NoError(t, err)
	require.Len(t, portfolio.EvaluationLog, 1)
	assert.False(t, portfolio.EvaluationLog[0].Executed)
}

func TestCloseWithoutPositionLeavesEvaluationLogUnexecuted(t *testing.T) {
	b, portfolio := newTestBroker()
	_, err := b.Execute(context.Background(), []types.DecisionPayload{{
		Symbol: "ETHUSDT", Action: types.ActionClose,
	}}, map[string]float64{"ETHUSDT": 3000})
	require.NoError(t, err)
	require.Len(t, portfolio.EvaluationLog, 1)
	assert.False(t, portfolio.EvaluationLog[0].Executed)
}

func TestInvalidationConditionParsesBelowThreshold(t *testing.T) {
	assert.True(t, evaluateInvalidation("close below 4000", 3900))
	assert.False(t, evaluateInvalidation("close below 4000", 4100))
	assert.True(t, evaluateInvalidation("price above 4000", 4100))
	assert.False(t, evaluateInvalidation("not a parseable condition", 100))
}
