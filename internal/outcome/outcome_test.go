package outcome

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

type stubFeedback struct {
	received types.TradeOutcome
	called   bool
}

func (s *stubFeedback) ProcessClosedTrade(ctx context.Context, outcome types.TradeOutcome) (types.LearnedRule, bool) {
	s.received = outcome
	s.called = true
	return types.LearnedRule{Text: "Avoid entries without confirmation."}, true
}

func TestBuyPnLPercentIsPositiveWhenPriceRises(t *testing.T) {
	fb := &stubFeedback{}
	tracker := NewTracker(fb, nil, logging.Default())

	tracker.RegisterPositionEntry(context.Background(), "BTCUSDT", types.ActionBuy, 50000, 0.1, "breakout setup")
	err := tracker.RegisterPositionExit(context.Background(), "BTCUSDT", 55000, types.ActionClose, "take_profit")
	require.NoError(t, err)

	require.True(t, fb.called)
	assert.InDelta(t, 10.0, fb.received.PnLPct, 0.001)
	assert.InDelta(t, 500.0, fb.received.PnLUSD, 0.001)
}

func TestSellPnLPercentIsSignFlippedForShorts(t *testing.T) {
	fb := &stubFeedback{}
	tracker := NewTracker(fb, nil, logging.Default())

	tracker.RegisterPositionEntry(context.Background(), "ETHUSDT", types.ActionSell, 3000, 1, "breakdown setup")
	err := tracker.RegisterPositionExit(context.Background(), "ETHUSDT", 2700, types.ActionClose, "take_profit")
	require.NoError(t, err)

	assert.InDelta(t, 10.0, fb.received.PnLPct, 0.001)
}

func TestSellPnLPercentIsNegativeWhenPriceRisesAgainstShort(t *testing.T) {
	fb := &stubFeedback{}
	tracker := NewTracker(fb, nil, logging.Default())

	tracker.RegisterPositionEntry(context.Background(), "ETHUSDT", types.ActionSell, 3000, 1, "breakdown setup")
	err := tracker.RegisterPositionExit(context.Background(), "ETHUSDT", 3300, types.ActionClose, "stop_loss")
	require.NoError(t, err)

	assert.InDelta(t, -10.0, fb.received.PnLPct, 0.001)
}

func TestRegisterPositionExitWithoutEntryReturnsError(t *testing.T) {
	tracker := NewTracker(nil, nil, logging.Default())
	err := tracker.RegisterPositionExit(context.Background(), "BTCUSDT", 50000, types.ActionClose, "manual")
	assert.Error(t, err)
}

func TestHasOpenPositionAndClearAllPositions(t *testing.T) {
	tracker := NewTracker(nil, nil, logging.Default())
	tracker.RegisterPositionEntry(context.Background(), "BTCUSDT", types.ActionBuy, 50000, 0.1, "setup")

	assert.True(t, tracker.HasOpenPosition("BTCUSDT"))
	assert.Len(t, tracker.GetAllOpenPositions(), 1)

	tracker.ClearAllPositions()
	assert.False(t, tracker.HasOpenPosition("BTCUSDT"))
}

func TestNilFeedbackDoesNotPanicOnExit(t *testing.T) {
	tracker := NewTracker(nil, nil, logging.Default())
	tracker.RegisterPositionEntry(context.Background(), "BTCUSDT", types.ActionBuy, 50000, 0.1, "setup")
	err := tracker.RegisterPositionExit(context.Background(), "BTCUSDT", 51000, types.ActionClose, "manual")
	assert.NoError(t, err)
}
