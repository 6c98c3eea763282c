package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sampleContext() Context {
	return Context{
		MinutesSinceStart: 42,
		InvocationCount:   3,
		CurrentTimestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Symbols: []SymbolContext{
			{Symbol: "BTC", CurrentPrice: 50000.123456789, EMA20: 49900, MACD: 12.5, RSI7: 55},
		},
		Account: AccountContext{
			Value: 10000, Cash: 8000, ReturnPct: 1.5, Sharpe: 0.8,
		},
	}
}

func TestBuildOmitsFeedbackBlockWhenEmpty(t *testing.T) {
	out := NewBuilder().Build(sampleContext())
	assert.NotContains(t, out, "LEARNED RULES")
	assert.Contains(t, out, "### TASK ###")
}

func TestBuildFeedbackBlockPrecedesTaskMarker(t *testing.T) {
	ctx := sampleContext()
	ctx.Feedback = FeedbackContext{ActiveRules: []string{"Never enter without confirming trend."}}
	out := NewBuilder().Build(ctx)

	feedbackIdx := strings.Index(out, "LEARNED RULES")
	taskIdx := strings.Index(out, "### TASK ###")
	assert.Greater(t, feedbackIdx, -1)
	assert.Greater(t, taskIdx, feedbackIdx, "feedback block must come before the TASK marker")
}

func TestBuildRoundsPriceToSixDecimals(t *testing.T) {
	out := NewBuilder().Build(sampleContext())
	assert.Contains(t, out, "current_price = 50000.123457")
}

func TestBuildIncludesEverySymbolSection(t *testing.T) {
	ctx := sampleContext()
	ctx.Symbols = append(ctx.Symbols, SymbolContext{Symbol: "ETH", CurrentPrice: 3000})
	out := NewBuilder().Build(ctx)
	assert.Contains(t, out, "## BTC")
	assert.Contains(t, out, "## ETH")
}

func TestBuildPositionEntriesAreCommaSeparatedExceptLast(t *testing.T) {
	ctx := sampleContext()
	ctx.Account.Positions = []PositionContext{
		{Symbol: "BTC", Quantity: 0.1, EntryPrice: 50000, CurrentPrice: 51000},
		{Symbol: "ETH", Quantity: 1, EntryPrice: 3000, CurrentPrice: 3100},
	}
	out := NewBuilder().Build(ctx)
	lines := strings.Split(out, "\n")
	var entries []string
	inPositions := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "[" {
			inPositions = true
			continue
		}
		if strings.TrimSpace(l) == "]" {
			break
		}
		if inPositions {
			entries = append(entries, l)
		}
	}
	assert.Len(t, entries, 2)
	assert.True(t, strings.HasSuffix(entries[0], ","))
	assert.False(t, strings.HasSuffix(entries[1], ","))
}

func TestBuildIsDeterministic(t *testing.T) {
	ctx := sampleContext()
	first := NewBuilder().Build(ctx)
	second := NewBuilder().Build(ctx)
	assert.Equal(t, first, second)
}
