package feedback

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

type stubCompleter struct {
	ruleText string
	err      error
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if strings.Contains(prompt, "New Rule:") {
		return s.ruleText, nil
	}
	return "The stop-loss was placed too tight relative to recent volatility.", nil
}

type stubStore struct {
	rules []types.LearnedRule
	saved []types.LearnedRule
}

func (s *stubStore) FetchActiveRules(ctx context.Context, limit int) ([]types.LearnedRule, error) {
	return s.rules, nil
}

func (s *stubStore) SaveLearnedRule(ctx context.Context, rule types.LearnedRule) (string, error) {
	s.saved = append(s.saved, rule)
	return "rule-1", nil
}

func sampleOutcome() types.TradeOutcome {
	return types.TradeOutcome{
		Symbol:          "BTCUSDT",
		Action:          types.ActionBuy,
		EntryPrice:      50000,
		ExitPrice:       48000,
		Quantity:        0.1,
		PnLPct:          -4,
		ExitReason:      "stop_loss",
		Rationale:       "breakout continuation",
		DurationSeconds: 600,
	}
}

func TestProcessClosedTradeAcceptsValidRule(t *testing.T) {
	llm := &stubCompleter{ruleText: "Avoid entries within 1% of a recent swing high."}
	store := &stubStore{}
	engine := NewEngine(llm, store, 50, logging.Default())

	rule, ok := engine.ProcessClosedTrade(context.Background(), sampleOutcome())
	require.True(t, ok)
	assert.Equal(t, "Avoid entries within 1% of a recent swing high.", rule.Text)
	assert.Equal(t, types.RulePositionSizing, rule.Type)
	assert.Len(t, store.saved, 1)
}

func TestProcessClosedTradeRejectsRuleTooShort(t *testing.T) {
	llm := &stubCompleter{ruleText: "Avoid it."}
	engine := NewEngine(llm, &stubStore{}, 50, logging.Default())

	_, ok := engine.ProcessClosedTrade(context.Background(), sampleOutcome())
	assert.False(t, ok)
}

func TestProcessClosedTradeRejectsVagueHedgingRule(t *testing.T) {
	llm := &stubCompleter{ruleText: "Maybe try to wait for confirmation next time."}
	engine := NewEngine(llm, &stubStore{}, 50, logging.Default())

	_, ok := engine.ProcessClosedTrade(context.Background(), sampleOutcome())
	assert.False(t, ok)
}

func TestProcessClosedTradeRejectsDuplicateRule(t *testing.T) {
	llm := &stubCompleter{ruleText: "Avoid entries within 1% of a recent swing high."}
	store := &stubStore{rules: []types.LearnedRule{
		{Text: "Avoid entries within 1% of a recent swing high level.", Active: true},
	}}
	engine := NewEngine(llm, store, 50, logging.Default())

	_, ok := engine.ProcessClosedTrade(context.Background(), sampleOutcome())
	assert.False(t, ok)
	assert.Empty(t, store.saved)
}

func TestProcessClosedTradeNoRuleWhenLLMFails(t *testing.T) {
	llm := &stubCompleter{err: assert.AnError}
	engine := NewEngine(llm, &stubStore{}, 50, logging.Default())

	_, ok := engine.ProcessClosedTrade(context.Background(), sampleOutcome())
	assert.False(t, ok)
}

func TestValidateRuleRequiresActionVerb(t *testing.T) {
	assert.True(t, validateRule("Never enter a position without confirming the trend on the higher timeframe."))
	assert.False(t, validateRule("The market was choppy and unpredictable during this session."))
}

func TestValidateRuleRejectsBannedVaguePhrasing(t *testing.T) {
	assert.False(t, validateRule("Perhaps try to reduce position size when volatility spikes."))
}

func TestClassifyRuleTypePrioritizesRiskManagement(t *testing.T) {
	assert.Equal(t, types.RuleRiskManagement, classifyRuleType("Always set a stop-loss below the recent swing low."))
}

func TestClassifyRuleTypeDetectsExit(t *testing.T) {
	assert.Equal(t, types.RuleExit, classifyRuleType("Exit the position once take profit is reached."))
}

func TestClassifyRuleTypeDetectsPositionSizing(t *testing.T) {
	assert.Equal(t, types.RulePositionSizing, classifyRuleType("Limit position size to 5% of capital on new setups."))
}

func TestClassifyRuleTypeDefaultsToEntry(t *testing.T) {
	assert.Equal(t, types.RuleEntry, classifyRuleType("Only enter when RSI confirms the breakout direction."))
}

func TestTextSimilarityIdenticalSentencesIsOne(t *testing.T) {
	assert.InDelta(t, 1.0, textSimilarity("avoid entries near resistance", "avoid entries near resistance"), 0.001)
}

func TestTextSimilarityUnrelatedSentencesIsLow(t *testing.T) {
	assert.Less(t, textSimilarity("avoid entries near resistance", "always use trailing stops on winners"), 0.3)
}
