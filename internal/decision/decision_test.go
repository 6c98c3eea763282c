package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/llm"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/prompt"
	"autotrade-core/internal/tools"
	"autotrade-core/internal/types"
)

type stubPortfolioSource struct {
	portfolio *types.Portfolio
}

func (s *stubPortfolioSource) Portfolio() *types.Portfolio {
	return s.portfolio
}

type stubRuleSource struct {
	rules []types.LearnedRule
}

func (s *stubRuleSource) FetchActiveRules(ctx context.Context, limit int) ([]types.LearnedRule, error) {
	return s.rules, nil
}

func (s *stubRuleSource) RecordRuleApplication(ctx context.Context, ruleID, runID, symbol string) error {
	return nil
}

type stubOutcomeSource struct {
	outcomes []types.TradeOutcome
}

func (s *stubOutcomeSource) FetchRecentOutcomes(ctx context.Context, limit int) ([]types.TradeOutcome, error) {
	return s.outcomes, nil
}

type stubDataSource struct {
	price   float64
	candles []types.Candle
}

func (s *stubDataSource) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	return s.price, nil
}

func (s *stubDataSource) FetchCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]types.Candle, error) {
	return s.candles, nil
}

func (s *stubDataSource) FetchFundingRate(ctx context.Context, symbol string) (types.DerivativesSnapshot, error) {
	return types.DerivativesSnapshot{Symbol: symbol, FundingRate: 0.0002}, nil
}

type stubAgent struct {
	result llm.RunResult
	err    error
}

func (s *stubAgent) Run(ctx context.Context, userPrompt string, cache *tools.ToolCache) (llm.RunResult, error) {
	return s.result, s.err
}

func sampleCandles(n int, price float64) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 5}
	}
	return out
}

func TestRunOnceAbstainsWithoutPortfolio(t *testing.T) {
	p := New(&stubPortfolioSource{portfolio: nil}, nil, nil, nil, nil, nil, nil, nil, logging.Default())
	_, ok := p.RunOnce(context.Background())
	assert.False(t, ok)
}

func TestRunOnceReturnsDecisionsOnSuccess(t *testing.T) {
	portfolio := types.NewPortfolio(10000)
	source := &stubDataSource{price: 50000, candles: sampleCandles(40, 50000)}
	registry := tools.New(source, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	builder := prompt.NewBuilder()
	agent := &stubAgent{result: llm.RunResult{
		Decisions: []types.DecisionPayload{{Symbol: "BTC", Action: types.ActionHold, Rationale: "steady"}},
		ModelName: "deepseek-chat",
	}}

	pipeline := New(&stubPortfolioSource{portfolio: portfolio}, &stubRuleSource{}, &stubOutcomeSource{}, registry, builder, agent, []string{"BTC"}, nil, logging.Default())

	result, ok := pipeline.RunOnce(context.Background())
	require.True(t, ok)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, "BTC", result.Decisions[0].Symbol)
	assert.Equal(t, "deepseek-chat", result.ModelName)
	assert.Contains(t, result.MarketSnapshots, "BTC")
}

func TestRunOnceAttachesChainOfThoughtWhenRationaleMissing(t *testing.T) {
	portfolio := types.NewPortfolio(10000)
	source := &stubDataSource{price: 50000, candles: sampleCandles(40, 50000)}
	registry := tools.New(source, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	builder := prompt.NewBuilder()
	agent := &stubAgent{result: llm.RunResult{
		Messages: []llm.Message{
			{Role: "assistant", Content: "thinking about BTC setup"},
			{Role: "assistant", Content: `[{"symbol":"BTC","action":"HOLD"}]`},
		},
		Decisions: []types.DecisionPayload{{Symbol: "BTC", Action: types.ActionHold}},
	}}

	pipeline := New(&stubPortfolioSource{portfolio: portfolio}, nil, nil, registry, builder, agent, []string{"BTC"}, nil, logging.Default())

	result, ok := pipeline.RunOnce(context.Background())
	require.True(t, ok)
	assert.Equal(t, "thinking about BTC setup", result.Decisions[0].ChainOfThought)
}

func TestResolveFallbackPriceUsesTakeProfitWhenNoMarketPrice(t *testing.T) {
	tp := 55000.0
	decision := types.DecisionPayload{Symbol: "BTC", TakeProfit: &tp}
	price, err := ResolveFallbackPrice(decision, map[string]float64{})
	require.NoError(t, err)
	assert.Equal(t, 55000.0, price)
}

func TestResolveFallbackPriceErrorsWithNoUsablePrice(t *testing.T) {
	decision := types.DecisionPayload{Symbol: "BTC"}
	_, err := ResolveFallbackPrice(decision, map[string]float64{})
	assert.Error(t, err)
}
