package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/broker"
	"autotrade-core/internal/decision"
	"autotrade-core/internal/llm"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/prompt"
	"autotrade-core/internal/tools"
	"autotrade-core/internal/types"
)

type stubPortfolioSource struct {
	portfolio *types.Portfolio
}

func (s *stubPortfolioSource) Portfolio() *types.Portfolio { return s.portfolio }

type stubDataSource struct{}

func (s *stubDataSource) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	return 50000, nil
}

func (s *stubDataSource) FetchCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]types.Candle, error) {
	candles := make([]types.Candle, 40)
	for i := range candles {
		candles[i] = types.Candle{Open: 50000, High: 50010, Low: 49990, Close: 50000, Volume: 10}
	}
	return candles, nil
}

func (s *stubDataSource) FetchFundingRate(ctx context.Context, symbol string) (types.DerivativesSnapshot, error) {
	return types.DerivativesSnapshot{Symbol: symbol}, nil
}

type stubAgent struct {
	result llm.RunResult
}

func (s *stubAgent) Run(ctx context.Context, userPrompt string, cache *tools.ToolCache) (llm.RunResult, error) {
	return s.result, nil
}

type stubBrokerPort struct {
	portfolio       *types.Portfolio
	executeCalls    int
	markToMktCalls  int
	executeErr      error
	rejections      []string
}

func (b *stubBrokerPort) Execute(ctx context.Context, decisions []types.DecisionPayload, marketSnapshots map[string]float64) ([]string, error) {
	b.executeCalls++
	return b.rejections, b.executeErr
}

func (b *stubBrokerPort) MarkToMarket(ctx context.Context, marketSnapshots map[string]float64) error {
	b.markToMktCalls++
	return nil
}

func (b *stubBrokerPort) Portfolio() *types.Portfolio { return b.portfolio }

func newTestPipeline(t *testing.T) *decision.Pipeline {
	t.Helper()
	portfolio := types.NewPortfolio(10000)
	registry := tools.New(&stubDataSource{}, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	builder := prompt.NewBuilder()
	agent := &stubAgent{result: llm.RunResult{
		Decisions: []types.DecisionPayload{{Symbol: "BTC", Action: types.ActionHold, Rationale: "steady"}},
		ModelName: "deepseek-chat",
	}}
	return decision.New(&stubPortfolioSource{portfolio: portfolio}, nil, nil, registry, builder, agent, []string{"BTC"}, nil, logging.Default())
}

func TestTriggerRunsOneTickAndRecordsStatus(t *testing.T) {
	pipeline := newTestPipeline(t)
	port := &stubBrokerPort{portfolio: types.NewPortfolio(10000)}
	factory := func(mode types.RuntimeMode) (broker.Port, error) { return port, nil }

	s := New(pipeline, factory, nil, nil, nil, time.Hour, logging.Default())
	s.Trigger(context.Background())

	status := s.Status()
	assert.Equal(t, 1, status.LastDecisionCount)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, 1, port.executeCalls)
	assert.Equal(t, 1, port.markToMktCalls)
}

func TestPauseSuppressesTimerTicks(t *testing.T) {
	pipeline := newTestPipeline(t)
	port := &stubBrokerPort{portfolio: types.NewPortfolio(10000)}
	factory := func(mode types.RuntimeMode) (broker.Port, error) { return port, nil }

	s := New(pipeline, factory, nil, nil, nil, 10*time.Millisecond, logging.Default())
	s.Pause()
	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.Equal(t, 0, port.executeCalls)
}

func TestResumeAllowsTicksAgain(t *testing.T) {
	pipeline := newTestPipeline(t)
	port := &stubBrokerPort{portfolio: types.NewPortfolio(10000)}
	factory := func(mode types.RuntimeMode) (broker.Port, error) { return port, nil }

	s := New(pipeline, factory, nil, nil, nil, time.Hour, logging.Default())
	s.Pause()
	s.Resume()
	s.Trigger(context.Background())

	assert.Equal(t, 1, port.executeCalls)
}

func TestBrokerFactoryErrorRecordsFailure(t *testing.T) {
	pipeline := newTestPipeline(t)
	factory := func(mode types.RuntimeMode) (broker.Port, error) {
		return nil, assertErr{}
	}

	s := New(pipeline, factory, nil, nil, nil, time.Hour, logging.Default())
	s.Trigger(context.Background())

	status := s.Status()
	require.NotEmpty(t, status.LastError)
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

type assertErr struct{}

func (assertErr) Error() string { return "broker factory failed" }
