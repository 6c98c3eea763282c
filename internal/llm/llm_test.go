package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/tools"
)

type scriptedLLM struct {
	responses []CompletionResponse
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

type stubExecutor struct {
	calls int
}

func (s *stubExecutor) Call(ctx context.Context, cache *tools.ToolCache, toolName, symbol string) (string, error) {
	s.calls++
	return `{"ok":true}`, nil
}

func TestAgentRunReturnsDecisionsWithNoToolCalls(t *testing.T) {
	scripted := &scriptedLLM{responses: []CompletionResponse{
		{Content: `[{"symbol":"btc","action":"hold","confidence":0.5}]`},
	}}
	agent := NewAgent(scripted, &stubExecutor{}, logging.Default())

	result, err := agent.Run(context.Background(), "prompt", tools.NewToolCache())
	require.NoError(t, err)
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, "BTC", result.Decisions[0].Symbol)
}

func TestAgentRunExecutesToolCallsBeforeFinalAnswer(t *testing.T) {
	scripted := &scriptedLLM{responses: []CompletionResponse{
		{ToolCalls: []ToolCall{{ID: "1", ToolName: "live_market_data", Symbol: "BTC"}}},
		{Content: `[{"symbol":"BTC","action":"HOLD","confidence":0.5}]`},
	}}
	executor := &stubExecutor{}
	agent := NewAgent(scripted, executor, logging.Default())

	result, err := agent.Run(context.Background(), "prompt", tools.NewToolCache())
	require.NoError(t, err)
	assert.Equal(t, 1, executor.calls)
	assert.Len(t, result.Decisions, 1)
}

func TestAgentRunFailsAfterMaxIterationsWithOnlyToolCalls(t *testing.T) {
	responses := make([]CompletionResponse, maxAgentIterations)
	for i := range responses {
		responses[i] = CompletionResponse{ToolCalls: []ToolCall{{ID: "1", ToolName: "live_market_data", Symbol: "BTC"}}}
	}
	scripted := &scriptedLLM{responses: responses}
	agent := NewAgent(scripted, &stubExecutor{}, logging.Default())

	_, err := agent.Run(context.Background(), "prompt", tools.NewToolCache())
	assert.Error(t, err)
}

func TestParseDecisionsExtractsArrayFromSurroundingText(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "prompt"},
		{Role: "assistant", Content: `THOUGHT: reasoning here. [{"symbol":"eth","action":"no_entry","confidence":0.1}] end`},
	}
	decisions, err := ParseDecisions(messages)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "ETH", decisions[0].Symbol)
}

func TestParseDecisionsRejectsInvalidAction(t *testing.T) {
	messages := []Message{
		{Role: "assistant", Content: `[{"symbol":"BTC","action":"PUMP"}]`},
	}
	_, err := ParseDecisions(messages)
	assert.Error(t, err)
}

func TestParseDecisionsRejectsOutOfRangeConfidence(t *testing.T) {
	messages := []Message{
		{Role: "assistant", Content: `[{"symbol":"BTC","action":"HOLD","confidence":1.5}]`},
	}
	_, err := ParseDecisions(messages)
	assert.Error(t, err)
}

func TestParseDecisionsAcceptsDecisionsEnvelope(t *testing.T) {
	messages := []Message{
		{Role: "assistant", Content: `{"decisions":[{"symbol":"BTC","action":"HOLD","confidence":0.5}],"model_name":"deepseek-chat"}`},
	}
	decisions, err := ParseDecisions(messages)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
}

func TestChainOfThoughtSkipsFinalDecisionMessage(t *testing.T) {
	messages := []Message{
		{Role: "assistant", Content: "reasoning step one", ToolCalls: []ToolCall{{ID: "1"}}},
		{Role: "assistant", Content: `[{"symbol":"BTC","action":"HOLD"}]`},
	}
	cot := ChainOfThought(messages)
	assert.Equal(t, "reasoning step one", cot)
}
