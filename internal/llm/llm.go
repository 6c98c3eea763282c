// Package llm provides a tool-calling chat completion agent that
// drives the decision pipeline: a ChatLLM abstraction over DeepSeek,
// OpenAI, and Claude HTTP APIs, carrying tool definitions and tool-call
// responses, and an Agent loop that executes tool calls against a
// tools.Registry until the model returns a final decision payload.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"autotrade-core/internal/errkind"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/tools"
	"autotrade-core/internal/types"
)

// Provider is the closed set of chat completion backends this client
// can dispatch to.
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderOpenAI   Provider = "openai"
	ProviderClaude   Provider = "claude"
)

// ToolDef describes one callable tool, advertised to the model on
// every request.
type ToolDef struct {
	Name        string
	Description string
}

// Message is one turn in the conversation. Role is "system", "user",
// "assistant", or "tool". ToolCallID/ToolName are set on tool-result
// messages; ToolCalls is set on an assistant message that invoked
// tools.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID       string
	ToolName string
	Symbol   string
}

// CompletionRequest is one round-trip to the model.
type CompletionRequest struct {
	Messages    []Message
	Tools       []ToolDef
	Temperature float64
}

// CompletionResponse is the model's reply: either final content (no
// tool calls) or a set of tool calls to execute before continuing.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	ModelName string
}

// ChatLLM is the completion backend the agent loop drives. Complete
// performs one full chat-completion round-trip to the tool-aware
// endpoint; TextCompleter.Complete (below) satisfies the narrower
// single-shot contract internal/feedback depends on.
type ChatLLM interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// Config configures an HTTP-backed ChatLLM client.
type Config struct {
	Provider  Provider
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// DefaultConfig returns the DeepSeek configuration this service runs
// with by default; OpenAI/Claude remain available as alternate
// providers since multi-provider support predates this service's
// tool-calling needs.
func DefaultConfig() Config {
	return Config{
		Provider:  ProviderDeepSeek,
		Model:     "deepseek-chat",
		BaseURL:   "https://api.deepseek.com/v1/chat/completions",
		MaxTokens: 2048,
		Timeout:   60 * time.Second,
	}
}

// Client is an HTTP-backed ChatLLM talking to an OpenAI-compatible
// chat completion endpoint. DeepSeek and OpenAI share the request/
// response shape; Claude is dispatched separately.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient builds a Client for the configured provider.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type apiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type apiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []apiTool     `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string        `json:"content"`
			ToolCalls []apiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toAPIMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.ToolName}
		for _, tc := range m.ToolCalls {
			api := apiToolCall{ID: tc.ID, Type: "function"}
			api.Function.Name = tc.ToolName
			args, _ := json.Marshal(map[string]string{"symbol": tc.Symbol})
			api.Function.Arguments = string(args)
			cm.ToolCalls = append(cm.ToolCalls, api)
		}
		out = append(out, cm)
	}
	return out
}

func toAPITools(defs []ToolDef) []apiTool {
	out := make([]apiTool, 0, len(defs))
	for _, d := range defs {
		t := apiTool{Type: "function"}
		t.Function.Name = d.Name
		t.Function.Description = d.Description
		t.Function.Parameters = map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"symbol": map[string]interface{}{"type": "string"},
			},
			"required": []string{"symbol"},
		}
		out = append(out, t)
	}
	return out
}

// Complete sends one chat-completion request and translates the
// response into a CompletionResponse.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if c.cfg.Provider == ProviderClaude {
		return c.completeClaude(ctx, req)
	}
	return c.completeOpenAICompatible(ctx, req)
}

func (c *Client) completeOpenAICompatible(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    toAPIMessages(req.Messages),
		Tools:       toAPITools(req.Tools),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.ValidationError, "llm.Complete", "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.TransientIOError, "llm.Complete", "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.TransientIOError, "llm.Complete", "send request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.TransientIOError, "llm.Complete", "read response", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.TransientIOError, "llm.Complete", "unmarshal response", err)
	}
	if parsed.Error != nil {
		return CompletionResponse{}, errkind.New(errkind.TransientIOError, "llm.Complete", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, errkind.New(errkind.TransientIOError, "llm.Complete", "empty choices in response")
	}

	choice := parsed.Choices[0]
	out := CompletionResponse{Content: choice.Message.Content, ModelName: parsed.Model}
	for _, tc := range choice.Message.ToolCalls {
		var args struct {
			Symbol string `json:"symbol"`
		}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, ToolName: tc.Function.Name, Symbol: args.Symbol})
	}
	return out, nil
}

// claudeRequest/claudeResponse mirror Claude's messages API shape.
// Claude has no native "tools" parameter wired here since the service
// only targets DeepSeek in production; Claude remains a fallback
// text-only completion path.
type claudeRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) completeClaude(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var system string
	var rest []chatMessage
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		rest = append(rest, chatMessage{Role: m.Role, Content: m.Content})
	}
	body := claudeRequest{Model: c.cfg.Model, MaxTokens: c.cfg.MaxTokens, System: system, Messages: rest}
	payload, err := json.Marshal(body)
	if err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.ValidationError, "llm.completeClaude", "marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.TransientIOError, "llm.completeClaude", "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.TransientIOError, "llm.completeClaude", "send request", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.TransientIOError, "llm.completeClaude", "read response", err)
	}
	var parsed claudeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return CompletionResponse{}, errkind.Wrap(errkind.TransientIOError, "llm.completeClaude", "unmarshal response", err)
	}
	if parsed.Error != nil {
		return CompletionResponse{}, errkind.New(errkind.TransientIOError, "llm.completeClaude", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return CompletionResponse{}, errkind.New(errkind.TransientIOError, "llm.completeClaude", "empty content in response")
	}
	return CompletionResponse{Content: parsed.Content[0].Text, ModelName: parsed.Model}, nil
}

// CompleteText performs a single-shot text completion with no tool
// calls. The feedback loop reaches it through TextCompleter for
// critique/rule generation rather than decision-making.
func (c *Client) CompleteText(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// TextCompleter adapts Client to the single-shot feedback.Completer
// contract (Complete(ctx, prompt, temperature) (string, error)),
// kept as a separate type since Client's own Complete method carries
// the tool-aware CompletionRequest/Response shape instead.
type TextCompleter struct {
	client *Client
}

// NewTextCompleter wraps client for use as a feedback.Completer.
func NewTextCompleter(client *Client) *TextCompleter {
	return &TextCompleter{client: client}
}

// Complete satisfies feedback.Completer.
func (t *TextCompleter) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	return t.client.CompleteText(ctx, prompt, temperature)
}

// SystemPrompt is the fixed instruction set every run opens with.
const SystemPrompt = "You are AutoTrader, an LLM portfolio manager. Use the available tools to gather the latest " +
	"market data and technical indicators for each symbol before making any decisions. " +
	"ALWAYS call `live_market_data` and `indicator_calculator` for every symbol you evaluate. " +
	"After you finish reasoning, respond with ONLY a JSON array of decisions matching the schema:\n" +
	`  [{"symbol": "BTC", "action": "HOLD|CLOSE|BUY|SELL|NO_ENTRY", "quantity": 0.0, ` +
	`"size_pct": 0.0, "leverage": 1.0, "confidence": 0.65, "stop_loss": 0.0, "take_profit": 0.0, ` +
	`"max_slippage_bps": 25, "invalidation_condition": "string", "rationale": "string"}]` + "\n" +
	"IMPORTANT: confidence must be a decimal between 0.0 and 1.0 (e.g., 0.65 for 65% confidence, NOT 65.0)\n" +
	"IMPORTANT: leverage should be between 1.0 and 20.0 based on confidence (higher confidence = higher leverage)\n" +
	"IMPORTANT: You MUST return a decision for EVERY symbol being evaluated.\n" +
	"  - Use 'BUY' when opening a new position (no existing position + strong signal)\n" +
	"  - Use 'SELL' when opening a short position (if supported)\n" +
	"  - Use 'HOLD' when maintaining an existing position\n" +
	"  - Use 'CLOSE' when closing an existing position\n" +
	"  - Use 'NO_ENTRY' when no position exists AND entry conditions are not met\n" +
	"Always include the latest invalidation_condition for every symbol (for HOLD actions, reuse it from the input data).\n" +
	"Do not include any extra keys. If a field is not applicable, omit it."

const maxAgentIterations = 8

var defaultToolDefs = []ToolDef{
	{Name: "live_market_data", Description: "Fetch recent OHLC candles for a symbol."},
	{Name: "indicator_calculator", Description: "Compute EMA/MACD/RSI/ATR and volume metrics for a symbol."},
	{Name: "derivatives_data", Description: "Fetch the funding rate and open interest snapshot for a symbol."},
}

// ToolExecutor is the narrow surface the agent loop needs from a
// tools.Registry: dispatch one named tool call against one symbol.
type ToolExecutor interface {
	Call(ctx context.Context, cache *tools.ToolCache, toolName, symbol string) (string, error)
}

// RunResult is everything the decision pipeline needs out of one
// agent run: the decisions parsed from the final message, the full
// message trace (for the audit log and chain-of-thought attachment),
// and the model name the backend reported.
type RunResult struct {
	Decisions []types.DecisionPayload
	Messages  []Message
	ModelName string
}

// Agent drives the tool-calling loop: call the model, execute any
// requested tools, feed the results back, repeat until the model
// answers with content and no further tool calls or the iteration
// cap is reached.
type Agent struct {
	llm   ChatLLM
	tools ToolExecutor
	log   *logging.Logger
}

// NewAgent builds an Agent over the given backend and tool registry.
func NewAgent(llm ChatLLM, toolExecutor ToolExecutor, log *logging.Logger) *Agent {
	return &Agent{llm: llm, tools: toolExecutor, log: log.WithComponent("llm_agent")}
}

// Run executes the tool-calling loop for one decision cycle, for at
// most maxAgentIterations rounds. Each tool call's symbol argument is
// passed to the tool executor as given.
func (a *Agent) Run(ctx context.Context, userPrompt string, cache *tools.ToolCache) (RunResult, error) {
	messages := []Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: userPrompt},
	}

	var modelName string
	for iteration := 0; iteration < maxAgentIterations; iteration++ {
		resp, err := a.llm.Complete(ctx, CompletionRequest{Messages: messages, Tools: defaultToolDefs, Temperature: 0.2})
		if err != nil {
			return RunResult{}, errkind.Wrap(errkind.TransientIOError, "llm.Agent.Run", "completion request failed", err)
		}
		if resp.ModelName != "" {
			modelName = resp.ModelName
		}

		if len(resp.ToolCalls) == 0 {
			messages = append(messages, Message{Role: "assistant", Content: resp.Content})
			decisions, err := ParseDecisions(messages)
			if err != nil {
				return RunResult{}, err
			}
			return RunResult{Decisions: decisions, Messages: messages, ModelName: modelName}, nil
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, err := a.tools.Call(ctx, cache, call.ToolName, call.Symbol)
			if err != nil {
				result = fmt.Sprintf(`{"error": %q}`, err.Error())
				a.log.WithError(err).WithField("tool", call.ToolName).WithField("symbol", call.Symbol).Warn("tool call failed")
			}
			messages = append(messages, Message{Role: "tool", Content: result, ToolCallID: call.ID, ToolName: call.ToolName})
		}
	}

	return RunResult{}, errkind.New(errkind.ValidationError, "llm.Agent.Run", "exceeded maximum agent iterations")
}

// ParseDecisions scans messages from last to first for an assistant
// message carrying either a top-level {"decisions": [...]} object or
// a bare JSON array, and validates every decision against the closed
// schema.
func ParseDecisions(messages []Message) ([]types.DecisionPayload, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "assistant" || len(m.ToolCalls) > 0 {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		block := extractJSONBlock(content)
		decisions, err := parsePayload(block)
		if err != nil {
			return nil, errkind.Wrap(errkind.ValidationError, "llm.ParseDecisions", "invalid decision payload", err)
		}
		return decisions, nil
	}
	return nil, errkind.New(errkind.ValidationError, "llm.ParseDecisions", "no final assistant message found")
}

// extractJSONBlock returns the substring of text from the first '[' to
// the last ']', or text unchanged if no such pair is found. Bracket
// balance is not checked.
func extractJSONBlock(text string) string {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start == -1 || end == -1 || end <= start {
		return text
	}
	return text[start : end+1]
}

type decisionEnvelope struct {
	Decisions []rawDecision `json:"decisions"`
}

type rawDecision struct {
	Symbol                string   `json:"symbol"`
	Action                string   `json:"action"`
	Quantity              *float64 `json:"quantity"`
	SizePct               float64  `json:"size_pct"`
	Leverage              float64  `json:"leverage"`
	Confidence            float64  `json:"confidence"`
	StopLoss              *float64 `json:"stop_loss"`
	TakeProfit            *float64 `json:"take_profit"`
	MaxSlippageBps        float64  `json:"max_slippage_bps"`
	InvalidationCondition string   `json:"invalidation_condition"`
	Rationale             string   `json:"rationale"`
}

func parsePayload(block string) ([]types.DecisionPayload, error) {
	var raw []rawDecision
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		var envelope decisionEnvelope
		if err2 := json.Unmarshal([]byte(block), &envelope); err2 != nil {
			return nil, err
		}
		raw = envelope.Decisions
	}

	out := make([]types.DecisionPayload, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r.Symbol) == "" {
			return nil, errkind.New(errkind.ValidationError, "llm.parsePayload", "decision missing symbol")
		}
		action := types.DecisionAction(strings.ToUpper(r.Action))
		if !action.Valid() {
			return nil, errkind.New(errkind.ValidationError, "llm.parsePayload", "invalid action "+r.Action)
		}
		if r.SizePct < 0 || r.SizePct > 100 {
			return nil, errkind.New(errkind.ValidationError, "llm.parsePayload", "size_pct out of range")
		}
		if r.Leverage != 0 && (r.Leverage < 1 || r.Leverage > 20) {
			return nil, errkind.New(errkind.ValidationError, "llm.parsePayload", "leverage out of range")
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, errkind.New(errkind.ValidationError, "llm.parsePayload", "confidence out of range")
		}
		out = append(out, types.DecisionPayload{
			Symbol:                strings.ToUpper(r.Symbol),
			Action:                action,
			Quantity:              r.Quantity,
			SizePct:               r.SizePct,
			Leverage:              r.Leverage,
			Confidence:            r.Confidence,
			StopLoss:              r.StopLoss,
			TakeProfit:            r.TakeProfit,
			MaxSlippageBps:        r.MaxSlippageBps,
			InvalidationCondition: r.InvalidationCondition,
			Rationale:             r.Rationale,
		})
	}
	return out, nil
}

// ChainOfThought concatenates every assistant message that is not the
// final decision message, in order, for attachment to decisions that
// lack their own rationale. The final assistant message is assumed to
// be the JSON decision payload and is excluded.
func ChainOfThought(messages []Message) string {
	lastAssistant := -1
	for i, m := range messages {
		if m.Role == "assistant" {
			lastAssistant = i
		}
	}

	var parts []string
	for i, m := range messages {
		if m.Role != "assistant" || i == lastAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n")
}
