// Package decision orchestrates one end-to-end decision cycle:
// gathering market/indicator/derivatives data through the tool
// registry, building the prompt, running the agent loop, and
// returning everything the caller needs to execute and audit the
// resulting decisions. It never talks to a broker directly — that is
// the caller's job once it has a DecisionPipelineResult in hand.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"autotrade-core/internal/errkind"
	"autotrade-core/internal/llm"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/prompt"
	"autotrade-core/internal/tools"
	"autotrade-core/internal/types"
)

const (
	defaultActiveRuleLimit    = 8
	defaultRecentOutcomeLimit = 5
)

// PortfolioSource exposes the current portfolio snapshot. Satisfied
// by broker.Port, narrowed here so this package never imports
// internal/broker.
type PortfolioSource interface {
	Portfolio() *types.Portfolio
}

// RuleSource fetches the top active learned rules for feedback
// injection and records that a rule was surfaced in a given run.
// Satisfied by a database-backed rule repository.
type RuleSource interface {
	FetchActiveRules(ctx context.Context, limit int) ([]types.LearnedRule, error)
	RecordRuleApplication(ctx context.Context, ruleID, runID, symbol string) error
}

// OutcomeSource fetches the most recent trade outcomes for feedback
// injection. Satisfied by a database-backed outcome repository.
type OutcomeSource interface {
	FetchRecentOutcomes(ctx context.Context, limit int) ([]types.TradeOutcome, error)
}

// Agent is the narrow surface this package needs from llm.Agent.
type Agent interface {
	Run(ctx context.Context, userPrompt string, cache *tools.ToolCache) (llm.RunResult, error)
}

// Result is the full audit-ready outcome of one pipeline run.
type Result struct {
	RunID             string
	Prompt            string
	Decisions         []types.DecisionPayload
	ModelName         string
	GeneratedAt       time.Time
	ToolCacheSnapshot []tools.CacheEntry
	AgentTrace        []llm.Message
	MarketSnapshots   map[string]float64
}

// Pipeline wires the tool registry, prompt builder, and agent loop
// into one RunOnce call.
type Pipeline struct {
	portfolio PortfolioSource
	rules     RuleSource
	outcomes  OutcomeSource
	registry  *tools.Registry
	builder   *prompt.Builder
	agent     Agent
	symbols   []string
	traceLog  io.Writer
	log       *logging.Logger

	mu          sync.Mutex
	invocations int
	startedAt   time.Time
}

// New builds a Pipeline. traceLog may be nil, in which case no trace
// line is written.
func New(portfolio PortfolioSource, rules RuleSource, outcomes OutcomeSource, registry *tools.Registry, builder *prompt.Builder, agent Agent, symbols []string, traceLog io.Writer, log *logging.Logger) *Pipeline {
	return &Pipeline{
		portfolio: portfolio,
		rules:     rules,
		outcomes:  outcomes,
		registry:  registry,
		builder:   builder,
		agent:     agent,
		symbols:   symbols,
		traceLog:  traceLog,
		log:       log.WithComponent("decision_pipeline"),
		startedAt: time.Now().UTC(),
	}
}

// RunOnce executes one full decision cycle. It returns (Result{},
// false) when the portfolio is absent or the run otherwise fails,
// matching the original's "any exception returns absent" posture: a
// failed run must never panic the scheduler that called it.
func (p *Pipeline) RunOnce(ctx context.Context) (Result, bool) {
	portfolio := p.portfolio.Portfolio()
	if portfolio == nil {
		p.log.Warn("decision pipeline abstained: no portfolio loaded")
		return Result{}, false
	}

	p.mu.Lock()
	p.invocations++
	invocation := p.invocations
	minutesSinceStart := int(time.Since(p.startedAt).Minutes())
	p.mu.Unlock()

	runID := fmt.Sprintf("run-%d-%d", time.Now().UTC().UnixNano(), invocation)
	cache := tools.NewToolCache()

	symbolContexts := make([]prompt.SymbolContext, 0, len(p.symbols))
	marketSnapshots := make(map[string]float64, len(p.symbols))

	for _, symbol := range p.symbols {
		marketRaw, err := p.registry.LiveMarketData(ctx, cache, symbol)
		if err != nil {
			p.log.WithError(err).WithField("symbol", symbol).Warn("live market data fetch failed")
			continue
		}
		indicatorRaw, err := p.registry.IndicatorCalculator(ctx, cache, symbol)
		if err != nil {
			p.log.WithError(err).WithField("symbol", symbol).Warn("indicator calculation failed")
			continue
		}
		derivativesRaw, err := p.registry.DerivativesData(ctx, cache, symbol)
		if err != nil {
			p.log.WithError(err).WithField("symbol", symbol).Warn("derivatives fetch failed")
		}

		symCtx, price := buildSymbolContext(symbol, marketRaw, indicatorRaw, derivativesRaw)
		symbolContexts = append(symbolContexts, symCtx)
		if price > 0 {
			marketSnapshots[symbol] = price
		}
	}

	var activeRules []types.LearnedRule
	if p.rules != nil {
		if rules, err := p.rules.FetchActiveRules(ctx, defaultActiveRuleLimit); err == nil {
			activeRules = rules
			p.recordRuleApplications(ctx, runID, rules)
		} else {
			p.log.WithError(err).Warn("failed to load active learned rules")
		}
	}
	var recentOutcomes []types.TradeOutcome
	if p.outcomes != nil {
		if outcomes, err := p.outcomes.FetchRecentOutcomes(ctx, defaultRecentOutcomeLimit); err == nil {
			recentOutcomes = outcomes
		} else {
			p.log.WithError(err).Warn("failed to load recent trade outcomes")
		}
	}

	promptCtx := buildPromptContext(minutesSinceStart, invocation, symbolContexts, portfolio, activeRules, recentOutcomes)
	userPrompt := p.builder.Build(promptCtx)

	runResult, err := p.agent.Run(ctx, userPrompt, cache)
	if err != nil {
		p.log.WithError(err).Warn("agent run failed")
		return Result{}, false
	}

	cot := llm.ChainOfThought(runResult.Messages)
	for i := range runResult.Decisions {
		if strings.TrimSpace(runResult.Decisions[i].Rationale) == "" {
			runResult.Decisions[i].ChainOfThought = cot
		}
	}

	result := Result{
		RunID:             runID,
		Prompt:            userPrompt,
		Decisions:         runResult.Decisions,
		ModelName:         runResult.ModelName,
		GeneratedAt:       time.Now().UTC(),
		ToolCacheSnapshot: cache.Snapshot(),
		AgentTrace:        runResult.Messages,
		MarketSnapshots:   marketSnapshots,
	}

	p.appendTraceLine(result)
	return result, true
}

func (p *Pipeline) appendTraceLine(result Result) {
	if p.traceLog == nil {
		return
	}
	line, err := json.Marshal(map[string]interface{}{
		"runId":             result.RunID,
		"generatedAt":       result.GeneratedAt,
		"decisions":         result.Decisions,
		"modelName":         result.ModelName,
		"prompt":            result.Prompt,
		"trace":             result.AgentTrace,
		"toolCacheSnapshot": result.ToolCacheSnapshot,
		"messages":          result.AgentTrace,
	})
	if err != nil {
		return
	}
	if _, err := p.traceLog.Write(append(line, '\n')); err != nil {
		p.log.WithError(err).Warn("failed to append decision trace line")
	}
}

// recordRuleApplications best-effort-logs that each of rules was
// surfaced to the agent during runID. A failure here never fails the
// run: the counters it feeds are informational, not load-bearing.
func (p *Pipeline) recordRuleApplications(ctx context.Context, runID string, rules []types.LearnedRule) {
	for _, rule := range rules {
		if rule.ID == "" {
			continue
		}
		if err := p.rules.RecordRuleApplication(ctx, rule.ID, runID, "ALL"); err != nil {
			p.log.WithError(err).WithField("ruleId", rule.ID).Warn("failed to record rule application")
		}
	}
}

func buildSymbolContext(symbol, marketRaw, indicatorRaw, derivativesRaw string) (prompt.SymbolContext, float64) {
	var market struct {
		LastPrice float64 `json:"lastPrice"`
	}
	_ = json.Unmarshal([]byte(marketRaw), &market)

	var indicator struct {
		Price           float64                        `json:"price"`
		EMA20           float64                        `json:"ema20"`
		MACD            float64                        `json:"macd"`
		RSI7            float64                        `json:"rsi7"`
		MACDSeries      []float64                      `json:"macdSeries"`
		RSI14Series     []float64                      `json:"rsi14Series"`
		HigherTimeframe *types.HigherTimeframeSnapshot `json:"higherTimeframe"`
	}
	_ = json.Unmarshal([]byte(indicatorRaw), &indicator)

	var derivatives types.DerivativesSnapshot
	_ = json.Unmarshal([]byte(derivativesRaw), &derivatives)

	price := market.LastPrice
	if price == 0 {
		price = indicator.Price
	}

	ctx := prompt.SymbolContext{
		Symbol:       strings.ToUpper(symbol),
		CurrentPrice: price,
		EMA20:        indicator.EMA20,
		MACD:         indicator.MACD,
		RSI7:         indicator.RSI7,
		MACDSeries:   indicator.MACDSeries,
		RSI14Series:  indicator.RSI14Series,
		FundingRate:  derivatives.FundingRate,
	}
	if indicator.HigherTimeframe != nil {
		ctx.HigherTimeframe = &prompt.HigherTimeframeContext{
			Timeframe:  indicator.HigherTimeframe.Timeframe,
			RSI:        indicator.HigherTimeframe.RSI,
			MACD:       indicator.HigherTimeframe.MACD,
			MACDSignal: indicator.HigherTimeframe.MACDSignal,
			Trend:      indicator.HigherTimeframe.Trend,
		}
	}
	if !derivatives.NextFundingTime.IsZero() {
		t := derivatives.NextFundingTime
		ctx.NextFundingTime = &t
	}
	return ctx, price
}

func buildPromptContext(minutesSinceStart, invocation int, symbols []prompt.SymbolContext, portfolio *types.Portfolio, rules []types.LearnedRule, outcomes []types.TradeOutcome) prompt.Context {
	positions := make([]prompt.PositionContext, 0, len(portfolio.Positions))
	for _, pos := range portfolio.Positions {
		positions = append(positions, prompt.PositionContext{
			Symbol:                pos.Symbol,
			Quantity:              pos.Quantity,
			EntryPrice:            pos.EntryPrice,
			CurrentPrice:          pos.CurrentPrice,
			UnrealizedPnL:         pos.UnrealizedPnL(),
			Leverage:              pos.Leverage,
			ProfitTarget:          pos.ExitPlan.TakeProfit,
			StopLoss:              pos.ExitPlan.StopLoss,
			InvalidationCondition: pos.ExitPlan.InvalidationCondition,
			Confidence:            pos.Confidence,
			RiskUSD:               pos.MarginUsed,
			NotionalUSD:           pos.NotionalValue(),
		})
	}

	feedback := prompt.FeedbackContext{}
	for _, r := range rules {
		feedback.ActiveRules = append(feedback.ActiveRules, r.Text)
	}
	for _, o := range outcomes {
		feedback.RecentOutcomes = append(feedback.RecentOutcomes, fmt.Sprintf("%s %s closed at %.2f%% PnL: %s", o.Symbol, o.Action, o.PnLPct, o.Rationale))
	}

	return prompt.Context{
		MinutesSinceStart: minutesSinceStart,
		InvocationCount:   invocation,
		CurrentTimestamp:  time.Now().UTC(),
		Symbols:           symbols,
		Account: prompt.AccountContext{
			Value:     portfolio.Equity(),
			Cash:      portfolio.Cash,
			ReturnPct: portfolio.EquityPctChange(),
			Sharpe:    0,
			Positions: positions,
		},
		Feedback: feedback,
	}
}

// ResolveFallbackPrice applies the original's "ensure every decision
// symbol has a fallback price" rule: when no live price was captured
// for a symbol, fall back to its take-profit, stop-loss, or quantity
// field in that order, as long as it is a positive number.
func ResolveFallbackPrice(decision types.DecisionPayload, marketSnapshots map[string]float64) (float64, error) {
	if price, ok := marketSnapshots[decision.Symbol]; ok && price > 0 {
		return price, nil
	}
	if decision.TakeProfit != nil && *decision.TakeProfit > 0 {
		return *decision.TakeProfit, nil
	}
	if decision.StopLoss != nil && *decision.StopLoss > 0 {
		return *decision.StopLoss, nil
	}
	if decision.Quantity != nil && *decision.Quantity > 0 {
		return *decision.Quantity, nil
	}
	return 0, errkind.New(errkind.ValidationError, "decision.ResolveFallbackPrice", "no market price available for "+decision.Symbol)
}
