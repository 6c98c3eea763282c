// Package types holds the data model shared by every component of the
// trading core: market snapshots, portfolio/position bookkeeping, and
// the closed sum types (RuntimeMode, DecisionAction, ExitReason,
// RuleType) that replace the Python original's dynamic strings.
package types

import "time"

// RuntimeMode selects which BrokerPort implementation backs the
// scheduler.
type RuntimeMode string

const (
	ModeSimulator RuntimeMode = "simulator"
	ModePaper     RuntimeMode = "paper"
	ModeLive      RuntimeMode = "live"
)

// Valid reports whether m is one of the three closed runtime modes.
func (m RuntimeMode) Valid() bool {
	switch m {
	case ModeSimulator, ModePaper, ModeLive:
		return true
	}
	return false
}

// DecisionAction is the closed set of actions an LLM decision can take
// for one symbol in one tick.
type DecisionAction string

const (
	ActionHold     DecisionAction = "HOLD"
	ActionClose    DecisionAction = "CLOSE"
	ActionBuy      DecisionAction = "BUY"
	ActionSell     DecisionAction = "SELL"
	ActionNoEntry  DecisionAction = "NO_ENTRY"
)

// Valid reports whether a is one of the five closed decision actions.
func (a DecisionAction) Valid() bool {
	switch a {
	case ActionHold, ActionClose, ActionBuy, ActionSell, ActionNoEntry:
		return true
	}
	return false
}

// ExitReason is the closed classification of why a position was
// closed; ClosedPosition.Reason carries the human-readable detail
// string (e.g. "Stop-loss triggered at $3950.00").
type ExitReason string

const (
	ExitManual       ExitReason = "manual"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitInvalidation ExitReason = "invalidation"
)

// RuleType is the closed classification a learned rule is filed under.
type RuleType string

const (
	RuleEntry          RuleType = "entry"
	RuleExit           RuleType = "exit"
	RulePositionSizing RuleType = "position_sizing"
	RuleRiskManagement RuleType = "risk_management"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"openTime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// HigherTimeframeSnapshot carries a coarser-timeframe indicator
// summary alongside the base-timeframe IndicatorSnapshot.
type HigherTimeframeSnapshot struct {
	Timeframe string  `json:"timeframe"`
	RSI       float64 `json:"rsi"`
	MACD      float64 `json:"macd"`
	MACDSignal float64 `json:"macdSignal"`
	Trend     string  `json:"trend"`
}

// IndicatorSnapshot is the full technical-analysis state for one
// symbol at one point in time: the current-value block plus a
// trailing-N series per oscillator, so the prompt builder and the
// indicator_calculator tool can both show recent shape, not just the
// latest print.
type IndicatorSnapshot struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	EMA20         float64 `json:"ema20"`
	MACD          float64 `json:"macd"`
	MACDSignal    float64 `json:"macdSignal"`
	MACDHistogram float64 `json:"macdHistogram"`
	RSI7          float64 `json:"rsi7"`
	RSI14         float64 `json:"rsi14"`
	ATR3          float64 `json:"atr3"`
	ATR14         float64 `json:"atr14"`
	Volume        float64 `json:"volume"`
	VolumeRatio   float64 `json:"volumeRatio"`
	Volatility    float64 `json:"volatility"`

	EMA20Series         []float64 `json:"ema20Series,omitempty"`
	MACDSeries          []float64 `json:"macdSeries,omitempty"`
	MACDHistogramSeries []float64 `json:"macdHistogramSeries,omitempty"`
	RSI7Series          []float64 `json:"rsi7Series,omitempty"`
	RSI14Series         []float64 `json:"rsi14Series,omitempty"`

	HigherTimeframe *HigherTimeframeSnapshot `json:"higherTimeframe,omitempty"`
	ComputedAt      time.Time                `json:"computedAt"`
}

// DerivativesSnapshot carries funding-rate and open-interest data for
// a perpetual-swap symbol.
type DerivativesSnapshot struct {
	Symbol          string    `json:"symbol"`
	FundingRate     float64   `json:"fundingRate"`
	NextFundingTime time.Time `json:"nextFundingTime"`
	OpenInterest    float64   `json:"openInterest"`
	ComputedAt      time.Time `json:"computedAt"`
}

// ExitPlan records the stop-loss / take-profit / invalidation
// condition attached to an open position.
type ExitPlan struct {
	StopLoss             *float64 `json:"stopLoss,omitempty"`
	TakeProfit           *float64 `json:"takeProfit,omitempty"`
	InvalidationCondition string   `json:"invalidationCondition,omitempty"`
	Confidence           float64  `json:"confidence"`
}

// Position is one open simulated or exchange position.
type Position struct {
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entryPrice"`
	Leverage     float64   `json:"leverage"`
	MarginUsed   float64   `json:"marginUsed"`
	CurrentPrice float64   `json:"currentPrice"`
	Confidence   float64   `json:"confidence"`
	ExitPlan     ExitPlan  `json:"exitPlan"`
	OpenedAt     time.Time `json:"openedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NotionalValue is quantity priced at the current mark.
func (p Position) NotionalValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// UnrealizedPnL is the mark-to-market gain or loss on the position.
func (p Position) UnrealizedPnL() float64 {
	return (p.CurrentPrice - p.EntryPrice) * p.Quantity
}

// UnrealizedPnLPct is UnrealizedPnL expressed against margin used.
func (p Position) UnrealizedPnLPct() float64 {
	if p.MarginUsed == 0 {
		return 0
	}
	return (p.UnrealizedPnL() / p.MarginUsed) * 100
}

// ClosedPosition is the terminal record of a position's full
// lifecycle, appended when a CLOSE executes.
type ClosedPosition struct {
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entryPrice"`
	ExitPrice    float64   `json:"exitPrice"`
	Leverage     float64   `json:"leverage"`
	MarginUsed   float64   `json:"marginUsed"`
	RealizedPnL  float64   `json:"realizedPnl"`
	RealizedPnLPct float64 `json:"realizedPnlPct"`
	Reason       string    `json:"reason"`
	OpenedAt     time.Time `json:"openedAt"`
	ClosedAt     time.Time `json:"closedAt"`
}

// TradeLogEntry records one executed order (BUY, SELL, or CLOSE).
type TradeLogEntry struct {
	Symbol    string         `json:"symbol"`
	Action    DecisionAction `json:"action"`
	Quantity  float64        `json:"quantity"`
	Price     float64        `json:"price"`
	Leverage  float64        `json:"leverage"`
	Timestamp time.Time      `json:"timestamp"`
}

// EvaluationLogEntry records that the LLM considered one symbol in one
// tick, whether or not an order fired.
type EvaluationLogEntry struct {
	Symbol     string         `json:"symbol"`
	Action     DecisionAction `json:"action"`
	Executed   bool           `json:"executed"`
	Reason     string         `json:"reason"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Portfolio is the full bookkeeping state the BrokerPort owns for the
// duration of a tick.
type Portfolio struct {
	StartingCash    float64                   `json:"startingCash"`
	Cash            float64                   `json:"cash"`
	Positions       map[string]*Position      `json:"positions"`
	ClosedPositions []ClosedPosition          `json:"closedPositions"`
	TradeLog        []TradeLogEntry           `json:"tradeLog"`
	EvaluationLog   []EvaluationLogEntry      `json:"evaluationLog"`
	UpdatedAt       time.Time                 `json:"updatedAt"`
}

// NewPortfolio builds an empty portfolio with the given starting cash.
func NewPortfolio(startingCash float64) *Portfolio {
	return &Portfolio{
		StartingCash: startingCash,
		Cash:         startingCash,
		Positions:    make(map[string]*Position),
	}
}

// TotalPositionValue sums the notional value of every open position.
func (p *Portfolio) TotalPositionValue() float64 {
	total := 0.0
	for _, pos := range p.Positions {
		total += pos.NotionalValue()
	}
	return total
}

// Equity is cash plus the notional value of all open positions.
func (p *Portfolio) Equity() float64 {
	return p.Cash + p.TotalPositionValue()
}

// TotalUnrealizedPnL sums unrealized pnl across all open positions.
func (p *Portfolio) TotalUnrealizedPnL() float64 {
	total := 0.0
	for _, pos := range p.Positions {
		total += pos.UnrealizedPnL()
	}
	return total
}

// TotalRealizedPnL sums realized pnl across every closed position.
func (p *Portfolio) TotalRealizedPnL() float64 {
	total := 0.0
	for _, cp := range p.ClosedPositions {
		total += cp.RealizedPnL
	}
	return total
}

// TotalPnL is the sum of realized and unrealized pnl.
func (p *Portfolio) TotalPnL() float64 {
	return p.TotalRealizedPnL() + p.TotalUnrealizedPnL()
}

// TotalPnLPct expresses TotalPnL against starting cash.
func (p *Portfolio) TotalPnLPct() float64 {
	if p.StartingCash == 0 {
		return 0
	}
	return (p.TotalPnL() / p.StartingCash) * 100
}

// EquityPctChange expresses current equity against starting cash.
func (p *Portfolio) EquityPctChange() float64 {
	if p.StartingCash == 0 {
		return 0
	}
	return ((p.Equity() - p.StartingCash) / p.StartingCash) * 100
}

// LearnedRule is one feedback-loop-generated trading rule.
type LearnedRule struct {
	ID                 string         `json:"id"`
	Text               string         `json:"text"`
	Type               RuleType       `json:"type"`
	SourceTradeID      string         `json:"sourceTradeId"`
	EffectivenessScore float64        `json:"effectivenessScore"`
	TimesApplied       int            `json:"timesApplied"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	Active             bool           `json:"active"`
}

// TradeOutcome is the realized result of one closed position, fed to
// the FeedbackEngine.
type TradeOutcome struct {
	ID             string        `json:"id"`
	Symbol         string        `json:"symbol"`
	Action         DecisionAction `json:"action"`
	EntryPrice     float64       `json:"entryPrice"`
	ExitPrice      float64       `json:"exitPrice"`
	Quantity       float64       `json:"quantity"`
	PnLUSD         float64       `json:"pnlUsd"`
	PnLPct         float64       `json:"pnlPct"`
	ExitReason     string        `json:"exitReason"`
	Rationale      string        `json:"rationale"`
	DurationSeconds float64      `json:"durationSeconds"`
	ClosedAt       time.Time     `json:"closedAt"`
}

// DecisionPayload is one LLM-proposed action for a single symbol,
// mirroring the five-field validated payload the agent loop parses.
type DecisionPayload struct {
	Symbol         string         `json:"symbol"`
	Action         DecisionAction `json:"action"`
	Quantity       *float64       `json:"quantity,omitempty"`
	SizePct        float64        `json:"sizePct"`
	Leverage       float64        `json:"leverage"`
	Confidence     float64        `json:"confidence"`
	StopLoss       *float64       `json:"stopLoss,omitempty"`
	TakeProfit     *float64       `json:"takeProfit,omitempty"`
	MaxSlippageBps float64        `json:"maxSlippageBps"`
	InvalidationCondition string  `json:"invalidationCondition,omitempty"`
	Rationale      string         `json:"rationale"`
	ChainOfThought string         `json:"chainOfThought,omitempty"`
}

// DecisionLogEntry is one persisted row from a past decision run,
// as returned by the decision history endpoints.
type DecisionLogEntry struct {
	RunID          string    `json:"runId"`
	Symbol         string    `json:"symbol"`
	Action         string    `json:"action"`
	SizePct        float64   `json:"sizePct"`
	Leverage       float64   `json:"leverage"`
	Confidence     float64   `json:"confidence"`
	Rationale      string    `json:"rationale"`
	ChainOfThought string    `json:"chainOfThought,omitempty"`
	ModelName      string    `json:"modelName"`
	CreatedAt      time.Time `json:"createdAt"`
}

// DecisionResult is the outcome of executing one DecisionPayload
// against a BrokerPort.
type DecisionResult struct {
	Decision   DecisionPayload `json:"decision"`
	Executed   bool            `json:"executed"`
	Message    string          `json:"message"`
	FillPrice  float64         `json:"fillPrice,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
