// Package prompt builds the deterministic user-facing prompt the
// decision agent is given each run: session metadata, per-symbol
// market state, account/portfolio state, risk settings, the feedback
// block of learned rules and recent outcomes, and the fixed task
// instructions.
package prompt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// ShortTermTimeframe is the label used in the "sampled at" line; every
// symbol's intraday series is assumed to share this cadence unless a
// section states otherwise.
const ShortTermTimeframe = "5m"

// HigherTimeframeContext carries the coarser-timeframe indicator block
// nested under a symbol, mirroring IndicatorSnapshot.HigherTimeframe.
type HigherTimeframeContext struct {
	Timeframe  string
	RSI        float64
	MACD       float64
	MACDSignal float64
	Trend      string
}

// SymbolContext is the full market/indicator state for one symbol.
type SymbolContext struct {
	Symbol              string
	CurrentPrice        float64
	EMA20               float64
	MACD                float64
	RSI7                float64
	FundingRate         float64
	FundingRateAnnualPct *float64
	NextFundingTime     *time.Time
	MidsSeries          []float64
	MACDSeries          []float64
	RSI14Series         []float64
	HigherTimeframe     *HigherTimeframeContext
}

// PositionContext is one open position's full state, embedded verbatim
// as a JSON object in the account section.
type PositionContext struct {
	Symbol                string
	Quantity              float64
	EntryPrice            float64
	CurrentPrice          float64
	LiquidationPrice      *float64
	UnrealizedPnL         float64
	Leverage              float64
	ProfitTarget          *float64
	StopLoss              *float64
	InvalidationCondition string
	Confidence            float64
	RiskUSD               float64
	NotionalUSD           float64
}

// RiskSettingsContext is the read-only risk-limit block shown to the
// agent so it can reason about headroom without re-deriving the
// limits from scratch.
type RiskSettingsContext struct {
	ConfidenceEntryThreshold float64
	MaxGrossExposurePct      float64
	MinCashBufferPct         float64
	MaxRiskPerTradeUSD       float64
	MinEntryNotionalUSD      float64
}

// AccountContext is the account-level performance and position state.
type AccountContext struct {
	Value     float64
	Cash      float64
	ReturnPct float64
	Sharpe    float64
	Positions []PositionContext
	Risk      *RiskSettingsContext
}

// FeedbackContext carries the active learned rules and recent trade
// outcomes inserted before the TASK section.
type FeedbackContext struct {
	ActiveRules   []string
	RecentOutcomes []string
}

// Context is the full input to Builder.Build.
type Context struct {
	MinutesSinceStart int
	InvocationCount   int
	CurrentTimestamp  time.Time
	Symbols           []SymbolContext
	Account           AccountContext
	Feedback          FeedbackContext
}

// Builder assembles the prompt text. It holds no state across calls;
// Build is a pure function of its input.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func fmtSeries(values []float64) string {
	rounded := make([]float64, len(values))
	for i, v := range values {
		rounded[i] = round6(v)
	}
	out, _ := json.Marshal(rounded)
	return string(out)
}

// Build renders the full prompt text. Output format is fixed: a
// session header, one ### CURRENT MARKET STATE header followed by a
// "## <symbol>" section per symbol, the account figures and positions
// as JSON, the risk settings when present, the feedback block when
// non-empty, and the ### TASK ### section with its instructions, which
// is always the last thing written.
func (b *Builder) Build(ctx Context) string {
	var lines []string

	lines = append(lines,
		"SESSION CONTEXT",
		fmt.Sprintf("- Minutes since trading started: %d", ctx.MinutesSinceStart),
		fmt.Sprintf("- Invocation count: %d", ctx.InvocationCount),
		fmt.Sprintf("- Current time: %s", ctx.CurrentTimestamp.Format(time.RFC3339)),
		"",
		fmt.Sprintf("It has been %d minutes since trading began.", ctx.MinutesSinceStart),
		fmt.Sprintf("You are now being invoked for the %d-th time.", ctx.InvocationCount),
		"Below is the full market, indicator, and account state you must use to reason and decide your next actions.",
		"",
		fmt.Sprintf("All intraday data is sampled at %s intervals, ordered OLDEST -> NEWEST.", ShortTermTimeframe),
		"If a different interval is used for a coin, it is explicitly stated in that section.",
		"",
		"### CURRENT MARKET STATE",
		"",
	)

	for _, sym := range ctx.Symbols {
		lines = append(lines, b.buildSymbolSection(sym)...)
	}

	lines = append(lines, "### ACCOUNT INFORMATION & PERFORMANCE ###", "")
	account := ctx.Account
	lines = append(lines,
		fmt.Sprintf("Account Value = %v", round6(account.Value)),
		fmt.Sprintf("Available Cash = %v", round6(account.Cash)),
		fmt.Sprintf("Total Return (%%) = %v", round6(account.ReturnPct)),
		fmt.Sprintf("Sharpe Ratio = %v", round6(account.Sharpe)),
		"",
		"Open Positions:",
		"[",
	)
	for i, pos := range account.Positions {
		lines = append(lines, b.buildPositionEntry(pos, i == len(account.Positions)-1))
	}
	lines = append(lines, "]", "")

	if account.Risk != nil {
		risk := account.Risk
		lines = append(lines,
			"Risk Settings (read-only):",
			fmt.Sprintf("- confidence_entry_threshold = %v", risk.ConfidenceEntryThreshold),
			fmt.Sprintf("- max_gross_exposure_pct = %v", risk.MaxGrossExposurePct),
			fmt.Sprintf("- min_cash_buffer_pct = %v", risk.MinCashBufferPct),
			fmt.Sprintf("- max_risk_per_trade_usd = %v", risk.MaxRiskPerTradeUSD),
			fmt.Sprintf("- min_entry_notional_usd = %v", risk.MinEntryNotionalUSD),
			"",
		)
	}

	if block := b.buildFeedbackBlock(ctx.Feedback); block != "" {
		lines = append(lines, block, "")
	}

	lines = append(lines, "### TASK ###", "")
	lines = append(lines, taskInstructions()...)

	return strings.Join(lines, "\n")
}

func (b *Builder) buildSymbolSection(sym SymbolContext) []string {
	var lines []string
	lines = append(lines,
		fmt.Sprintf("## %s", sym.Symbol),
		fmt.Sprintf("current_price = %v", round6(sym.CurrentPrice)),
		fmt.Sprintf("current_ema20 = %v", round6(sym.EMA20)),
		fmt.Sprintf("current_macd = %v", round6(sym.MACD)),
		fmt.Sprintf("current_rsi7 = %v", round6(sym.RSI7)),
		fmt.Sprintf("Funding Rate (decimal): %v", round6(sym.FundingRate)),
	)
	if sym.FundingRateAnnualPct != nil {
		lines = append(lines, fmt.Sprintf("Funding Rate Annualized: %v%%", round6(*sym.FundingRateAnnualPct)))
	}
	if sym.NextFundingTime != nil {
		lines = append(lines, fmt.Sprintf("Next Funding Time: %s", sym.NextFundingTime.Format(time.RFC3339)))
	}
	if len(sym.MidsSeries) > 0 {
		lines = append(lines, fmt.Sprintf("Mid Prices (recent): %s", fmtSeries(sym.MidsSeries)))
	}
	if len(sym.MACDSeries) > 0 {
		lines = append(lines, fmt.Sprintf("MACD Series (recent): %s", fmtSeries(sym.MACDSeries)))
	}
	if len(sym.RSI14Series) > 0 {
		lines = append(lines, fmt.Sprintf("RSI14 Series (recent): %s", fmtSeries(sym.RSI14Series)))
	}
	if sym.HigherTimeframe != nil {
		htf := sym.HigherTimeframe
		lines = append(lines, fmt.Sprintf("Higher Timeframe (%s): rsi=%v macd=%v macd_signal=%v trend=%s",
			htf.Timeframe, round6(htf.RSI), round6(htf.MACD), round6(htf.MACDSignal), htf.Trend))
	}
	lines = append(lines, "")
	return lines
}

func (b *Builder) buildPositionEntry(pos PositionContext, isLast bool) string {
	payload := map[string]interface{}{
		"symbol":        pos.Symbol,
		"quantity":      pos.Quantity,
		"entry_price":   pos.EntryPrice,
		"current_price": pos.CurrentPrice,
		"unrealized_pnl": pos.UnrealizedPnL,
		"leverage":      pos.Leverage,
		"exit_plan": map[string]interface{}{
			"profit_target":          pos.ProfitTarget,
			"stop_loss":              pos.StopLoss,
			"invalidation_condition": pos.InvalidationCondition,
		},
		"confidence":   pos.Confidence,
		"risk_usd":     pos.RiskUSD,
		"notional_usd": pos.NotionalUSD,
	}
	if pos.LiquidationPrice != nil {
		payload["liquidation_price"] = *pos.LiquidationPrice
	} else {
		payload["liquidation_price"] = nil
	}
	out, _ := json.Marshal(payload)
	suffix := ","
	if isLast {
		suffix = ""
	}
	return fmt.Sprintf("  %s%s", string(out), suffix)
}

func (b *Builder) buildFeedbackBlock(fb FeedbackContext) string {
	if len(fb.ActiveRules) == 0 && len(fb.RecentOutcomes) == 0 {
		return ""
	}
	var lines []string
	lines = append(lines, "### LEARNED RULES & RECENT OUTCOMES ###", "")
	if len(fb.ActiveRules) > 0 {
		lines = append(lines, "Active rules (apply these when they are relevant to the current setup):")
		for _, rule := range fb.ActiveRules {
			lines = append(lines, "- "+rule)
		}
		lines = append(lines, "")
	}
	if len(fb.RecentOutcomes) > 0 {
		lines = append(lines, "Recent trade outcomes:")
		for _, outcome := range fb.RecentOutcomes {
			lines = append(lines, "- "+outcome)
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func taskInstructions() []string {
	return []string{
		"Act on **every tick** and follow **all rules** below **exactly**.",
		"",
		"--- 1. EXIT EVALUATION (per open position) ---",
		"For each position in input order:",
		"- If **current_price >= profit_target** -> **CLOSE** (take profit)",
		"- If **current_price <= stop_loss** -> **CLOSE**",
		"- If **invalidation_condition** is met (e.g., a 5-minute candle close beyond the stated threshold) -> **CLOSE**",
		"- Else -> **HOLD**",
		"",
		fmt.Sprintf("Use **%s chart** for:", ShortTermTimeframe),
		"  - Price vs EMA20",
		"  - RSI (14)",
		"  - MACD histogram",
		"  - Current risk: unrealized PnL %, stop distance %, ATR%",
		"",
		"--- 2. NEW ENTRY CONDITIONS ---",
		"Consider a new entry **only if ALL** are true:",
		"  - No existing position in the symbol",
		"  - Confidence >= 0.60",
		"  - Free cash >= 15% of total account value",
		"  - Portfolio exposure <= 80% of account value",
		"  - Volatility (14-period ATR% or 3-candle range%) <= 4.0%",
		"  - Planned risk-reward >= 3:1",
		"  - Stop distance <= 8% of entry price",
		"",
		"**If entry conditions are NOT met** (e.g., signal too weak, low confidence, high volatility):",
		"  -> Output **NO_ENTRY** with rationale explaining why entry was rejected",
		"",
		"--- 3. LEVERAGE & SIZING (new entries only) ---",
		"Cap at the configured leverage cap (default 10x).",
		"Position size: margin_used = (quantity * entry_price / leverage) <= 25% of available capital per symbol.",
		"",
		"--- 4. SAFETY RULES ---",
		"- Never pyramid, scale in, or increase size on an existing symbol",
		"- Never open the opposite side without first closing",
		"- Never open multiple positions per symbol",
		"- If any indicator is NaN or data is missing -> default to **HOLD**",
		"- If an API error occurs -> output **HOLD** for all positions",
		"",
		"--- 5. OUTPUT FORMAT ---",
		"- **THOUGHT:** one block of step-by-step reasoning",
		"- **OUTPUT:** valid JSON array only",
		"- **CRITICAL:** include a decision for **EVERY symbol** being evaluated",
		"- One object per open position in input order",
		"- Include every open position every tick",
		"- For **HOLD**: reuse all fields from account state",
		`- For **CLOSE**: add "reason": "profit_target" | "stop_loss" | "invalidation"`,
		"- For **NO_ENTRY**: include rationale explaining why entry was rejected",
		"",
		"Response format:",
		"```json",
		`[{"symbol":"BTC","action":"HOLD|CLOSE|BUY|SELL|NO_ENTRY","quantity":0.0,"size_pct":0.0,"leverage":1.0,"confidence":0.65,"stop_loss":0.0,"take_profit":0.0,"max_slippage_bps":25,"invalidation_condition":"string","rationale":"string"}]`,
		"```",
		"",
		"End of data.",
	}
}
