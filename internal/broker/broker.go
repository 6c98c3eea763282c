// Package broker implements the BrokerPort abstraction the decision
// pipeline drives: a SimulatedBroker for the simulator runtime mode and
// an ExchangeBroker that routes BUY/SELL/CLOSE through an
// exchange.Client for paper/live modes. Both share the same slippage
// and invalidation-condition helpers rather than a common base class.
package broker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

// Port is the interface the decision pipeline and scheduler drive
// against, regardless of which runtime mode is active.
type Port interface {
	Execute(ctx context.Context, decisions []types.DecisionPayload, marketSnapshots map[string]float64) ([]string, error)
	MarkToMarket(ctx context.Context, marketSnapshots map[string]float64) error
	Portfolio() *types.Portfolio
}

// OutcomeTracker is the subset of internal/outcome.Tracker a
// broker needs, kept as a narrow interface here to avoid an import
// cycle between internal/broker and internal/outcome.
type OutcomeTracker interface {
	RegisterPositionEntry(ctx context.Context, symbol string, action types.DecisionAction, entryPrice, quantity float64, rationale string)
	RegisterPositionExit(ctx context.Context, symbol string, exitPrice float64, exitAction types.DecisionAction, exitReason string) error
}

var (
	belowPattern = regexp.MustCompile(`(?i)(close|price)\s+(below|under)\s+(\d+(?:\.\d+)?)`)
	abovePattern = regexp.MustCompile(`(?i)(close|price)\s+(above|over)\s+(\d+(?:\.\d+)?)`)
)

// evaluateInvalidation attempts to parse simple "close/price
// below/above N" conditions, returning false (never triggers) for
// anything it cannot parse rather than erroring.
func evaluateInvalidation(condition string, currentPrice float64) bool {
	if m := belowPattern.FindStringSubmatch(condition); m != nil {
		threshold, err := strconv.ParseFloat(m[3], 64)
		if err == nil && currentPrice < threshold {
			return true
		}
	}
	if m := abovePattern.FindStringSubmatch(condition); m != nil {
		threshold, err := strconv.ParseFloat(m[3], 64)
		if err == nil && currentPrice > threshold {
			return true
		}
	}
	return false
}

// buildExitPlan copies stop-loss/take-profit/invalidation fields from a
// decision into an ExitPlan.
func buildExitPlan(decision types.DecisionPayload) types.ExitPlan {
	return types.ExitPlan{
		StopLoss:              decision.StopLoss,
		TakeProfit:            decision.TakeProfit,
		InvalidationCondition: decision.InvalidationCondition,
		Confidence:            decision.Confidence,
	}
}

// SimulatedBroker executes decisions against an in-memory Portfolio
// with synthetic slippage, margin-based position sizing, and
// mark-to-market exit triggers. Grounded line-for-line on the
// simulation broker's BUY averaging, SELL-as-CLOSE, and CLOSE
// realized-pnl math.
type SimulatedBroker struct {
	mu                   sync.Mutex
	portfolio            *types.Portfolio
	maxSlippageBps       float64
	positionSizeLimitPct float64
	outcomeTracker       OutcomeTracker
	log                  *logging.Logger
	positionLog          positionEventLogger
}

// NewSimulatedBroker builds a SimulatedBroker over portfolio with the
// given slippage cap (basis points) and max per-position notional as a
// percentage of equity.
func NewSimulatedBroker(portfolio *types.Portfolio, maxSlippageBps float64, positionSizeLimitPct float64, outcomeTracker OutcomeTracker, log *logging.Logger) *SimulatedBroker {
	return &SimulatedBroker{
		portfolio:            portfolio,
		maxSlippageBps:       maxSlippageBps,
		positionSizeLimitPct: positionSizeLimitPct,
		outcomeTracker:       outcomeTracker,
		log:                  log.WithComponent("simulated_broker"),
		positionLog:          newPositionEventLogger("simulated_broker.positions"),
	}
}

var _ Port = (*SimulatedBroker)(nil)

func (b *SimulatedBroker) Portfolio() *types.Portfolio {
	return b.portfolio
}

// Execute processes one batch of decisions, logging every evaluation
// (including HOLD/NO_ENTRY) before dispatching BUY/SELL/CLOSE/HOLD/
// NO_ENTRY handlers.
func (b *SimulatedBroker) Execute(ctx context.Context, decisions []types.DecisionPayload, marketSnapshots map[string]float64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	messages := make([]string, 0, len(decisions))
	timestamp := time.Now().UTC()

	for _, decision := range decisions {
		symbol := decision.Symbol
		action := decision.Action

		entryIdx := len(b.portfolio.EvaluationLog)
		b.portfolio.EvaluationLog = append(b.portfolio.EvaluationLog, types.EvaluationLogEntry{
			Symbol:     symbol,
			Action:     action,
			Executed:   false,
			Reason:     decision.Rationale,
			Confidence: decision.Confidence,
			Timestamp:  timestamp,
		})

		currentPrice, ok := marketSnapshots[symbol]
		if !ok {
			msg := fmt.Sprintf("no market data for %s; skipping decision", symbol)
			b.log.Warn(msg)
			messages = append(messages, msg)
			continue
		}
		if currentPrice <= 0 {
			msg := fmt.Sprintf("invalid market price (%.2f) for %s; skipping decision", currentPrice, symbol)
			b.log.Warn(msg)
			messages = append(messages, msg)
			continue
		}

		slippageFactor := b.maxSlippageBps / 10000.0
		var fillPrice float64
		switch action {
		case types.ActionBuy:
			fillPrice = currentPrice * (1 + slippageFactor)
		case types.ActionSell:
			fillPrice = currentPrice * (1 - slippageFactor)
		default:
			fillPrice = currentPrice
		}

		var msg string
		executed := false
		switch action {
		case types.ActionBuy:
			msg, executed = b.executeBuy(ctx, decision, fillPrice, timestamp)
		case types.ActionSell:
			msg, executed = b.executeSell(ctx, decision, fillPrice, timestamp)
		case types.ActionClose:
			msg, executed = b.executeClose(ctx, symbol, fillPrice, timestamp, decision.Rationale)
		case types.ActionHold:
			msg = b.executeHold(decision, currentPrice)
		case types.ActionNoEntry:
			msg = b.executeNoEntry(decision, currentPrice)
		default:
			msg = fmt.Sprintf("unknown action %s for %s", action, symbol)
			b.log.Warn(msg)
		}

		if executed {
			b.portfolio.EvaluationLog[entryIdx].Executed = true
		}
		messages = append(messages, msg)
	}

	b.portfolio.UpdatedAt = timestamp
	return messages, nil
}

func (b *SimulatedBroker) executeBuy(ctx context.Context, decision types.DecisionPayload, fillPrice float64, timestamp time.Time) (string, bool) {
	symbol := decision.Symbol
	leverage := decision.Leverage
	if leverage <= 0 {
		leverage = 1.0
	}

	var positionValue float64
	switch {
	case decision.SizePct > 0:
		margin := b.portfolio.Equity() * (decision.SizePct / 100.0)
		positionValue = margin * leverage
	case decision.Quantity != nil:
		positionValue = *decision.Quantity * fillPrice
	default:
		return fmt.Sprintf("BUY %s rejected: size_pct is 0 and no quantity given, computed quantity is 0", symbol), false
	}

	maxPositionValue := b.portfolio.Equity() * (b.positionSizeLimitPct / 100.0)
	if positionValue > maxPositionValue {
		positionValue = maxPositionValue
	}

	if fillPrice <= 0 {
		return fmt.Sprintf("invalid fill price (%.2f) for BUY %s", fillPrice, symbol), false
	}

	quantity := positionValue / fillPrice
	cost := positionValue / leverage

	if quantity <= 0 || cost <= 0 {
		return fmt.Sprintf("computed non-positive trade size for BUY %s (quantity=%.6f, cost=%.2f, leverage=%.1fx); skipping execution", symbol, quantity, cost, leverage), false
	}

	if cost > b.portfolio.Cash {
		return fmt.Sprintf("insufficient cash for BUY %s: need $%.2f margin, have $%.2f", symbol, cost, b.portfolio.Cash), false
	}

	b.portfolio.Cash -= cost

	actionDesc := "opened"
	if existing, ok := b.portfolio.Positions[symbol]; ok {
		totalQuantity := existing.Quantity + quantity
		avgPrice := (existing.Quantity*existing.EntryPrice + quantity*fillPrice) / totalQuantity
		existing.Quantity = totalQuantity
		existing.EntryPrice = avgPrice
		existing.CurrentPrice = fillPrice
		if decision.Confidence != 0 {
			existing.Confidence = decision.Confidence
		}
		existing.ExitPlan = buildExitPlan(decision)
		existing.UpdatedAt = timestamp
		actionDesc = "averaged"
		b.positionLog.averaged(symbol, totalQuantity, avgPrice)
	} else {
		b.portfolio.Positions[symbol] = &types.Position{
			Symbol:       symbol,
			Quantity:     quantity,
			EntryPrice:   fillPrice,
			CurrentPrice: fillPrice,
			Confidence:   decision.Confidence,
			Leverage:     leverage,
			MarginUsed:   cost,
			ExitPlan:     buildExitPlan(decision),
			OpenedAt:     timestamp,
			UpdatedAt:    timestamp,
		}
		if b.outcomeTracker != nil {
			b.outcomeTracker.RegisterPositionEntry(ctx, symbol, types.ActionBuy, fillPrice, quantity, decision.Rationale)
		}
		b.positionLog.opened(symbol, quantity, fillPrice, leverage)
	}

	b.portfolio.TradeLog = append(b.portfolio.TradeLog, types.TradeLogEntry{
		Symbol:    symbol,
		Action:    types.ActionBuy,
		Quantity:  quantity,
		Price:     fillPrice,
		Leverage:  leverage,
		Timestamp: timestamp,
	})

	notional := quantity * fillPrice
	return fmt.Sprintf("BUY %s %s: %.4f @ $%.2f (%.1fx leverage, notional: $%.2f, margin used: $%.2f, cash remaining: $%.2f)",
		actionDesc, symbol, quantity, fillPrice, leverage, notional, cost, b.portfolio.Cash), true
}

// executeSell treats SELL as CLOSE when a position exists; short
// selling is not supported.
func (b *SimulatedBroker) executeSell(ctx context.Context, decision types.DecisionPayload, fillPrice float64, timestamp time.Time) (string, bool) {
	symbol := decision.Symbol
	if _, ok := b.portfolio.Positions[symbol]; ok {
		return b.executeClose(ctx, symbol, fillPrice, timestamp, decision.Rationale)
	}
	return fmt.Sprintf("SELL ignored for %s: no existing position (short selling not supported)", symbol), false
}

func (b *SimulatedBroker) executeClose(ctx context.Context, symbol string, fillPrice float64, timestamp time.Time, reason string) (string, bool) {
	position, ok := b.portfolio.Positions[symbol]
	if !ok {
		return fmt.Sprintf("CLOSE ignored for %s: no position to close", symbol), false
	}
	delete(b.portfolio.Positions, symbol)

	notional := position.Quantity * fillPrice
	realizedPnL := position.Quantity * (fillPrice - position.EntryPrice)
	entryNotional := abs(position.Quantity * position.EntryPrice)
	realizedPct := 0.0
	if entryNotional != 0 {
		realizedPct = realizedPnL / entryNotional * 100.0
	}

	marginReturned := notional / position.Leverage
	b.portfolio.Cash += marginReturned

	if reason == "" {
		reason = "Position closed"
	}

	b.portfolio.TradeLog = append(b.portfolio.TradeLog, types.TradeLogEntry{
		Symbol:    symbol,
		Action:    types.ActionClose,
		Quantity:  position.Quantity,
		Price:     fillPrice,
		Leverage:  position.Leverage,
		Timestamp: timestamp,
	})
	b.portfolio.ClosedPositions = append(b.portfolio.ClosedPositions, types.ClosedPosition{
		Symbol:         symbol,
		Quantity:       position.Quantity,
		EntryPrice:     position.EntryPrice,
		ExitPrice:      fillPrice,
		Leverage:       position.Leverage,
		MarginUsed:     position.MarginUsed,
		RealizedPnL:    realizedPnL,
		RealizedPnLPct: realizedPct,
		Reason:         reason,
		OpenedAt:       position.OpenedAt,
		ClosedAt:       timestamp,
	})

	b.positionLog.closed(symbol, reason, realizedPnL, realizedPct)

	if b.outcomeTracker != nil {
		if err := b.outcomeTracker.RegisterPositionExit(ctx, symbol, fillPrice, types.ActionClose, reason); err != nil {
			b.log.WithError(err).Warn("failed to register position exit with outcome tracker")
		}
	}

	return fmt.Sprintf("CLOSE %s: %.4f @ $%.2f (%.1fx leverage, margin returned: $%.2f, realized PnL: $%.2f, cash: $%.2f)",
		symbol, position.Quantity, fillPrice, position.Leverage, marginReturned, realizedPnL, b.portfolio.Cash), true
}

func (b *SimulatedBroker) executeHold(decision types.DecisionPayload, currentPrice float64) string {
	symbol := decision.Symbol
	position, ok := b.portfolio.Positions[symbol]
	if !ok {
		return fmt.Sprintf("HOLD ignored for %s: no position", symbol)
	}
	position.CurrentPrice = currentPrice
	if decision.Confidence != 0 {
		position.Confidence = decision.Confidence
	}
	if decision.StopLoss != nil || decision.TakeProfit != nil || decision.InvalidationCondition != "" {
		position.ExitPlan = buildExitPlan(decision)
	}
	return fmt.Sprintf("HOLD %s: price $%.2f, unrealized PnL: $%.2f (%.2f%%)",
		symbol, currentPrice, position.UnrealizedPnL(), position.UnrealizedPnLPct())
}

func (b *SimulatedBroker) executeNoEntry(decision types.DecisionPayload, currentPrice float64) string {
	symbol := decision.Symbol
	if _, ok := b.portfolio.Positions[symbol]; ok {
		b.log.WithField("symbol", symbol).Warn("NO_ENTRY decision but position exists; use HOLD or CLOSE instead")
	}
	return fmt.Sprintf("NO_ENTRY %s: price $%.2f, signal too weak (confidence=%.2f, reason: %s)",
		symbol, currentPrice, decision.Confidence, orDefault(decision.Rationale, "N/A"))
}

// MarkToMarket updates every open position's current price and closes
// any whose stop-loss, take-profit, or invalidation condition now
// triggers.
func (b *SimulatedBroker) MarkToMarket(ctx context.Context, marketSnapshots map[string]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	timestamp := time.Now().UTC()
	for symbol, position := range b.portfolio.Positions {
		currentPrice, ok := marketSnapshots[symbol]
		if !ok {
			continue
		}
		position.CurrentPrice = currentPrice
		b.checkExitTriggers(ctx, symbol, position, currentPrice, timestamp)
	}
	b.portfolio.UpdatedAt = timestamp
	return nil
}

func (b *SimulatedBroker) checkExitTriggers(ctx context.Context, symbol string, position *types.Position, currentPrice float64, timestamp time.Time) {
	plan := position.ExitPlan

	if plan.StopLoss != nil && currentPrice <= *plan.StopLoss {
		b.log.WithField("symbol", symbol).Info("stop-loss triggered")
		_, _ = b.executeClose(ctx, symbol, currentPrice, timestamp, fmt.Sprintf("Stop-loss triggered at $%.2f", currentPrice))
		return
	}
	if plan.TakeProfit != nil && currentPrice >= *plan.TakeProfit {
		b.log.WithField("symbol", symbol).Info("take-profit triggered")
		_, _ = b.executeClose(ctx, symbol, currentPrice, timestamp, fmt.Sprintf("Take-profit triggered at $%.2f", currentPrice))
		return
	}
	if plan.InvalidationCondition != "" && evaluateInvalidation(plan.InvalidationCondition, currentPrice) {
		b.log.WithField("symbol", symbol).Info("invalidation condition triggered")
		_, _ = b.executeClose(ctx, symbol, currentPrice, timestamp, "Invalidation: "+plan.InvalidationCondition)
		return
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
