package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"autotrade-core/internal/exchange"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

// ExchangeBroker routes BUY/SELL/CLOSE decisions through an
// exchange.Client, grounded on the OKX demo broker: symbol resolution
// via a configured map, quantity derivation from size_pct against free
// balance, and weighted-average realized-pnl capture from trade
// history after a closing fill.
type ExchangeBroker struct {
	mu             sync.Mutex
	client         exchange.Client
	symbolMap      map[string]string
	quoteCurrency  string
	outcomeTracker OutcomeTracker
	log            *logging.Logger
	positionLog    positionEventLogger

	executions []string
}

// NewExchangeBroker builds an ExchangeBroker. quoteCurrency (e.g.
// "USDT") selects which free balance size_pct is measured against.
func NewExchangeBroker(client exchange.Client, symbolMap map[string]string, quoteCurrency string, outcomeTracker OutcomeTracker, log *logging.Logger) *ExchangeBroker {
	return &ExchangeBroker{
		client:         client,
		symbolMap:      symbolMap,
		quoteCurrency:  quoteCurrency,
		outcomeTracker: outcomeTracker,
		log:            log.WithComponent("exchange_broker"),
		positionLog:    newPositionEventLogger("exchange_broker.positions"),
	}
}

var _ Port = (*ExchangeBroker)(nil)

// Portfolio is not owned by ExchangeBroker: the exchange itself is the
// source of truth for positions/balances in paper/live mode. Callers
// reconstruct a types.Portfolio view from FetchBalance/FetchPositions
// rather than reading it off the broker.
func (b *ExchangeBroker) Portfolio() *types.Portfolio {
	return nil
}

func (b *ExchangeBroker) resolveSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if id, ok := b.symbolMap[symbol]; ok {
		return id
	}
	if strings.Contains(symbol, "-") {
		parts := strings.SplitN(symbol, "-", 2)
		return parts[0] + "/" + parts[1]
	}
	return symbol
}

func (b *ExchangeBroker) determineQuantity(ctx context.Context, decision types.DecisionPayload, price float64) (float64, bool) {
	if decision.Quantity != nil {
		return *decision.Quantity, true
	}
	if decision.SizePct > 0 && price > 0 {
		balances, err := b.client.FetchBalance(ctx)
		if err != nil {
			b.log.WithError(err).Warn("failed to fetch balance for quantity derivation")
			return 0, false
		}
		free := balances[b.quoteCurrency].Free
		notional := free * (decision.SizePct / 100.0)
		return notional / price, true
	}
	return 0, false
}

// Execute submits BUY/SELL orders for each decision; CLOSE is treated
// as a SELL of the full resolved quantity. HOLD/NO_ENTRY are no-ops
// other than the returned message, since this broker has no local
// evaluation log to update.
func (b *ExchangeBroker) Execute(ctx context.Context, decisions []types.DecisionPayload, marketSnapshots map[string]float64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	messages := make([]string, 0, len(decisions))
	for _, decision := range decisions {
		msg := b.handleDecision(ctx, decision, marketSnapshots)
		messages = append(messages, msg)
	}
	return messages, nil
}

func (b *ExchangeBroker) handleDecision(ctx context.Context, decision types.DecisionPayload, marketSnapshots map[string]float64) string {
	action := decision.Action
	if action != types.ActionBuy && action != types.ActionSell && action != types.ActionClose {
		return fmt.Sprintf("action %s for %s not supported by exchange broker", action, decision.Symbol)
	}

	venueSymbol := b.resolveSymbol(decision.Symbol)
	price := marketSnapshots[decision.Symbol]
	quantity, ok := b.determineQuantity(ctx, decision, price)
	if !ok || quantity <= 0 {
		return fmt.Sprintf("no valid quantity for %s; skipping execution", decision.Symbol)
	}

	side := exchange.SideBuy
	if action == types.ActionSell || action == types.ActionClose {
		side = exchange.SideSell
	}

	started := time.Now()
	order, err := b.client.PlaceOrder(ctx, venueSymbol, side, quantity)
	latency := time.Since(started)
	b.log.WithField("symbol", venueSymbol).WithField("side", side).WithDuration(latency).Debug("exchange order latency")
	if err != nil {
		return fmt.Sprintf("failed to submit order for %s: %v", decision.Symbol, err)
	}
	if !order.Accepted() {
		return fmt.Sprintf("exchange rejected order for %s: status=%s", decision.Symbol, order.Status)
	}

	fillPrice := order.FillPrice()
	if fillPrice == 0 {
		fillPrice = price
	}
	b.recordExecution(order, decision.Symbol, side, quantity)
	b.notifyOutcomeTracker(ctx, decision, action, fillPrice, quantity)

	if action == types.ActionBuy {
		b.positionLog.opened(decision.Symbol, quantity, fillPrice, decision.Leverage)
	}
	if action == types.ActionSell || action == types.ActionClose {
		b.captureRealizedPnL(ctx, decision.Symbol, venueSymbol)
	}

	return fmt.Sprintf("submitted %s order on %s (order_id=%s)", side, venueSymbol, order.ID)
}

func (b *ExchangeBroker) notifyOutcomeTracker(ctx context.Context, decision types.DecisionPayload, action types.DecisionAction, fillPrice, quantity float64) {
	if b.outcomeTracker == nil {
		return
	}
	switch action {
	case types.ActionBuy:
		b.outcomeTracker.RegisterPositionEntry(ctx, decision.Symbol, action, fillPrice, quantity, decision.Rationale)
	case types.ActionSell, types.ActionClose:
		if err := b.outcomeTracker.RegisterPositionExit(ctx, decision.Symbol, fillPrice, action, "exchange decision"); err != nil {
			b.log.WithError(err).Warn("failed to register position exit with outcome tracker")
		}
	}
}

// captureRealizedPnL reconstructs the weighted-average entry/exit
// price from trade history after a closing fill and persists nothing
// itself: the caller (decision pipeline / outcome tracker) is
// responsible for any durable record.
func (b *ExchangeBroker) captureRealizedPnL(ctx context.Context, logicalSymbol, venueSymbol string) {
	trades, err := b.client.FetchTradeHistory(ctx, venueSymbol, 0)
	if err != nil {
		b.log.WithError(err).Debug("failed to fetch trade history for realized pnl capture")
		return
	}
	if len(trades) == 0 {
		return
	}

	entryPrice, _ := exchange.AvgFillPrice(trades, exchange.SideBuy)
	exitPrice, exitQty := exchange.AvgFillPrice(trades, exchange.SideSell)
	if entryPrice == 0 || exitQty == 0 {
		return
	}

	pnl := (exitPrice - entryPrice) * exitQty
	pnlPct := 0.0
	if entryPrice != 0 {
		pnlPct = (exitPrice - entryPrice) / entryPrice * 100.0
	}
	b.log.WithField("symbol", logicalSymbol).WithField("pnl", pnl).WithField("pnlPct", pnlPct).Info("captured realized pnl from exchange trade history")
	b.positionLog.closed(logicalSymbol, "exchange decision", pnl, pnlPct)
}

func (b *ExchangeBroker) recordExecution(order exchange.Order, logicalSymbol string, side exchange.OrderSide, quantity float64) {
	entry := fmt.Sprintf("%s %s %s qty=%.6f price=%.2f", order.ID, logicalSymbol, side, quantity, order.FillPrice())
	b.executions = append(b.executions, entry)
	if len(b.executions) > 1000 {
		b.executions = b.executions[len(b.executions)-1000:]
	}
}

// MarkToMarket is a no-op for ExchangeBroker: the venue itself marks
// positions. This broker runs no client-side stop-loss/take-profit/
// invalidation checks and places no exchange-side conditional orders
// for them.
func (b *ExchangeBroker) MarkToMarket(ctx context.Context, marketSnapshots map[string]float64) error {
	return nil
}
