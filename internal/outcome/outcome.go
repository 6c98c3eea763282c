// Package outcome tracks open positions across their entry-to-exit
// lifecycle and, on exit, hands a realized TradeOutcome to the
// feedback loop. It holds no broker or exchange dependency: brokers
// call into it through the broker.OutcomeTracker interface, never the
// other way around.
package outcome

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

// openPosition is the bookkeeping record kept from entry until exit.
type openPosition struct {
	Symbol     string
	Action     types.DecisionAction
	EntryPrice float64
	Quantity   float64
	Rationale  string
	OpenedAt   time.Time
}

// FeedbackProcessor is the narrow slice of the feedback engine the
// tracker needs, kept local to avoid importing internal/feedback's
// full LLM/store dependency surface into every caller of this package.
type FeedbackProcessor interface {
	ProcessClosedTrade(ctx context.Context, outcome types.TradeOutcome) (types.LearnedRule, bool)
}

// Recorder persists a closed trade's outcome for later recall by
// decision.OutcomeSource. Kept narrow to avoid importing
// internal/database's full Repository surface here.
type Recorder interface {
	SaveTradeOutcome(ctx context.Context, outcome types.TradeOutcome) error
}

// Tracker keeps one open position per symbol and converts each close
// into a types.TradeOutcome for the feedback loop.
type Tracker struct {
	mu       sync.Mutex
	open     map[string]openPosition
	feedback FeedbackProcessor
	recorder Recorder
	log      *logging.Logger
}

// NewTracker builds a Tracker. feedback and recorder may both be nil,
// in which case exits are neither persisted nor passed to the feedback
// loop.
func NewTracker(feedback FeedbackProcessor, recorder Recorder, log *logging.Logger) *Tracker {
	return &Tracker{
		open:     make(map[string]openPosition),
		feedback: feedback,
		recorder: recorder,
		log:      log.WithComponent("outcome_tracker"),
	}
}

// RegisterPositionEntry records a newly opened position. A second
// entry for the same symbol overwrites the first, matching a BUY that
// averages into an existing position rather than opening a second one.
func (t *Tracker) RegisterPositionEntry(ctx context.Context, symbol string, action types.DecisionAction, entryPrice, quantity float64, rationale string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[symbol] = openPosition{
		Symbol:     symbol,
		Action:     action,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		Rationale:  rationale,
		OpenedAt:   time.Now(),
	}
	t.log.WithField("symbol", symbol).WithField("entryPrice", entryPrice).Debug("registered position entry")
}

// RegisterPositionExit closes out the tracked position for symbol,
// computes its realized pnl, and forwards the outcome to the feedback
// engine. Returns an error only when no open position was being
// tracked for symbol; this is not fatal to the caller's own exit flow.
func (t *Tracker) RegisterPositionExit(ctx context.Context, symbol string, exitPrice float64, exitAction types.DecisionAction, exitReason string) error {
	t.mu.Lock()
	pos, ok := t.open[symbol]
	if ok {
		delete(t.open, symbol)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("outcome: no open position tracked for %s", symbol)
	}

	pnlPct := pnlPercent(pos.Action, pos.EntryPrice, exitPrice)
	pnlUSD := pnlPct / 100.0 * pos.Quantity * pos.EntryPrice
	durationSeconds := time.Since(pos.OpenedAt).Seconds()

	outcome := types.TradeOutcome{
		Symbol:          symbol,
		Action:          pos.Action,
		EntryPrice:      pos.EntryPrice,
		ExitPrice:       exitPrice,
		Quantity:        pos.Quantity,
		PnLUSD:          pnlUSD,
		PnLPct:          pnlPct,
		ExitReason:      exitReason,
		Rationale:       pos.Rationale,
		DurationSeconds: durationSeconds,
		ClosedAt:        time.Now(),
	}

	t.log.WithField("symbol", symbol).WithField("pnlPct", pnlPct).Info("position exit registered")

	if t.recorder != nil {
		if err := t.recorder.SaveTradeOutcome(ctx, outcome); err != nil {
			t.log.WithError(err).WithField("symbol", symbol).Warn("failed to persist trade outcome")
		}
	}

	if t.feedback != nil {
		if rule, ok := t.feedback.ProcessClosedTrade(ctx, outcome); ok {
			t.log.WithField("symbol", symbol).WithField("rule", rule.Text).Info("feedback loop produced a new rule")
		}
	}

	return nil
}

// pnlPercent applies the BUY/SELL sign convention: a long gains when
// price rises, a short gains when price falls.
func pnlPercent(action types.DecisionAction, entryPrice, exitPrice float64) float64 {
	if entryPrice == 0 {
		return 0
	}
	if action == types.ActionSell {
		return (entryPrice - exitPrice) / entryPrice * 100.0
	}
	return (exitPrice - entryPrice) / entryPrice * 100.0
}

// HasOpenPosition reports whether symbol currently has a tracked open
// position.
func (t *Tracker) HasOpenPosition(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[symbol]
	return ok
}

// GetOpenPosition returns the tracked entry details for symbol, if any.
func (t *Tracker) GetOpenPosition(symbol string) (types.DecisionAction, float64, float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.open[symbol]
	if !ok {
		return "", 0, 0, false
	}
	return pos.Action, pos.EntryPrice, pos.Quantity, true
}

// GetAllOpenPositions returns the set of symbols currently tracked.
func (t *Tracker) GetAllOpenPositions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	symbols := make([]string, 0, len(t.open))
	for symbol := range t.open {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ClearAllPositions drops every tracked position without reporting
// outcomes, used when a runtime mode switch discards simulator state.
func (t *Tracker) ClearAllPositions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = make(map[string]openPosition)
}
