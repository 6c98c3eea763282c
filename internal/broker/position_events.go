package broker

import (
	"os"

	"github.com/rs/zerolog"
)

// positionEventLogger emits structured position lifecycle events
// (open, average-in, close) on its own zerolog.Logger, separate from
// the component's internal/logging.Logger: position state transitions
// are the one thing worth a dedicated structured-event stream rather
// than a line in the general application log.
type positionEventLogger struct {
	log zerolog.Logger
}

func newPositionEventLogger(component string) positionEventLogger {
	return positionEventLogger{
		log: zerolog.New(os.Stdout).With().Timestamp().Str("component", component).Logger(),
	}
}

func (p positionEventLogger) opened(symbol string, quantity, price, leverage float64) {
	p.log.Info().
		Str("event", "position_opened").
		Str("symbol", symbol).
		Float64("quantity", quantity).
		Float64("entryPrice", price).
		Float64("leverage", leverage).
		Msg("position opened")
}

func (p positionEventLogger) averaged(symbol string, quantity, avgPrice float64) {
	p.log.Info().
		Str("event", "position_averaged").
		Str("symbol", symbol).
		Float64("quantity", quantity).
		Float64("avgEntryPrice", avgPrice).
		Msg("position averaged")
}

func (p positionEventLogger) closed(symbol, reason string, realizedPnL, realizedPnLPct float64) {
	p.log.Info().
		Str("event", "position_closed").
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("realizedPnL", realizedPnL).
		Float64("realizedPnLPct", realizedPnLPct).
		Msg("position closed")
}
