package marketdatasched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"autotrade-core/internal/events"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

type stubSource struct {
	prices        map[string]float64
	candleErr     error
	fundingErr    error
	tickerErr     map[string]error
}

func (s *stubSource) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	if s.tickerErr != nil {
		if err, ok := s.tickerErr[symbol]; ok {
			return 0, err
		}
	}
	return s.prices[symbol], nil
}

func (s *stubSource) FetchCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]types.Candle, error) {
	if s.candleErr != nil {
		return nil, s.candleErr
	}
	candles := make([]types.Candle, 0, limit)
	price := s.prices[symbol]
	now := time.Now().UTC()
	for i := limit - 1; i >= 0; i-- {
		candles = append(candles, types.Candle{
			OpenTime: now.Add(-time.Duration(i*timeframeSeconds) * time.Second),
			Open:     price, High: price, Low: price, Close: price, Volume: 1,
		})
	}
	return candles, nil
}

func (s *stubSource) FetchFundingRate(ctx context.Context, symbol string) (types.DerivativesSnapshot, error) {
	if s.fundingErr != nil {
		return types.DerivativesSnapshot{}, s.fundingErr
	}
	return types.DerivativesSnapshot{Symbol: symbol, FundingRate: 0.0001}, nil
}

func TestRunCycleResetsConsecutiveFailuresOnSuccess(t *testing.T) {
	source := &stubSource{prices: map[string]float64{"BTCUSDT": 50000}}
	bus := events.NewEventBus()
	sched := New(source, nil, bus, []string{"BTCUSDT"}, time.Minute, logging.Default())

	sched.RunCycle(context.Background())
	status := sched.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Empty(t, status.LastError)
}

func TestRunCycleTracksConsecutiveFailuresWhenTickerFails(t *testing.T) {
	source := &stubSource{
		prices:    map[string]float64{"BTCUSDT": 50000},
		tickerErr: map[string]error{"BTCUSDT": assert.AnError},
	}
	sched := New(source, nil, nil, []string{"BTCUSDT"}, time.Minute, logging.Default())

	sched.RunCycle(context.Background())
	status := sched.Status()
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.NotEmpty(t, status.LastError)
}

func TestStartAndStopRunsAtLeastOneCycle(t *testing.T) {
	source := &stubSource{prices: map[string]float64{"BTCUSDT": 50000}}
	sched := New(source, nil, nil, []string{"BTCUSDT"}, time.Hour, logging.Default())

	sched.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	sched.Stop()

	status := sched.Status()
	assert.False(t, status.LastRunAt.IsZero())
}
