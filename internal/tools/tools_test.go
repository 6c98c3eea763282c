package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/types"
)

type stubSource struct {
	price      float64
	tickerErr  error
	candles    []types.Candle
	candleCalls int
	funding    types.DerivativesSnapshot
	fundingErr error
}

func (s *stubSource) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	if s.tickerErr != nil {
		return 0, s.tickerErr
	}
	return s.price, nil
}

func (s *stubSource) FetchCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]types.Candle, error) {
	s.candleCalls++
	return s.candles, nil
}

func (s *stubSource) FetchFundingRate(ctx context.Context, symbol string) (types.DerivativesSnapshot, error) {
	if s.fundingErr != nil {
		return types.DerivativesSnapshot{}, s.fundingErr
	}
	return s.funding, nil
}

func sampleCandles(n int, price float64) []types.Candle {
	out := make([]types.Candle, 0, n)
	now := time.Now().UTC()
	for i := n - 1; i >= 0; i-- {
		out = append(out, types.Candle{
			OpenTime: now.Add(-time.Duration(i) * time.Minute),
			Open:     price, High: price + 1, Low: price - 1, Close: price, Volume: 10,
		})
	}
	return out
}

func TestNormalizeSymbolAcceptsAllFourForms(t *testing.T) {
	reg := New(&stubSource{}, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})

	for _, raw := range []string{"BTC", "btc-usd", "BTC/USDT", "BTC/USDT:USDT"} {
		wire, err := reg.NormalizeSymbol(raw)
		require.NoError(t, err)
		assert.Equal(t, "BTC-USDT-SWAP", wire)
	}
}

func TestNormalizeSymbolFailsWithoutMapping(t *testing.T) {
	reg := New(&stubSource{}, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	_, err := reg.NormalizeSymbol("DOGE")
	assert.Error(t, err)
}

func TestLiveMarketDataMemoizesWithinRun(t *testing.T) {
	source := &stubSource{price: 50000, candles: sampleCandles(5, 50000)}
	reg := New(source, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	cache := NewToolCache()

	first, err := reg.LiveMarketData(context.Background(), cache, "BTC")
	require.NoError(t, err)
	second, err := reg.LiveMarketData(context.Background(), cache, "BTC")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, source.candleCalls, "memoized call must not refetch candles")

	var payload marketDataPayload
	require.NoError(t, json.Unmarshal([]byte(first), &payload))
	assert.Equal(t, "BTC", payload.Symbol)
	assert.Equal(t, 50000.0, payload.LastPrice)
}

func TestLiveMarketDataPropagatesTickerError(t *testing.T) {
	source := &stubSource{tickerErr: assert.AnError}
	reg := New(source, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	cache := NewToolCache()

	_, err := reg.LiveMarketData(context.Background(), cache, "BTC")
	assert.Error(t, err)
}

func TestIndicatorCalculatorFallsBackToExchangeWithoutCache(t *testing.T) {
	source := &stubSource{candles: sampleCandles(40, 50000)}
	reg := New(source, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	cache := NewToolCache()

	out, err := reg.IndicatorCalculator(context.Background(), cache, "BTC")
	require.NoError(t, err)

	var payload indicatorPayload
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "BTC", payload.Symbol)
}

func TestDerivativesDataFallsBackToExchangeWithoutCache(t *testing.T) {
	source := &stubSource{funding: types.DerivativesSnapshot{Symbol: "BTC-USDT-SWAP", FundingRate: 0.0001}}
	reg := New(source, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	cache := NewToolCache()

	out, err := reg.DerivativesData(context.Background(), cache, "BTC")
	require.NoError(t, err)

	var snapshot types.DerivativesSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snapshot))
	assert.Equal(t, 0.0001, snapshot.FundingRate)
}

func TestCallDispatchesByToolName(t *testing.T) {
	source := &stubSource{price: 100, candles: sampleCandles(5, 100)}
	reg := New(source, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	cache := NewToolCache()

	_, err := reg.Call(context.Background(), cache, "live_market_data", "BTC")
	assert.NoError(t, err)

	_, err = reg.Call(context.Background(), cache, "unknown_tool", "BTC")
	assert.Error(t, err)
}

func TestToolCacheSnapshotReportsEntries(t *testing.T) {
	source := &stubSource{price: 100, candles: sampleCandles(5, 100)}
	reg := New(source, nil, map[string]string{"BTC": "BTC-USDT-SWAP"})
	cache := NewToolCache()

	_, err := reg.LiveMarketData(context.Background(), cache, "BTC")
	require.NoError(t, err)

	snapshot := cache.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "live_market_data:BTC", snapshot[0].Key)
	assert.Equal(t, "marketDataPayload", snapshot[0].ValueType)
}
