package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"autotrade-core/internal/types"
)

func TestRSIFirstValueIsFifty(t *testing.T) {
	series := RSI([]float64{100, 101, 102}, 14)
	assert.Equal(t, 50.0, series[0])
}

func TestRSIAllGainsSaturatesAt100(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = float64(100 + i)
	}
	series := RSI(closes, 14)
	assert.InDelta(t, 100.0, series[len(series)-1], 0.001)
}

func TestATRFirstBarUsesHighMinusLow(t *testing.T) {
	highs := []float64{110, 115}
	lows := []float64{100, 105}
	closes := []float64{105, 112}
	series := ATR(highs, lows, closes, 14)
	assert.Equal(t, 10.0, series[0])
}

func TestVolatilityRequiresFullWindow(t *testing.T) {
	assert.Equal(t, 0.0, Volatility([]float64{1, 2, 3}, 30))
}

func TestVolatilityIsPopulationStdDev(t *testing.T) {
	closes := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	v := Volatility(closes, len(closes))
	assert.InDelta(t, 2.0, v, 0.0001)
}

func TestBuildSnapshotRequiresMinimumLookback(t *testing.T) {
	candles := make([]types.Candle, 10)
	for i := range candles {
		candles[i] = types.Candle{OpenTime: time.Unix(int64(i*60), 0), Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}
	}
	_, ok := BuildSnapshot("BTCUSDT", candles)
	assert.False(t, ok)
}

func TestBuildSnapshotComputesVolumeRatio(t *testing.T) {
	candles := make([]types.Candle, 21)
	for i := range candles {
		vol := 10.0
		if i == len(candles)-1 {
			vol = 30.0
		}
		candles[i] = types.Candle{
			OpenTime: time.Unix(int64(i*60), 0),
			Open:     100, High: 101, Low: 99, Close: 100 + float64(i),
			Volume: vol,
		}
	}
	snap, ok := BuildSnapshot("BTCUSDT", candles)
	assert.True(t, ok)
	assert.InDelta(t, 3.0, snap.VolumeRatio, 0.0001)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
}

func TestResampleOHLCAggregatesBuckets(t *testing.T) {
	candles := []types.Candle{
		{OpenTime: time.Unix(0, 0), Open: 1, High: 5, Low: 1, Close: 3, Volume: 10},
		{OpenTime: time.Unix(30, 0), Open: 3, High: 6, Low: 2, Close: 4, Volume: 10},
		{OpenTime: time.Unix(60, 0), Open: 4, High: 7, Low: 3, Close: 5, Volume: 10},
	}
	resampled := ResampleOHLC(candles, 60)
	assert.Len(t, resampled, 2)
	assert.Equal(t, 6.0, resampled[0].High)
	assert.Equal(t, 1.0, resampled[0].Low)
	assert.Equal(t, 4.0, resampled[0].Close)
	assert.Equal(t, 20.0, resampled[0].Volume)
}
