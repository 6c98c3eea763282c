// Package indicators computes Wilder-smoothed technical indicators
// (RSI, ATR), MACD, and population volatility over OHLC candles, and
// assembles the IndicatorSnapshot the decision pipeline feeds to the
// LLM prompt builder.
package indicators

import (
	"math"
	"time"

	"autotrade-core/internal/types"
)

const (
	emaFastPeriod     = 12
	emaSlowPeriod     = 26
	signalPeriod      = 9
	ema20Period       = 20
	rsiShortPeriod    = 7
	rsiLongPeriod     = 14
	atrShortPeriod    = 3
	atrLongPeriod     = 14
	volatilityPeriod  = 30
	volumeRatioPeriod = 20
)

// EMA computes the exponential moving average series of closes with
// the given period, matching pandas' ewm(span=period, adjust=False).
func EMA(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	out := make([]float64, len(values))
	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*alpha + out[i-1]*(1-alpha)
	}
	return out
}

// LastOrZero returns the last element of series, or 0 for an empty
// series, mirroring the original's _last_value helper.
func LastOrZero(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// RSI computes the Wilder-smoothed Relative Strength Index series:
// gains/losses are EWMA-smoothed with alpha = 1/period (not a plain
// rolling average), zero average loss maps to RSI 100, and an
// undefined value (no prior bar) maps to RSI 50.
func RSI(closes []float64, period int) []float64 {
	if len(closes) == 0 {
		return nil
	}
	out := make([]float64, len(closes))
	out[0] = 50
	alpha := 1.0 / float64(period)
	var avgGain, avgLoss float64
	haveAvg := false
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain := math.Max(delta, 0)
		loss := math.Max(-delta, 0)
		if !haveAvg {
			avgGain, avgLoss = gain, loss
			haveAvg = true
		} else {
			avgGain = gain*alpha + avgGain*(1-alpha)
			avgLoss = loss*alpha + avgLoss*(1-alpha)
		}
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - (100 / (1 + rs))
	}
	return out
}

// ATR computes the Wilder-smoothed Average True Range series (EWMA of
// true range with alpha = 1/period).
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	alpha := 1.0 / float64(period)
	var avg float64
	for i := 0; i < n; i++ {
		var tr float64
		if i == 0 {
			tr = highs[i] - lows[i]
		} else {
			prevClose := closes[i-1]
			tr = math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-prevClose), math.Abs(lows[i]-prevClose)))
		}
		if i == 0 {
			avg = tr
		} else {
			avg = tr*alpha + avg*(1-alpha)
		}
		out[i] = avg
	}
	return out
}

// MACDSeries returns the full macd line, signal line, and histogram
// line: macd = ema(12) - ema(26), signal = ema(macd, 9), histogram =
// macd - signal, all computed bar-by-bar rather than only at the last
// bar.
func MACDSeries(closes []float64) (macdLine, signalLine, histLine []float64) {
	if len(closes) == 0 {
		return nil, nil, nil
	}
	fast := EMA(closes, emaFastPeriod)
	slow := EMA(closes, emaSlowPeriod)
	macdLine = make([]float64, len(closes))
	for i := range closes {
		macdLine[i] = fast[i] - slow[i]
	}
	signalLine = EMA(macdLine, signalPeriod)
	histLine = make([]float64, len(closes))
	for i := range closes {
		histLine[i] = macdLine[i] - signalLine[i]
	}
	return macdLine, signalLine, histLine
}

// MACD returns the macd, signal, and histogram values for the most
// recent bar only.
func MACD(closes []float64) (macd, signal, histogram float64) {
	macdLine, signalLine, histLine := MACDSeries(closes)
	return LastOrZero(macdLine), LastOrZero(signalLine), LastOrZero(histLine)
}

// Volatility is the population standard deviation (ddof=0) of closes
// over the trailing window of the given period.
func Volatility(closes []float64, period int) float64 {
	if len(closes) < period {
		return 0
	}
	window := closes[len(closes)-period:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))
	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(window))
	return math.Sqrt(variance)
}

// VolumeAverage is a simple trailing-window mean of volumes, min_periods=1.
func VolumeAverage(volumes []float64, period int) float64 {
	if len(volumes) == 0 {
		return 0
	}
	n := period
	if n > len(volumes) {
		n = len(volumes)
	}
	window := volumes[len(volumes)-n:]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

// ResampleOHLC buckets candles into fixed-width bars by integer
// division of the Unix timestamp by timeframeSeconds, grounded on the
// original's pandas .resample(rule) behavior.
func ResampleOHLC(candles []types.Candle, timeframeSeconds int) []types.Candle {
	if len(candles) == 0 || timeframeSeconds <= 0 {
		return nil
	}
	buckets := make(map[int64]*types.Candle)
	var order []int64
	for _, c := range candles {
		bucket := c.OpenTime.Unix() / int64(timeframeSeconds)
		if existing, ok := buckets[bucket]; ok {
			if c.High > existing.High {
				existing.High = c.High
			}
			if c.Low < existing.Low {
				existing.Low = c.Low
			}
			existing.Close = c.Close
			existing.Volume += c.Volume
		} else {
			cp := c
			cp.OpenTime = time.Unix(bucket*int64(timeframeSeconds), 0).UTC()
			buckets[bucket] = &cp
			order = append(order, bucket)
		}
	}
	out := make([]types.Candle, 0, len(order))
	for _, b := range order {
		out = append(out, *buckets[b])
	}
	return out
}

// BuildSnapshot assembles an IndicatorSnapshot from a trailing window
// of candles. It returns false when there are fewer bars than
// max(volumeRatioPeriod, 20) requires.
func BuildSnapshot(symbol string, candles []types.Candle) (types.IndicatorSnapshot, bool) {
	lookback := volumeRatioPeriod
	if lookback < 20 {
		lookback = 20
	}
	if len(candles) < lookback {
		return types.IndicatorSnapshot{}, false
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	ema20Series := EMA(closes, ema20Period)
	macdLine, signalLine, histLine := MACDSeries(closes)
	rsi7Series := RSI(closes, rsiShortPeriod)
	rsi14Series := RSI(closes, rsiLongPeriod)
	atr3Series := ATR(highs, lows, closes, atrShortPeriod)
	atr14Series := ATR(highs, lows, closes, atrLongPeriod)

	volAvg := VolumeAverage(volumes[:len(volumes)-1], volumeRatioPeriod)
	currentVolume := volumes[len(volumes)-1]
	volumeRatio := 0.0
	if volAvg > 0 {
		volumeRatio = currentVolume / volAvg
	}

	snapshot := types.IndicatorSnapshot{
		Symbol:        symbol,
		Price:         closes[len(closes)-1],
		EMA20:         LastOrZero(ema20Series),
		MACD:          LastOrZero(macdLine),
		MACDSignal:    LastOrZero(signalLine),
		MACDHistogram: LastOrZero(histLine),
		RSI7:          LastOrZero(rsi7Series),
		RSI14:         LastOrZero(rsi14Series),
		ATR3:          LastOrZero(atr3Series),
		ATR14:         LastOrZero(atr14Series),
		Volume:        currentVolume,
		VolumeRatio:   volumeRatio,
		Volatility:    Volatility(closes, volatilityPeriod),

		EMA20Series:         ema20Series,
		MACDSeries:          macdLine,
		MACDHistogramSeries: histLine,
		RSI7Series:          rsi7Series,
		RSI14Series:         rsi14Series,

		ComputedAt: candles[len(candles)-1].OpenTime,
	}
	return snapshot, true
}

// BuildHigherTimeframeSnapshot resamples candles to a coarser
// timeframe and computes RSI(14), MACD, the MACD signal line and a
// first-to-last trend label over the resampled bars.
func BuildHigherTimeframeSnapshot(timeframeLabel string, candles []types.Candle, timeframeSeconds int) (types.HigherTimeframeSnapshot, bool) {
	resampled := ResampleOHLC(candles, timeframeSeconds)
	if len(resampled) < 2 {
		return types.HigherTimeframeSnapshot{}, false
	}
	closes := make([]float64, len(resampled))
	for i, c := range resampled {
		closes[i] = c.Close
	}
	macd, signal, _ := MACD(closes)
	rsiSeries := RSI(closes, rsiLongPeriod)

	trend := "sideways"
	delta := closes[len(closes)-1] - closes[0]
	if delta > 0 {
		trend = "uptrend"
	} else if delta < 0 {
		trend = "downtrend"
	}

	return types.HigherTimeframeSnapshot{
		Timeframe:  timeframeLabel,
		RSI:        LastOrZero(rsiSeries),
		MACD:       macd,
		MACDSignal: signal,
		Trend:      trend,
	}, true
}
