// Package tools implements the three data functions the decision agent
// calls during a run: live_market_data, indicator_calculator, and
// derivatives_data. indicator_calculator and derivatives_data consult
// the market cache first and only reach the exchange client on a miss;
// live_market_data always fetches from the exchange client. Every
// result is memoized in a per-run ToolCache so a symbol visited twice
// in one run never pays for a second fetch.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"autotrade-core/internal/errkind"
	"autotrade-core/internal/indicators"
	"autotrade-core/internal/marketcache"
	"autotrade-core/internal/types"
)

const (
	shortTermCandleLimit = 50
	longTermCandleLimit  = 120
	shortTimeframeSeconds = 300
	longTimeframeSeconds  = 3600
	seriesTrimLimit       = 10
)

// DataSource is the subset of exchange.Client the tool registry needs:
// ticker, candle, and funding-rate fetches. No order placement.
type DataSource interface {
	FetchTicker(ctx context.Context, symbol string) (float64, error)
	FetchCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]types.Candle, error)
	FetchFundingRate(ctx context.Context, symbol string) (types.DerivativesSnapshot, error)
}

// CacheEntry is one record in a ToolCache snapshot: the key, when it
// was stored, and its age, captured for the audit trail attached to a
// decision run.
type CacheEntry struct {
	Key       string    `json:"key"`
	StoredAt  time.Time `json:"storedAt"`
	AgeMillis int64     `json:"ageMillis"`
	ValueType string    `json:"valueType"`
}

// ToolCache memoizes tool results for the lifetime of a single
// decision run, keyed by "<tool>:<symbol>". It is created on run entry
// and discarded on exit; nothing here outlives one run.
type ToolCache struct {
	mu      sync.Mutex
	entries map[string]cachedValue
}

type cachedValue struct {
	value     string
	storedAt  time.Time
	valueType string
}

// NewToolCache builds an empty per-run cache.
func NewToolCache() *ToolCache {
	return &ToolCache{entries: make(map[string]cachedValue)}
}

func (c *ToolCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v.value, ok
}

func (c *ToolCache) put(key, valueType, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedValue{value: value, storedAt: time.Now().UTC(), valueType: valueType}
}

// Snapshot captures the current contents for the audit record: key,
// stored-at time, age, and value type, without the raw payload.
func (c *ToolCache) Snapshot() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	out := make([]CacheEntry, 0, len(c.entries))
	for k, v := range c.entries {
		out = append(out, CacheEntry{
			Key:       k,
			StoredAt:  v.storedAt,
			AgeMillis: now.Sub(v.storedAt).Milliseconds(),
			ValueType: v.valueType,
		})
	}
	return out
}

// Registry exposes the three tools to the agent loop. Indicator and
// derivatives lookups are backed by the market cache with the exchange
// client as fallback; live market data comes from the exchange client.
type Registry struct {
	source  DataSource
	cache   *marketcache.MarketCache
	symbols map[string]string
}

// New builds a Registry. symbolMap maps a normalized base symbol
// (e.g. "BTC") to the exchange's wire symbol (e.g. "BTC-USDT-SWAP").
func New(source DataSource, cache *marketcache.MarketCache, symbolMap map[string]string) *Registry {
	m := make(map[string]string, len(symbolMap))
	for k, v := range symbolMap {
		m[strings.ToUpper(k)] = v
	}
	return &Registry{source: source, cache: cache, symbols: m}
}

// NormalizeSymbol accepts base ("BTC"), dash-form ("BTC-USD"),
// slash-form ("BTC/USDT"), and colon-suffixed futures form
// ("BTC/USDT:USDT"), reducing each to the configured mapping key. It
// fails with a ValidationError when no mapping exists for the
// resolved base.
func (r *Registry) NormalizeSymbol(raw string) (string, error) {
	base := strings.ToUpper(strings.TrimSpace(raw))
	if idx := strings.IndexByte(base, ':'); idx >= 0 {
		base = base[:idx]
	}
	if idx := strings.IndexByte(base, '/'); idx >= 0 {
		base = base[:idx]
	}
	if idx := strings.IndexByte(base, '-'); idx >= 0 {
		base = base[:idx]
	}
	wire, ok := r.symbols[base]
	if !ok {
		return "", errkind.New(errkind.ValidationError, "tools.NormalizeSymbol", "no symbol mapping for "+raw)
	}
	return wire, nil
}

// marketDataPayload is the JSON shape returned by live_market_data.
type marketDataPayload struct {
	Symbol                string        `json:"symbol"`
	LastPrice             float64       `json:"lastPrice"`
	FetchedAt             time.Time     `json:"fetchedAt"`
	ShortTermTimeframe    string        `json:"shortTermTimeframe"`
	LongTermTimeframe     string        `json:"longTermTimeframe"`
	IntradayCandles       []candleJSON  `json:"intradayCandles"`
	HighTimeframeCandles  []candleJSON  `json:"highTimeframeCandles"`
}

type candleJSON struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

func toCandleJSON(candles []types.Candle) []candleJSON {
	out := make([]candleJSON, len(candles))
	for i, c := range candles {
		out[i] = candleJSON{Timestamp: c.OpenTime, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
	}
	return out
}

// LiveMarketData fetches recent OHLC candles for symbol and returns
// the serialized payload, consulting the run cache before the
// exchange.
func (r *Registry) LiveMarketData(ctx context.Context, cache *ToolCache, symbol string) (string, error) {
	key := "live_market_data:" + strings.ToUpper(symbol)
	if v, ok := cache.get(key); ok {
		return v, nil
	}

	wireSymbol, err := r.NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}

	price, err := r.source.FetchTicker(ctx, wireSymbol)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIOError, "tools.LiveMarketData", "fetch ticker", err)
	}
	shortCandles, err := r.source.FetchCandles(ctx, wireSymbol, shortTimeframeSeconds, shortTermCandleLimit)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIOError, "tools.LiveMarketData", "fetch short-term candles", err)
	}
	longCandles, err := r.source.FetchCandles(ctx, wireSymbol, longTimeframeSeconds, longTermCandleLimit)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIOError, "tools.LiveMarketData", "fetch long-term candles", err)
	}

	payload := marketDataPayload{
		Symbol:               strings.ToUpper(symbol),
		LastPrice:            price,
		FetchedAt:            time.Now().UTC(),
		ShortTermTimeframe:   "5m",
		LongTermTimeframe:    "1h",
		IntradayCandles:      toCandleJSON(shortCandles),
		HighTimeframeCandles: toCandleJSON(longCandles),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", errkind.Wrap(errkind.ValidationError, "tools.LiveMarketData", "marshal payload", err)
	}
	cache.put(key, "marketDataPayload", string(out))
	return string(out), nil
}

// indicatorPayload is the trimmed JSON shape returned by
// indicator_calculator: series truncated to at most seriesTrimLimit
// points, plus the nested higher-timeframe block when available.
type indicatorPayload struct {
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

	GeneratedAt     time.Time                      `json:"generatedAt"`
	HigherTimeframe *types.HigherTimeframeSnapshot `json:"higherTimeframe,omitempty"`
}

// trimSeries returns the trailing limit elements of series, matching
// the indicator_calculator tool's "trimmed to at most seriesTrimLimit
// points" contract without mutating the source IndicatorSnapshot.
func trimSeries(series []float64, limit int) []float64 {
	if len(series) <= limit {
		return series
	}
	return series[len(series)-limit:]
}

// IndicatorCalculator computes the indicator snapshot for symbol,
// preferring the cached snapshot written by the market-data scheduler
// and falling back to a live candle fetch on a miss.
func (r *Registry) IndicatorCalculator(ctx context.Context, cache *ToolCache, symbol string) (string, error) {
	key := "indicator_calculator:" + strings.ToUpper(symbol)
	if v, ok := cache.get(key); ok {
		return v, nil
	}

	wireSymbol, err := r.NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}

	var snapshot types.IndicatorSnapshot
	if r.cache != nil {
		if err := r.cache.GetJSON(ctx, marketcache.IndicatorSnapshotKey(wireSymbol), &snapshot); err == nil && snapshot.Symbol != "" {
			return r.marshalIndicator(cache, key, symbol, snapshot)
		}
	}

	candles, err := r.source.FetchCandles(ctx, wireSymbol, shortTimeframeSeconds, longTermCandleLimit)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIOError, "tools.IndicatorCalculator", "fetch candles", err)
	}
	built, ok := indicators.BuildSnapshot(strings.ToUpper(symbol), candles)
	if !ok {
		return "", errkind.New(errkind.ValidationError, "tools.IndicatorCalculator", "insufficient candles for "+symbol)
	}
	return r.marshalIndicator(cache, key, symbol, built)
}

func (r *Registry) marshalIndicator(cache *ToolCache, key, symbol string, snapshot types.IndicatorSnapshot) (string, error) {
	payload := indicatorPayload{
		Symbol:        strings.ToUpper(symbol),
		Price:         snapshot.Price,
		EMA20:         snapshot.EMA20,
		MACD:          snapshot.MACD,
		MACDSignal:    snapshot.MACDSignal,
		MACDHistogram: snapshot.MACDHistogram,
		RSI7:          snapshot.RSI7,
		RSI14:         snapshot.RSI14,
		ATR3:          snapshot.ATR3,
		ATR14:         snapshot.ATR14,
		Volume:        snapshot.Volume,
		VolumeRatio:   snapshot.VolumeRatio,
		Volatility:    snapshot.Volatility,

		EMA20Series:         trimSeries(snapshot.EMA20Series, seriesTrimLimit),
		MACDSeries:          trimSeries(snapshot.MACDSeries, seriesTrimLimit),
		MACDHistogramSeries: trimSeries(snapshot.MACDHistogramSeries, seriesTrimLimit),
		RSI7Series:          trimSeries(snapshot.RSI7Series, seriesTrimLimit),
		RSI14Series:         trimSeries(snapshot.RSI14Series, seriesTrimLimit),

		GeneratedAt:     snapshot.ComputedAt,
		HigherTimeframe: snapshot.HigherTimeframe,
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", errkind.Wrap(errkind.ValidationError, "tools.IndicatorCalculator", "marshal payload", err)
	}
	cache.put(key, "indicatorPayload", string(out))
	return string(out), nil
}

// DerivativesData fetches the funding-rate/open-interest snapshot for
// symbol, preferring the cached value written by the market-data
// scheduler.
func (r *Registry) DerivativesData(ctx context.Context, cache *ToolCache, symbol string) (string, error) {
	key := "derivatives_data:" + strings.ToUpper(symbol)
	if v, ok := cache.get(key); ok {
		return v, nil
	}

	wireSymbol, err := r.NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}

	var snapshot types.DerivativesSnapshot
	if r.cache != nil {
		if err := r.cache.GetJSON(ctx, marketcache.DerivativesSnapshotKey(wireSymbol), &snapshot); err == nil && snapshot.Symbol != "" {
			return r.marshalDerivatives(cache, key, snapshot)
		}
	}

	snapshot, err = r.source.FetchFundingRate(ctx, wireSymbol)
	if err != nil {
		return "", errkind.Wrap(errkind.TransientIOError, "tools.DerivativesData", "fetch funding rate", err)
	}
	return r.marshalDerivatives(cache, key, snapshot)
}

func (r *Registry) marshalDerivatives(cache *ToolCache, key string, snapshot types.DerivativesSnapshot) (string, error) {
	out, err := json.Marshal(snapshot)
	if err != nil {
		return "", errkind.Wrap(errkind.ValidationError, "tools.DerivativesData", "marshal payload", err)
	}
	cache.put(key, "derivativesPayload", string(out))
	return string(out), nil
}

// Call dispatches by tool name, matching the three names the agent
// loop's tool schema advertises.
func (r *Registry) Call(ctx context.Context, cache *ToolCache, toolName, symbol string) (string, error) {
	switch toolName {
	case "live_market_data":
		return r.LiveMarketData(ctx, cache, symbol)
	case "indicator_calculator":
		return r.IndicatorCalculator(ctx, cache, symbol)
	case "derivatives_data":
		return r.DerivativesData(ctx, cache, symbol)
	default:
		return "", errkind.New(errkind.ValidationError, "tools.Call", fmt.Sprintf("unknown tool %q", toolName))
	}
}
