// Package marketcache provides a Redis-backed keyed cache for
// indicator/derivatives snapshots plus an append-only tick stream per
// symbol, with the same circuit-breaker-over-Redis posture the
// teacher's settings cache uses.
package marketcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"autotrade-core/config"
	"autotrade-core/internal/errkind"
	"autotrade-core/internal/logging"
)

// Key prefixes for cached market objects.
const (
	PrefixIndicatorSnapshot  = "market:%s:indicators"
	PrefixDerivativesSnapshot = "market:%s:derivatives"
)

// DefaultSnapshotTTL is how long a cached indicator/derivatives
// snapshot is considered fresh before the caller should recompute.
const DefaultSnapshotTTL = 2 * time.Minute

// TickStreamSettings controls the Redis-Streams-backed tick buffer.
type TickStreamSettings struct {
	StreamPrefix           string
	Retention              time.Duration
	MaxEntriesPerSymbol    int64
	BackpressureThreshold  int64
}

// DefaultTickStreamSettings mirrors the original's TickBufferSettings
// defaults.
func DefaultTickStreamSettings() TickStreamSettings {
	s := TickStreamSettings{
		StreamPrefix:        "autotrade:ticks",
		Retention:           time.Hour,
		MaxEntriesPerSymbol: 12000,
	}
	s.BackpressureThreshold = resolvedBackpressureThreshold(s.MaxEntriesPerSymbol)
	return s
}

func resolvedBackpressureThreshold(maxEntries int64) int64 {
	base := maxEntries
	if base < 1 {
		base = 1
	}
	return int64(float64(base) * 1.2)
}

func (s TickStreamSettings) streamKey(symbol string) string {
	return fmt.Sprintf("%s:%s", s.StreamPrefix, symbol)
}

func (s TickStreamSettings) retentionMinID(now time.Time) string {
	cutoff := now.Add(-s.Retention)
	return fmt.Sprintf("%d-0", cutoff.UnixMilli())
}

// Tick is one raw trade/price update fed into a symbol's stream.
type Tick struct {
	Symbol      string
	Price       float64
	Volume      float64
	Side        string
	ExchangeTS  time.Time
	ReceivedAt  time.Time
}

// MarketCache is the exclusive-writer cache for market data: the
// MarketDataScheduler writes, the ToolRegistry and HTTP portfolio
// handler read.
type MarketCache struct {
	client *redis.Client
	log    *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration

	tickSettings TickStreamSettings
}

// New builds a MarketCache and verifies initial connectivity. On
// failure it still returns a usable cache in degraded mode rather than
// an error, since a transient Redis outage shouldn't block startup.
func New(cfg config.RedisConfig, tickSettings TickStreamSettings) (*MarketCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.URL,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	mc := &MarketCache{
		client:        client,
		log:           logging.Default().WithComponent("marketcache"),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		tickSettings:  tickSettings,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		mc.log.WithError(err).Warn("initial redis connection failed, starting in degraded mode")
		return mc, nil
	}

	mc.healthy = true
	mc.lastCheck = time.Now()
	return mc, nil
}

// IsHealthy reports whether Redis is currently reachable.
func (mc *MarketCache) IsHealthy() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.healthy
}

func (mc *MarketCache) recordFailure() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.failureCount++
	if mc.failureCount >= mc.maxFailures {
		mc.healthy = false
	}
}

func (mc *MarketCache) recordSuccess() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.healthy = true
	mc.failureCount = 0
	mc.lastCheck = time.Now()
}

func (mc *MarketCache) checkHealth(ctx context.Context) {
	mc.mu.RLock()
	shouldCheck := !mc.healthy && time.Since(mc.lastCheck) >= mc.checkInterval
	mc.mu.RUnlock()
	if !shouldCheck {
		return
	}
	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := mc.client.Ping(pingCtx).Err(); err == nil {
			mc.recordSuccess()
		}
	}()
}

// GetJSON retrieves and unmarshals a cached value. Returns redis.Nil
// on a cache miss (not a failure).
func (mc *MarketCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	mc.checkHealth(ctx)
	if !mc.IsHealthy() {
		return errkind.Wrap(errkind.TransientIOError, "marketcache.GetJSON", "redis unavailable", fmt.Errorf("circuit breaker open"))
	}

	raw, err := mc.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return err
		}
		mc.recordFailure()
		return errkind.Wrap(errkind.TransientIOError, "marketcache.GetJSON", "redis get failed", err)
	}
	mc.recordSuccess()

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return errkind.Wrap(errkind.ValidationError, "marketcache.GetJSON", "cached value is not valid JSON", err)
	}
	return nil
}

// SetJSON marshals and stores a value with a TTL.
func (mc *MarketCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	mc.checkHealth(ctx)
	if !mc.IsHealthy() {
		return errkind.Wrap(errkind.TransientIOError, "marketcache.SetJSON", "redis unavailable", fmt.Errorf("circuit breaker open"))
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errkind.Wrap(errkind.ValidationError, "marketcache.SetJSON", "value not json-serializable", err)
	}

	if err := mc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		mc.recordFailure()
		return errkind.Wrap(errkind.TransientIOError, "marketcache.SetJSON", "redis set failed", err)
	}
	mc.recordSuccess()
	return nil
}

// IndicatorSnapshotKey returns the cache key for a symbol's indicator
// snapshot.
func IndicatorSnapshotKey(symbol string) string {
	return fmt.Sprintf(PrefixIndicatorSnapshot, symbol)
}

// DerivativesSnapshotKey returns the cache key for a symbol's
// derivatives snapshot.
func DerivativesSnapshotKey(symbol string) string {
	return fmt.Sprintf(PrefixDerivativesSnapshot, symbol)
}

// Ping checks Redis connectivity directly, used by the /healthz and
// /readyz handlers.
func (mc *MarketCache) Ping(ctx context.Context) error {
	if err := mc.client.Ping(ctx).Err(); err != nil {
		mc.recordFailure()
		return err
	}
	mc.recordSuccess()
	return nil
}

// Close closes the underlying Redis client.
func (mc *MarketCache) Close() error {
	if mc.client != nil {
		return mc.client.Close()
	}
	return nil
}

// AppendTick pushes a tick onto the symbol's stream, dropping it when
// the stream is already at or above the backpressure threshold.
// Returns the stream entry ID, or "" if the tick was dropped.
func (mc *MarketCache) AppendTick(ctx context.Context, tick Tick) (string, error) {
	if !mc.IsHealthy() {
		mc.log.Debug("redis unavailable; dropping tick")
		return "", nil
	}

	key := mc.tickSettings.streamKey(tick.Symbol)

	length, err := mc.client.XLen(ctx, key).Result()
	if err != nil {
		mc.recordFailure()
		return "", errkind.Wrap(errkind.TransientIOError, "marketcache.AppendTick", "xlen failed", err)
	}

	if length >= mc.tickSettings.BackpressureThreshold {
		mc.log.WithFields(map[string]interface{}{
			"stream": key,
			"depth":  length,
			"threshold": mc.tickSettings.BackpressureThreshold,
		}).Warn("tick stream exceeding backpressure threshold, dropping tick")
		return "", nil
	}

	payload := map[string]interface{}{
		"symbol":      tick.Symbol,
		"price":       tick.Price,
		"volume":      tick.Volume,
		"side":        tick.Side,
		"exchange_ts": tick.ExchangeTS.Format(time.RFC3339Nano),
		"received_at": tick.ReceivedAt.Format(time.RFC3339Nano),
	}

	id, err := mc.client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: payload}).Result()
	if err != nil {
		mc.recordFailure()
		return "", errkind.Wrap(errkind.TransientIOError, "marketcache.AppendTick", "xadd failed", err)
	}

	mc.client.XTrimMaxLenApprox(ctx, key, mc.tickSettings.MaxEntriesPerSymbol, 0)
	mc.client.XTrimMinIDApprox(ctx, key, mc.tickSettings.retentionMinID(time.Now()), 0)

	mc.recordSuccess()
	return id, nil
}

// ReadLatest returns up to count of the most recent ticks for symbol,
// oldest first.
func (mc *MarketCache) ReadLatest(ctx context.Context, symbol string, count int64) ([]Tick, error) {
	if !mc.IsHealthy() {
		return nil, nil
	}

	key := mc.tickSettings.streamKey(symbol)
	records, err := mc.client.XRevRangeN(ctx, key, "+", "-", count).Result()
	if err != nil {
		mc.recordFailure()
		return nil, errkind.Wrap(errkind.TransientIOError, "marketcache.ReadLatest", "xrevrange failed", err)
	}
	mc.recordSuccess()

	ticks := make([]Tick, 0, len(records))
	for _, rec := range records {
		ticks = append(ticks, tickFromFields(symbol, rec.Values))
	}
	// XRevRange returns newest-first; reverse to oldest-first.
	for i, j := 0, len(ticks)-1; i < j; i, j = i+1, j-1 {
		ticks[i], ticks[j] = ticks[j], ticks[i]
	}
	return ticks, nil
}

// CleanupSymbols trims every symbol's stream down to the configured
// retention window and entry cap.
func (mc *MarketCache) CleanupSymbols(ctx context.Context, symbols []string) {
	if !mc.IsHealthy() {
		return
	}
	now := time.Now()
	for _, symbol := range symbols {
		key := mc.tickSettings.streamKey(symbol)
		mc.client.XTrimMaxLenApprox(ctx, key, mc.tickSettings.MaxEntriesPerSymbol, 0)
		mc.client.XTrimMinIDApprox(ctx, key, mc.tickSettings.retentionMinID(now), 0)
	}
}

// StreamLength returns the current entry count for a symbol's stream.
func (mc *MarketCache) StreamLength(ctx context.Context, symbol string) (int64, error) {
	if !mc.IsHealthy() {
		return 0, nil
	}
	key := mc.tickSettings.streamKey(symbol)
	n, err := mc.client.XLen(ctx, key).Result()
	if err != nil {
		return 0, errkind.Wrap(errkind.TransientIOError, "marketcache.StreamLength", "xlen failed", err)
	}
	return n, nil
}

func tickFromFields(symbol string, fields map[string]interface{}) Tick {
	t := Tick{Symbol: symbol}
	if v, ok := fields["price"].(string); ok {
		fmt.Sscanf(v, "%g", &t.Price)
	}
	if v, ok := fields["volume"].(string); ok {
		fmt.Sscanf(v, "%g", &t.Volume)
	}
	if v, ok := fields["side"].(string); ok {
		t.Side = v
	}
	if v, ok := fields["exchange_ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t.ExchangeTS = parsed
		}
	}
	if v, ok := fields["received_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t.ReceivedAt = parsed
		} else {
			t.ReceivedAt = time.Now().UTC()
		}
	}
	return t
}
