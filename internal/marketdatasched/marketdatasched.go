// Package marketdatasched runs the high-frequency market-data refresh
// loop: one ticker/candle/funding fetch cycle per configured symbol,
// indicator computation, a write into the shared market cache, and a
// broadcast to any connected WebSocket clients.
package marketdatasched

import (
	"context"
	"sync"
	"time"

	"autotrade-core/internal/errkind"
	"autotrade-core/internal/events"
	"autotrade-core/internal/indicators"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/marketcache"
	"autotrade-core/internal/types"
)

// ShortTimeframeSeconds and LongTimeframeSeconds are the two candle
// resolutions every cycle refreshes, matching the short/long-term
// indicator split.
const (
	ShortTimeframeSeconds = 300  // 5m
	LongTimeframeSeconds  = 3600 // 1h
	candlesPerFetch       = 120
)

// DataSource is the subset of exchange.Client this scheduler needs.
// Kept local rather than importing internal/exchange's full Client
// interface, since this scheduler never places orders.
type DataSource interface {
	FetchTicker(ctx context.Context, symbol string) (float64, error)
	FetchCandles(ctx context.Context, symbol string, timeframeSeconds, limit int) ([]types.Candle, error)
	FetchFundingRate(ctx context.Context, symbol string) (types.DerivativesSnapshot, error)
}

// CycleStatus mirrors MarketDataSchedulerStatus: the last cycle's
// timing and a running tally of API/cache outcomes, reset every cycle.
type CycleStatus struct {
	LastRunAt            time.Time
	LastDurationSeconds  float64
	LastError            string
	APISuccesses         int
	APIFailures          int
	CacheWrites          int
	ConsecutiveFailures  int
}

const alertThreshold = 3

// Scheduler refreshes ticker/candle/funding/indicator data for a fixed
// symbol set on its own ticker and its own mutex, independent of the
// decision scheduler's cadence.
type Scheduler struct {
	source   DataSource
	cache    *marketcache.MarketCache
	bus      *events.EventBus
	symbols  []string
	interval time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	status  CycleStatus
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Scheduler. interval is the per-cycle refresh period.
func New(source DataSource, cache *marketcache.MarketCache, bus *events.EventBus, symbols []string, interval time.Duration, log *logging.Logger) *Scheduler {
	return &Scheduler{
		source:   source,
		cache:    cache,
		bus:      bus,
		symbols:  symbols,
		interval: interval,
		log:      log.WithComponent("market_data_scheduler"),
	}
}

// Start launches the refresh loop in a background goroutine. Calling
// Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.log.WithField("interval", s.interval).WithField("symbols", len(s.symbols)).Info("market data scheduler started")

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.RunCycle(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.RunCycle(runCtx)
			}
		}
	}()
}

// Stop cancels the refresh loop and waits for the in-flight cycle to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.log.Info("market data scheduler stopped")
}

// TriggerOnce runs a single cycle synchronously, used by the manual
// HTTP trigger endpoint.
func (s *Scheduler) TriggerOnce(ctx context.Context) {
	s.RunCycle(ctx)
}

// Status returns a copy of the most recently completed cycle's status.
func (s *Scheduler) Status() CycleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RunCycle refreshes every configured symbol concurrently and
// publishes a market-update event per symbol that resolved.
func (s *Scheduler) RunCycle(ctx context.Context) {
	start := time.Now()
	s.resetCycleCounters()

	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved := 0

	for _, symbol := range s.symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			price, ok := s.refreshSymbol(ctx, symbol)
			if ok {
				mu.Lock()
				resolved++
				mu.Unlock()
				if s.bus != nil {
					s.bus.PublishMarketUpdate(symbol, price)
				}
				events.BroadcastMarketUpdate(map[string]interface{}{"symbol": symbol, "price": price})
			}
		}(symbol)
	}
	wg.Wait()

	s.mu.Lock()
	s.status.LastRunAt = start
	s.status.LastDurationSeconds = time.Since(start).Seconds()
	if resolved == 0 && len(s.symbols) > 0 {
		s.status.ConsecutiveFailures++
		s.status.LastError = "no symbols refreshed this cycle"
		if s.status.ConsecutiveFailures >= alertThreshold {
			s.log.WithField("consecutiveFailures", s.status.ConsecutiveFailures).Error("market data scheduler failing repeatedly")
		}
	} else {
		s.status.ConsecutiveFailures = 0
		s.status.LastError = ""
	}
	s.mu.Unlock()

	s.log.WithField("resolved", resolved).WithField("durationSeconds", time.Since(start).Seconds()).Info("market data cycle completed")
}

// refreshSymbol fetches ticker/candles/funding for one symbol, writes
// indicator and derivatives snapshots into the cache, and returns the
// latest price. A ticker fetch failure aborts the symbol entirely;
// candle/funding failures degrade gracefully (matching the original's
// required-ticker/optional-rest posture).
func (s *Scheduler) refreshSymbol(ctx context.Context, symbol string) (float64, bool) {
	price, err := s.source.FetchTicker(ctx, symbol)
	if err != nil {
		s.recordFailure(symbol, "ticker", err)
		return 0, false
	}
	s.recordSuccess()

	shortCandles, err := s.source.FetchCandles(ctx, symbol, ShortTimeframeSeconds, candlesPerFetch)
	if err != nil {
		s.recordFailure(symbol, "candles:short", err)
	} else {
		s.recordSuccess()
	}

	longCandles, err := s.source.FetchCandles(ctx, symbol, LongTimeframeSeconds, candlesPerFetch)
	if err != nil {
		s.recordFailure(symbol, "candles:long", err)
	} else {
		s.recordSuccess()
	}

	if len(shortCandles) > 0 {
		if snapshot, ok := indicators.BuildSnapshot(symbol, shortCandles); ok {
			if len(longCandles) > 0 {
				if higher, ok := indicators.BuildHigherTimeframeSnapshot("1h", longCandles, LongTimeframeSeconds); ok {
					snapshot.HigherTimeframe = &higher
				}
			}
			s.writeSnapshot(ctx, symbol, snapshot)
		}
	}

	derivatives, err := s.source.FetchFundingRate(ctx, symbol)
	if err != nil {
		s.recordFailure(symbol, "funding", err)
	} else {
		s.recordSuccess()
		s.writeDerivatives(ctx, symbol, derivatives)
	}

	return price, true
}

func (s *Scheduler) writeSnapshot(ctx context.Context, symbol string, snapshot types.IndicatorSnapshot) {
	if s.cache == nil {
		return
	}
	key := marketcache.IndicatorSnapshotKey(symbol)
	if err := s.cache.SetJSON(ctx, key, snapshot, marketcache.DefaultSnapshotTTL); err != nil {
		if !errkind.Is(err, errkind.TransientIOError) {
			s.log.WithError(err).WithField("symbol", symbol).Warn("failed to cache indicator snapshot")
		}
		return
	}
	s.mu.Lock()
	s.status.CacheWrites++
	s.mu.Unlock()
}

func (s *Scheduler) writeDerivatives(ctx context.Context, symbol string, snapshot types.DerivativesSnapshot) {
	if s.cache == nil {
		return
	}
	key := marketcache.DerivativesSnapshotKey(symbol)
	if err := s.cache.SetJSON(ctx, key, snapshot, marketcache.DefaultSnapshotTTL); err != nil {
		return
	}
	s.mu.Lock()
	s.status.CacheWrites++
	s.mu.Unlock()
}

func (s *Scheduler) resetCycleCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.APISuccesses = 0
	s.status.APIFailures = 0
	s.status.CacheWrites = 0
}

func (s *Scheduler) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.APISuccesses++
}

func (s *Scheduler) recordFailure(symbol, endpoint string, err error) {
	s.mu.Lock()
	s.status.APIFailures++
	s.mu.Unlock()
	s.log.WithError(err).WithField("symbol", symbol).WithField("endpoint", endpoint).Warn("market data fetch failed")
}
