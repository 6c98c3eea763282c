// Package scheduler runs the periodic decision cycle: pipeline run,
// broker execution against the currently selected RuntimeMode,
// feedback settlement, mark-to-market, and snapshot persistence. It
// never runs two ticks concurrently, even if Trigger races the timer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"autotrade-core/internal/broker"
	"autotrade-core/internal/decision"
	"autotrade-core/internal/errkind"
	"autotrade-core/internal/events"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/runtimectl"
	"autotrade-core/internal/types"
)

// DefaultInterval matches the original's default LLM scheduler cadence.
const DefaultInterval = 3 * time.Minute

// State is the closed set of scheduler lifecycle states. Pause is
// tracked as an orthogonal flag rather than a fourth state, since a
// paused scheduler is still either idle or mid-tick.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// BrokerFactory builds the broker.Port for a RuntimeMode. Supplied by
// main.go, which owns the concrete SimulatedBroker/ExchangeBroker
// wiring this package must stay ignorant of.
type BrokerFactory func(mode types.RuntimeMode) (broker.Port, error)

// SnapshotPersister persists a completed tick's portfolio snapshot.
// internal/database's Repository is the only implementation and
// upserts the snapshot in every mode; no implementation writes a JSON
// state file. May be nil.
type SnapshotPersister interface {
	PersistSnapshot(ctx context.Context, mode types.RuntimeMode, portfolio *types.Portfolio) error
}

// feedbackSettler is the optional subset of broker.Port that settles
// any outcome-tracking work queued during Execute. Go's synchronous
// call model means most of this already runs inline inside Execute
// and MarkToMarket, so most Port implementations do not need it; it
// exists for brokers whose exit settlement is genuinely deferred.
type feedbackSettler interface {
	ProcessPendingFeedback(ctx context.Context) error
}

// Status mirrors LLMSchedulerStatus: the last tick's timing and a
// running failure tally.
type Status struct {
	State               State
	Paused              bool
	LastRunAt           time.Time
	LastDurationSeconds float64
	LastError           string
	LastDecisionCount   int
	ConsecutiveFailures int
	RejectedExecutions  []string
}

// Scheduler drives one decision.Pipeline on a fixed interval.
type Scheduler struct {
	pipeline      *decision.Pipeline
	brokerFactory BrokerFactory
	runtimeCtl    *runtimectl.Controller
	persister     SnapshotPersister
	bus           *events.EventBus
	interval      time.Duration
	log           *logging.Logger

	mu      sync.Mutex
	tickMu  sync.Mutex
	status  Status
	paused  bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Scheduler. persister and bus may be nil.
func New(pipeline *decision.Pipeline, brokerFactory BrokerFactory, runtimeCtl *runtimectl.Controller, persister SnapshotPersister, bus *events.EventBus, interval time.Duration, log *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		pipeline:      pipeline,
		brokerFactory: brokerFactory,
		runtimeCtl:    runtimeCtl,
		persister:     persister,
		bus:           bus,
		interval:      interval,
		log:           log.WithComponent("decision_scheduler"),
		status:        Status{State: StateIdle},
	}
}

// Start arms the timer and runs one tick immediately, matching the
// original's start-then-loop behavior. Calling Start twice is a no-op.
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

	s.log.WithField("interval", s.interval).Info("decision scheduler started")
	s.publishState("running")

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.tick(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()
}

// Stop cancels the timer. Any in-flight tick runs to completion
// before Stop returns.
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
	s.log.Info("decision scheduler stopped")
	s.publishState("stopped")
}

// Pause suppresses tick execution; the timer keeps counting so Resume
// picks back up on the original cadence.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("decision scheduler paused")
	s.publishState("paused")
}

// Resume clears a prior Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("decision scheduler resumed")
	s.publishState("running")
}

// Trigger runs one tick immediately, regardless of the pause flag.
// Used by the manual HTTP trigger endpoint.
func (s *Scheduler) Trigger(ctx context.Context) {
	s.tick(ctx)
}

// Status returns a copy of the most recently completed tick's status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) publishState(state string) {
	if s.bus != nil {
		s.bus.PublishSchedulerStateChanged("decision_scheduler", state)
	}
}

// tick runs exactly one decision cycle under tickMu, so a manual
// Trigger can never overlap the timer's own tick.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}

	if !s.tickMu.TryLock() {
		return
	}
	defer s.tickMu.Unlock()

	start := time.Now().UTC()
	s.setState(StateRunning)
	defer s.setState(StateIdle)

	result, ok := s.pipeline.RunOnce(ctx)
	if !ok {
		s.recordFailure(start, "pipeline abstained")
		return
	}

	mode := types.RuntimeMode("")
	if s.runtimeCtl != nil {
		mode = s.runtimeCtl.Mode()
	}
	port, err := s.brokerFactory(mode)
	if err != nil {
		s.recordFailure(start, "broker unavailable: "+err.Error())
		return
	}

	snapshots := s.resolveSnapshots(result)

	rejections, execErr := port.Execute(ctx, result.Decisions, snapshots)
	if execErr != nil {
		if errkind.Is(execErr, errkind.ValidationError) {
			s.recordFailure(start, execErr.Error())
			return
		}
		s.log.WithError(execErr).Warn("broker execution reported a failure")
	}

	if settler, ok := port.(feedbackSettler); ok {
		if err := settler.ProcessPendingFeedback(ctx); err != nil {
			s.log.WithError(err).Warn("feedback settlement failed")
		}
	}

	if err := port.MarkToMarket(ctx, snapshots); err != nil {
		s.log.WithError(err).Warn("mark-to-market failed")
	}

	if s.persister != nil {
		if err := s.persister.PersistSnapshot(ctx, mode, port.Portfolio()); err != nil {
			s.log.WithError(err).Warn("failed to persist portfolio snapshot")
		}
	}

	s.recordSuccess(start, len(result.Decisions), rejections)
}

// resolveSnapshots fills in a fallback price for any decision symbol
// the pipeline did not capture a live price for.
func (s *Scheduler) resolveSnapshots(result decision.Result) map[string]float64 {
	snapshots := make(map[string]float64, len(result.MarketSnapshots))
	for symbol, price := range result.MarketSnapshots {
		snapshots[symbol] = price
	}
	for _, d := range result.Decisions {
		if _, ok := snapshots[d.Symbol]; ok {
			continue
		}
		if price, err := decision.ResolveFallbackPrice(d, result.MarketSnapshots); err == nil {
			snapshots[d.Symbol] = price
		}
	}
	return snapshots
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}

func (s *Scheduler) recordFailure(start time.Time, message string) {
	s.mu.Lock()
	s.status.LastRunAt = start
	s.status.LastDurationSeconds = time.Since(start).Seconds()
	s.status.LastError = message
	s.status.ConsecutiveFailures++
	s.mu.Unlock()
	s.log.WithField("error", message).Warn("decision tick failed")
}

func (s *Scheduler) recordSuccess(start time.Time, decisionCount int, rejections []string) {
	s.mu.Lock()
	s.status.LastRunAt = start
	s.status.LastDurationSeconds = time.Since(start).Seconds()
	s.status.LastError = ""
	s.status.LastDecisionCount = decisionCount
	s.status.ConsecutiveFailures = 0
	s.status.RejectedExecutions = rejections
	s.mu.Unlock()
}
