package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventDecisionMade          EventType = "DECISION_MADE"
	EventPositionOpened        EventType = "POSITION_OPENED"
	EventPositionClosed        EventType = "POSITION_CLOSED"
	EventPositionUpdate        EventType = "POSITION_UPDATE"
	EventRuleLearned           EventType = "RULE_LEARNED"
	EventSchedulerStateChanged EventType = "SCHEDULER_STATE_CHANGED"
	EventRuntimeModeChanged    EventType = "RUNTIME_MODE_CHANGED"
	EventMarketUpdate          EventType = "MARKET_UPDATE"
	EventPortfolioUpdate       EventType = "PORTFOLIO_UPDATE"
	EventError                 EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDecisionMade publishes a decision-pipeline result event
func (eb *EventBus) PublishDecisionMade(runID, symbol, action string, confidence float64) {
	eb.Publish(Event{
		Type: EventDecisionMade,
		Data: map[string]interface{}{
			"run_id":     runID,
			"symbol":     symbol,
			"action":     action,
			"confidence": confidence,
		},
	})
}

// PublishPositionOpened publishes a position-opened event
func (eb *EventBus) PublishPositionOpened(symbol, side string, entryPrice, quantity, leverage float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"leverage":    leverage,
		},
	})
}

// PublishPositionClosed publishes a position-closed event
func (eb *EventBus) PublishPositionClosed(symbol string, entryPrice, exitPrice, quantity, realizedPnL, realizedPnLPct float64, reason string) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":           symbol,
			"entry_price":      entryPrice,
			"exit_price":       exitPrice,
			"quantity":         quantity,
			"realized_pnl":     realizedPnL,
			"realized_pnl_pct": realizedPnLPct,
			"exit_reason":      reason,
		},
	})
}

// PublishPositionUpdate publishes a mark-to-market position update event
func (eb *EventBus) PublishPositionUpdate(symbol string, entryPrice, currentPrice, quantity, unrealizedPnL, unrealizedPnLPct float64) {
	eb.Publish(Event{
		Type: EventPositionUpdate,
		Data: map[string]interface{}{
			"symbol":             symbol,
			"entry_price":        entryPrice,
			"current_price":      currentPrice,
			"quantity":           quantity,
			"unrealized_pnl":     unrealizedPnL,
			"unrealized_pnl_pct": unrealizedPnLPct,
		},
	})
}

// PublishRuleLearned publishes a new-learned-rule event
func (eb *EventBus) PublishRuleLearned(ruleID, ruleType, ruleText string) {
	eb.Publish(Event{
		Type: EventRuleLearned,
		Data: map[string]interface{}{
			"rule_id":   ruleID,
			"rule_type": ruleType,
			"rule_text": ruleText,
		},
	})
}

// PublishSchedulerStateChanged publishes a scheduler state-transition event
func (eb *EventBus) PublishSchedulerStateChanged(schedulerName, state string) {
	eb.Publish(Event{
		Type: EventSchedulerStateChanged,
		Data: map[string]interface{}{
			"scheduler": schedulerName,
			"state":     state,
		},
	})
}

// PublishRuntimeModeChanged publishes a runtime-mode transition event
func (eb *EventBus) PublishRuntimeModeChanged(previousMode, newMode string) {
	eb.Publish(Event{
		Type: EventRuntimeModeChanged,
		Data: map[string]interface{}{
			"previous_mode": previousMode,
			"new_mode":      newMode,
		},
	})
}

// PublishMarketUpdate publishes a market-data refresh event
func (eb *EventBus) PublishMarketUpdate(symbol string, price float64) {
	eb.Publish(Event{
		Type: EventMarketUpdate,
		Data: map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		},
	})
}

// PublishPortfolioUpdate publishes a portfolio-equity update event
func (eb *EventBus) PublishPortfolioUpdate(equity, totalUnrealizedPnL, totalRealizedPnL float64) {
	eb.Publish(Event{
		Type: EventPortfolioUpdate,
		Data: map[string]interface{}{
			"equity":               equity,
			"total_unrealized_pnl": totalUnrealizedPnL,
			"total_realized_pnl":   totalRealizedPnL,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// ============================================================================
// WebSocket Broadcast Callbacks
// These allow packages like database and broker to broadcast events without
// directly importing the api package, avoiding import cycles.
// ============================================================================

// BroadcastFunc is a callback function for broadcasting events to all
// connected WebSocket clients.
type BroadcastFunc func(data interface{})

// Global broadcast callbacks - wired up by the api package at startup
var (
	broadcastMarketUpdate    BroadcastFunc
	broadcastPortfolioUpdate BroadcastFunc
	broadcastPositionUpdate  BroadcastFunc
	broadcastDecisionMade    BroadcastFunc
	broadcastRuntimeMode     BroadcastFunc
)

// SetBroadcastMarketUpdate sets the callback for market update broadcasts
func SetBroadcastMarketUpdate(fn BroadcastFunc) {
	broadcastMarketUpdate = fn
}

// SetBroadcastPortfolioUpdate sets the callback for portfolio update broadcasts
func SetBroadcastPortfolioUpdate(fn BroadcastFunc) {
	broadcastPortfolioUpdate = fn
}

// SetBroadcastPositionUpdate sets the callback for position update broadcasts
func SetBroadcastPositionUpdate(fn BroadcastFunc) {
	broadcastPositionUpdate = fn
}

// SetBroadcastDecisionMade sets the callback for decision-made broadcasts
func SetBroadcastDecisionMade(fn BroadcastFunc) {
	broadcastDecisionMade = fn
}

// SetBroadcastRuntimeMode sets the callback for runtime-mode broadcasts
func SetBroadcastRuntimeMode(fn BroadcastFunc) {
	broadcastRuntimeMode = fn
}

// BroadcastMarketUpdate fans a market update out to WebSocket subscribers
func BroadcastMarketUpdate(data interface{}) {
	if broadcastMarketUpdate != nil {
		go broadcastMarketUpdate(data)
	}
}

// BroadcastPortfolioUpdate fans a portfolio update out to WebSocket subscribers
func BroadcastPortfolioUpdate(data interface{}) {
	if broadcastPortfolioUpdate != nil {
		go broadcastPortfolioUpdate(data)
	}
}

// BroadcastPositionUpdate fans a position update out to WebSocket subscribers
func BroadcastPositionUpdate(data interface{}) {
	if broadcastPositionUpdate != nil {
		go broadcastPositionUpdate(data)
	}
}

// BroadcastDecisionMade fans a decision-pipeline result out to WebSocket subscribers
func BroadcastDecisionMade(data interface{}) {
	if broadcastDecisionMade != nil {
		go broadcastDecisionMade(data)
	}
}

// BroadcastRuntimeMode fans a runtime-mode transition out to WebSocket subscribers
func BroadcastRuntimeMode(data interface{}) {
	if broadcastRuntimeMode != nil {
		go broadcastRuntimeMode(data)
	}
}
