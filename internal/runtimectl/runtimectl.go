// Package runtimectl holds the current RuntimeMode and maps it to the
// broker implementation name the scheduler should instantiate on its
// next tick. Switching mode never touches an in-flight order; it only
// changes what the next tick builds.
package runtimectl

import (
	"sync"

	"autotrade-core/internal/errkind"
	"autotrade-core/internal/events"
	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

// BrokerName is the closed set of broker implementations a RuntimeMode
// can resolve to.
type BrokerName string

const (
	BrokerSimulated BrokerName = "simulated"
	BrokerOKXDemo   BrokerName = "okx_demo"
	BrokerOKXLive   BrokerName = "okx_live"
)

// DefaultMode is used whenever no mode has been persisted or
// configured yet.
const DefaultMode = types.ModeSimulator

var modeToBroker = map[types.RuntimeMode]BrokerName{
	types.ModeSimulator: BrokerSimulated,
	types.ModePaper:     BrokerOKXDemo,
	types.ModeLive:      BrokerOKXLive,
}

var brokerToMode = map[BrokerName]types.RuntimeMode{
	BrokerSimulated: types.ModeSimulator,
	BrokerOKXDemo:   types.ModePaper,
	BrokerOKXLive:   types.ModeLive,
}

// BrokerFor resolves a RuntimeMode to its broker implementation name,
// falling back to the default mode's broker for an unrecognized mode.
func BrokerFor(mode types.RuntimeMode) BrokerName {
	if broker, ok := modeToBroker[mode]; ok {
		return broker
	}
	return modeToBroker[DefaultMode]
}

// ModeFor resolves a broker implementation name back to its
// RuntimeMode, falling back to the default mode for an unrecognized
// name.
func ModeFor(broker BrokerName) types.RuntimeMode {
	if mode, ok := brokerToMode[broker]; ok {
		return mode
	}
	return DefaultMode
}

// ModeStore persists the current RuntimeMode across restarts.
// Satisfied by a database-backed settings repository; may be nil, in
// which case the Controller only holds the mode in memory.
type ModeStore interface {
	LoadRuntimeMode() (types.RuntimeMode, error)
	SaveRuntimeMode(mode types.RuntimeMode) error
}

// Controller is the single source of truth for which RuntimeMode is
// active. It is read on every scheduler tick and written only through
// SetMode.
type Controller struct {
	store ModeStore
	bus   *events.EventBus
	log   *logging.Logger

	mu   sync.RWMutex
	mode types.RuntimeMode
}

// New builds a Controller. If store is non-nil and has a persisted
// mode, that mode wins over configuredDefault; otherwise
// configuredDefault is used, falling back to DefaultMode if invalid.
func New(store ModeStore, configuredDefault types.RuntimeMode, bus *events.EventBus, log *logging.Logger) *Controller {
	mode := configuredDefault
	if !mode.Valid() {
		mode = DefaultMode
	}
	c := &Controller{store: store, bus: bus, log: log.WithComponent("runtime_controller")}
	if store != nil {
		if persisted, err := store.LoadRuntimeMode(); err == nil && persisted.Valid() {
			mode = persisted
		}
	}
	c.mode = mode
	return c
}

// Mode returns the currently active RuntimeMode.
func (c *Controller) Mode() types.RuntimeMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Broker returns the broker implementation name the current mode
// resolves to.
func (c *Controller) Broker() BrokerName {
	return BrokerFor(c.Mode())
}

// SetMode validates mode against the enum and, on success, swaps the
// active mode and persists it if a store is configured. It never
// touches positions already open under the previous mode's broker;
// the new broker is only instantiated on the next scheduler tick.
func (c *Controller) SetMode(mode types.RuntimeMode) error {
	if !mode.Valid() {
		return errkind.New(errkind.ValidationError, "runtimectl.SetMode", "unknown runtime mode: "+string(mode))
	}

	c.mu.Lock()
	previous := c.mode
	c.mode = mode
	c.mu.Unlock()

	if previous == mode {
		return nil
	}

	if c.store != nil {
		if err := c.store.SaveRuntimeMode(mode); err != nil {
			c.log.WithError(err).Warn("failed to persist runtime mode change")
		}
	}
	c.log.WithField("previousMode", string(previous)).WithField("newMode", string(mode)).Info("runtime mode changed")
	if c.bus != nil {
		c.bus.PublishRuntimeModeChanged(string(previous), string(mode))
	}
	events.BroadcastRuntimeMode(map[string]interface{}{"previousMode": string(previous), "newMode": string(mode)})
	return nil
}
