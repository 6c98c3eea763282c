package runtimectl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

type stubModeStore struct {
	saved   types.RuntimeMode
	loaded  types.RuntimeMode
	loadErr error
}

func (s *stubModeStore) LoadRuntimeMode() (types.RuntimeMode, error) {
	return s.loaded, s.loadErr
}

func (s *stubModeStore) SaveRuntimeMode(mode types.RuntimeMode) error {
	s.saved = mode
	return nil
}

func TestNewDefaultsToSimulatorWithNoStore(t *testing.T) {
	c := New(nil, "", nil, logging.Default())
	assert.Equal(t, types.ModeSimulator, c.Mode())
	assert.Equal(t, BrokerSimulated, c.Broker())
}

func TestNewPrefersPersistedModeOverConfiguredDefault(t *testing.T) {
	store := &stubModeStore{loaded: types.ModeLive}
	c := New(store, types.ModePaper, nil, logging.Default())
	assert.Equal(t, types.ModeLive, c.Mode())
}

func TestSetModeRejectsUnknownMode(t *testing.T) {
	c := New(nil, types.ModeSimulator, nil, logging.Default())
	err := c.SetMode(types.RuntimeMode("bogus"))
	assert.Error(t, err)
	assert.Equal(t, types.ModeSimulator, c.Mode())
}

func TestSetModePersistsThroughStore(t *testing.T) {
	store := &stubModeStore{loaded: types.ModeSimulator}
	c := New(store, types.ModeSimulator, nil, logging.Default())
	require.NoError(t, c.SetMode(types.ModePaper))
	assert.Equal(t, types.ModePaper, c.Mode())
	assert.Equal(t, types.ModePaper, store.saved)
	assert.Equal(t, BrokerOKXDemo, c.Broker())
}

func TestBrokerForAndModeForRoundTrip(t *testing.T) {
	for mode, broker := range modeToBroker {
		assert.Equal(t, broker, BrokerFor(mode))
		assert.Equal(t, mode, ModeFor(broker))
	}
}
