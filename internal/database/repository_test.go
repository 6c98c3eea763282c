// Unit tests for the non-SQL pieces of this package. None of them
// touches a database; the Repository methods that run SQL are not
// exercised here.
package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"autotrade-core/internal/types"
)

func TestRuntimeModeSettingKeyIsStable(t *testing.T) {
	assert.Equal(t, "runtime_mode", runtimeModeSettingKey)
}

func TestLearnedRuleZeroValueHasNoID(t *testing.T) {
	rule := types.LearnedRule{Text: "never add to a losing position", Type: types.RuleRiskManagement}
	assert.Empty(t, rule.ID)
}

func TestTradeOutcomeZeroValueHasNoID(t *testing.T) {
	outcome := types.TradeOutcome{Symbol: "BTC"}
	assert.Empty(t, outcome.ID)
}

func TestDecisionLogEntryZeroValueHasNoRunID(t *testing.T) {
	var entry types.DecisionLogEntry
	assert.Empty(t, entry.RunID)
	assert.Empty(t, entry.ChainOfThought)
}
