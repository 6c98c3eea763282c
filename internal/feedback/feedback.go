// Package feedback implements the self-improvement loop: after each
// closed trade, an LLM is asked to critique the outcome and propose one
// new decision rule, which is validated, deduplicated against existing
// active rules, classified, and returned for persistence. No
// reinforcement learning or fine-tuning — purely in-context learning
// through language, exactly as the system this replaces did it.
package feedback

import (
	"context"
	"fmt"
	"strings"

	"autotrade-core/internal/logging"
	"autotrade-core/internal/types"
)

const (
	minRuleLength     = 10
	maxRuleLength     = 200
	duplicateThreshold = 0.7
)

// Completer is the minimal LLM contract the feedback engine needs,
// kept narrow here to avoid an import cycle with internal/llm.
type Completer interface {
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
}

// RuleStore is the subset of persistence the engine needs: fetching
// recent active rules for dedup and saving a newly accepted one.
type RuleStore interface {
	FetchActiveRules(ctx context.Context, limit int) ([]types.LearnedRule, error)
	SaveLearnedRule(ctx context.Context, rule types.LearnedRule) (string, error)
}

// Engine runs the critique-then-rule-generation cycle for one closed
// trade at a time.
type Engine struct {
	llm             Completer
	store           RuleStore
	maxRulesInQuery int
	log             *logging.Logger
}

// NewEngine builds a feedback Engine. maxRulesInQuery bounds how many
// active rules are fetched for the dedup check.
func NewEngine(llm Completer, store RuleStore, maxRulesInQuery int, log *logging.Logger) *Engine {
	if maxRulesInQuery <= 0 {
		maxRulesInQuery = 50
	}
	return &Engine{llm: llm, store: store, maxRulesInQuery: maxRulesInQuery, log: log.WithComponent("feedback_engine")}
}

// ProcessClosedTrade runs the full cycle for outcome: critique,
// generate, validate, dedup, classify, persist. Returns (rule, false)
// when no rule was accepted at any stage — this is a normal outcome,
// not an error, matching the original's "return None" posture for
// every rejection path.
func (e *Engine) ProcessClosedTrade(ctx context.Context, outcome types.TradeOutcome) (types.LearnedRule, bool) {
	e.log.WithField("symbol", outcome.Symbol).WithField("pnlPct", outcome.PnLPct).Info("processing feedback for closed trade")

	critique := e.generateCritique(ctx, outcome)

	ruleText, ok := e.generateRule(ctx, outcome, critique)
	if !ok {
		e.log.Info("no rule generated")
		return types.LearnedRule{}, false
	}

	if !validateRule(ruleText) {
		e.log.WithField("rule", ruleText).Warn("rule validation failed")
		return types.LearnedRule{}, false
	}

	duplicate, err := e.isDuplicateRule(ctx, ruleText)
	if err != nil {
		e.log.WithError(err).Warn("duplicate check failed, failing open")
	} else if duplicate {
		e.log.WithField("rule", ruleText).Info("rule rejected as duplicate")
		return types.LearnedRule{}, false
	}

	ruleType := classifyRuleType(ruleText)
	rule := types.LearnedRule{
		Text:          ruleText,
		Type:          ruleType,
		SourceTradeID: outcome.ID,
		Metadata: map[string]any{
			"sourceSymbol": outcome.Symbol,
			"pnlPct":       outcome.PnLPct,
		},
		Active: true,
	}

	if e.store != nil {
		id, err := e.store.SaveLearnedRule(ctx, rule)
		if err != nil {
			e.log.WithError(err).Warn("failed to persist learned rule")
		} else {
			rule.ID = id
		}
	}

	e.log.WithField("ruleType", ruleType).WithField("rule", ruleText).Info("new rule generated")
	return rule, true
}

func (e *Engine) generateCritique(ctx context.Context, outcome types.TradeOutcome) string {
	durationMinutes := int(outcome.DurationSeconds) / 60
	resultLabel := "LOSS"
	outcomeVerb := "lose"
	if outcome.PnLPct > 0 {
		resultLabel = "SUCCESS"
		outcomeVerb = "win"
	}

	prompt := fmt.Sprintf(`Analyze this completed trade and provide a concise critique (1-2 sentences):

Trade Details:
- Symbol: %s
- Action: %s
- Entry: $%.2f
- Exit: $%.2f
- PnL: %+.2f%%
- Duration: %d minutes
- Original Rationale: %s

Result: %s

Why did this trade %s? Be specific and actionable.

Critique:`, outcome.Symbol, outcome.Action, outcome.EntryPrice, outcome.ExitPrice, outcome.PnLPct, durationMinutes, outcome.Rationale, resultLabel, outcomeVerb)

	if e.llm == nil {
		return fallbackCritique(outcome, outcomeVerb)
	}

	response, err := e.llm.Complete(ctx, prompt, 0.7)
	if err != nil {
		e.log.WithError(err).Warn("failed to generate critique")
		return fallbackCritique(outcome, outcomeVerb)
	}

	critique := strings.TrimSpace(response)
	if len(critique) < 10 {
		return fallbackCritique(outcome, outcomeVerb)
	}
	return critique
}

func fallbackCritique(outcome types.TradeOutcome, outcomeVerb string) string {
	return fmt.Sprintf("Trade %s with %.2f%% PnL. %s", outcomeVerb, absFloat(outcome.PnLPct), outcome.Rationale)
}

func (e *Engine) generateRule(ctx context.Context, outcome types.TradeOutcome, critique string) (string, bool) {
	focus := "avoiding this mistake in the future"
	if outcome.PnLPct > 0 {
		focus = "reinforcing what made this trade successful"
	}

	prompt := fmt.Sprintf(`Based on this trade critique, write ONE new decision rule to improve future trading.

Critique: %s

Trade Context:
- Symbol: %s
- PnL: %+.2f%%
- Action: %s

Requirements:
- Be specific and actionable
- Start with a verb (e.g., "Avoid", "Only", "Require", "Never", "Always")
- Keep under 30 words
- Focus on %s

New Rule:`, critique, outcome.Symbol, outcome.PnLPct, outcome.Action, focus)

	if e.llm == nil {
		return "", false
	}

	response, err := e.llm.Complete(ctx, prompt, 0.8)
	if err != nil {
		e.log.WithError(err).Warn("failed to generate rule")
		return "", false
	}

	rule := strings.TrimSpace(response)
	for _, prefix := range []string{"New Rule:", "Rule:", "Decision Rule:"} {
		if strings.HasPrefix(rule, prefix) {
			rule = strings.TrimSpace(rule[len(prefix):])
		}
	}

	if len(rule) < minRuleLength || len(rule) > maxRuleLength {
		e.log.WithField("length", len(rule)).Warn("rule length out of bounds")
		return "", false
	}
	return rule, true
}

var actionVerbs = []string{
	"avoid", "only", "require", "never", "always", "when", "if",
	"unless", "must", "should", "enter", "exit", "close", "hold",
	"reduce", "increase", "limit", "set", "use", "wait", "skip",
}

var bannedVaguePatterns = []string{
	"maybe", "try to", "might want", "could be",
	"perhaps", "possibly", "potentially", "think about",
}

// validateRule checks length, the presence of an imperative verb, and
// the absence of hedging language, mirroring _validate_rule's five
// checks in order.
func validateRule(rule string) bool {
	if len(rule) < minRuleLength || len(rule) > maxRuleLength {
		return false
	}

	lower := strings.ToLower(rule)
	if !containsAny(lower, actionVerbs) {
		return false
	}

	if containsAny(lower, bannedVaguePatterns) {
		return false
	}

	if strings.Contains(lower, "consider") {
		if !containsAny(lower, []string{"if", "when", "unless", "after"}) {
			return false
		}
	}

	if strings.HasSuffix(rule, ".") {
		head := lower
		if len(head) > 20 {
			head = head[:20]
		}
		if !containsAny(head, actionVerbs) {
			return false
		}
	}

	return true
}

// classifyRuleType buckets rule text into the closed RuleType set,
// checking risk_management before exit before position_sizing before
// the percentage-context fallback, with entry as the default.
func classifyRuleType(rule string) types.RuleType {
	lower := strings.ToLower(rule)

	if containsAny(lower, []string{"stop loss", "stop-loss", "drawdown", "risk more", "invalidation", "protect", "hedge"}) {
		return types.RuleRiskManagement
	}

	if containsAny(lower, []string{"exit", "close position", "close all", "take profit", "tp", "scale out", "lock in", "trail"}) {
		return types.RuleExit
	}

	if containsAny(lower, []string{"size", "position size", "allocation", "capital", "exposure", "leverage", "quantity"}) &&
		!containsAny(lower, []string{"exit", "close"}) {
		return types.RulePositionSizing
	}

	if strings.Contains(lower, "%") || strings.Contains(lower, "percent") {
		switch {
		case containsAny(lower, []string{"gain", "profit", "reaches"}):
			return types.RuleExit
		case containsAny(lower, []string{"risk", "loss", "stop"}):
			return types.RuleRiskManagement
		default:
			return types.RulePositionSizing
		}
	}

	return types.RuleEntry
}

func (e *Engine) isDuplicateRule(ctx context.Context, newRule string) (bool, error) {
	if e.store == nil {
		return false, nil
	}
	activeRules, err := e.store.FetchActiveRules(ctx, e.maxRulesInQuery)
	if err != nil {
		return false, err
	}
	for _, existing := range activeRules {
		if textSimilarity(newRule, existing.Text) > duplicateThreshold {
			return true, nil
		}
	}
	return false, nil
}

// textSimilarity is the Jaccard index over lowercased whitespace-split
// word sets.
func textSimilarity(a, b string) float64 {
	words1 := wordSet(a)
	words2 := wordSet(b)

	intersection := 0
	for w := range words1 {
		if words2[w] {
			intersection++
		}
	}
	union := len(words1)
	for w := range words2 {
		if !words1[w] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
