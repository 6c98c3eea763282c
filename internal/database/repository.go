package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"autotrade-core/internal/types"
)

const runtimeModeSettingKey = "runtime_mode"

// Repository provides every data-access method the decision pipeline,
// feedback loop, scheduler, and runtime controller need. It implements
// decision.RuleSource, decision.OutcomeSource, feedback.RuleStore,
// outcome.Recorder, runtimectl.ModeStore, and scheduler.SnapshotPersister
// without any of those packages importing this one.
type Repository struct {
	db *DB
}

// NewRepository wraps db.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the pool.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// FetchActiveRules returns the most recently created active rules, up
// to limit, newest first. Satisfies decision.RuleSource and
// feedback.RuleStore.
func (r *Repository) FetchActiveRules(ctx context.Context, limit int) ([]types.LearnedRule, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, text, rule_type, COALESCE(source_trade_id, ''), effectiveness_score,
			times_applied, metadata, active, created_at
		FROM learned_rules
		WHERE active = true
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch active rules: %w", err)
	}
	defer rows.Close()

	var rules []types.LearnedRule
	for rows.Next() {
		var rule types.LearnedRule
		var metadata []byte
		if err := rows.Scan(&rule.ID, &rule.Text, &rule.Type, &rule.SourceTradeID, &rule.EffectivenessScore,
			&rule.TimesApplied, &metadata, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan learned rule: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rule.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal rule metadata: %w", err)
			}
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveLearnedRule inserts a newly accepted rule and returns its
// generated ID. Satisfies feedback.RuleStore.
func (r *Repository) SaveLearnedRule(ctx context.Context, rule types.LearnedRule) (string, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	var metadata []byte
	if rule.Metadata != nil {
		var err error
		metadata, err = json.Marshal(rule.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal rule metadata: %w", err)
		}
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO learned_rules (id, text, rule_type, source_trade_id, effectiveness_score, times_applied, metadata, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, now())
	`, rule.ID, rule.Text, rule.Type, rule.SourceTradeID, rule.EffectivenessScore, rule.TimesApplied, metadata)
	if err != nil {
		return "", fmt.Errorf("save learned rule: %w", err)
	}
	return rule.ID, nil
}

// RecordRuleApplication logs that ruleID was surfaced to the agent
// during runID for symbol, and bumps the rule's times_applied counter.
// Satisfies decision.RuleSource.
func (r *Repository) RecordRuleApplication(ctx context.Context, ruleID, runID, symbol string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rule application tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rule_applications (rule_id, run_id, symbol) VALUES ($1, $2, $3)
	`, ruleID, runID, symbol)
	if err != nil {
		return fmt.Errorf("insert rule application: %w", err)
	}
	_, err = tx.Exec(ctx, `UPDATE learned_rules SET times_applied = times_applied + 1 WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("increment rule application count: %w", err)
	}
	return tx.Commit(ctx)
}

// UpdateRuleEffectiveness overwrites a rule's effectiveness_score,
// clamped to [0,1]. Not yet called anywhere: attributing a closed
// trade's outcome back to the specific rule(s) that influenced it
// requires a decision-to-rule link this schema doesn't carry yet.
func (r *Repository) UpdateRuleEffectiveness(ctx context.Context, ruleID string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	_, err := r.db.Pool.Exec(ctx, `UPDATE learned_rules SET effectiveness_score = $1 WHERE id = $2`, score, ruleID)
	if err != nil {
		return fmt.Errorf("update rule effectiveness: %w", err)
	}
	return nil
}

// FetchRecentOutcomes returns the most recently closed trade outcomes,
// up to limit, newest first. Satisfies decision.OutcomeSource.
func (r *Repository) FetchRecentOutcomes(ctx context.Context, limit int) ([]types.TradeOutcome, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, symbol, action, entry_price, exit_price, quantity,
			pnl_usd, pnl_pct, exit_reason, COALESCE(rationale, ''), duration_seconds, closed_at
		FROM trade_outcomes
		ORDER BY closed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recent outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []types.TradeOutcome
	for rows.Next() {
		var outcome types.TradeOutcome
		if err := rows.Scan(&outcome.ID, &outcome.Symbol, &outcome.Action, &outcome.EntryPrice, &outcome.ExitPrice,
			&outcome.Quantity, &outcome.PnLUSD, &outcome.PnLPct, &outcome.ExitReason, &outcome.Rationale,
			&outcome.DurationSeconds, &outcome.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade outcome: %w", err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, rows.Err()
}

// SaveTradeOutcome persists a closed position's realized result.
// Satisfies outcome.Recorder.
func (r *Repository) SaveTradeOutcome(ctx context.Context, outcome types.TradeOutcome) error {
	if outcome.ID == "" {
		outcome.ID = uuid.NewString()
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_outcomes (
			id, symbol, action, entry_price, exit_price, quantity,
			pnl_usd, pnl_pct, exit_reason, rationale, duration_seconds, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, outcome.ID, outcome.Symbol, outcome.Action, outcome.EntryPrice, outcome.ExitPrice, outcome.Quantity,
		outcome.PnLUSD, outcome.PnLPct, outcome.ExitReason, outcome.Rationale, outcome.DurationSeconds, outcome.ClosedAt)
	if err != nil {
		return fmt.Errorf("save trade outcome: %w", err)
	}
	return nil
}

// LoadRuntimeMode returns the persisted runtime mode. Satisfies
// runtimectl.ModeStore.
func (r *Repository) LoadRuntimeMode() (types.RuntimeMode, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var value string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM autotrade_runtime_settings WHERE key = $1`, runtimeModeSettingKey).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("database: no persisted runtime mode")
	}
	if err != nil {
		return "", fmt.Errorf("load runtime mode: %w", err)
	}
	return types.RuntimeMode(value), nil
}

// SaveRuntimeMode upserts the persisted runtime mode. Satisfies
// runtimectl.ModeStore.
func (r *Repository) SaveRuntimeMode(mode types.RuntimeMode) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO autotrade_runtime_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, runtimeModeSettingKey, string(mode))
	if err != nil {
		return fmt.Errorf("save runtime mode: %w", err)
	}
	return nil
}

// PersistSnapshot upserts the portfolio row for mode and replaces its
// open-position rows wholesale, matching the scheduler's "one snapshot
// per tick" cadence. Satisfies scheduler.SnapshotPersister.
func (r *Repository) PersistSnapshot(ctx context.Context, mode types.RuntimeMode, portfolio *types.Portfolio) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO auto_portfolios (runtime_mode, starting_cash, cash, equity, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (runtime_mode) DO UPDATE SET
			starting_cash = EXCLUDED.starting_cash,
			cash = EXCLUDED.cash,
			equity = EXCLUDED.equity,
			updated_at = now()
	`, string(mode), portfolio.StartingCash, portfolio.Cash, portfolio.Equity())
	if err != nil {
		return fmt.Errorf("upsert portfolio: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM portfolio_positions WHERE runtime_mode = $1`, string(mode)); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	for symbol, pos := range portfolio.Positions {
		_, err := tx.Exec(ctx, `
			INSERT INTO portfolio_positions (
				runtime_mode, symbol, quantity, entry_price, leverage, margin_used,
				current_price, confidence, stop_loss, take_profit, invalidation_condition, opened_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, string(mode), symbol, pos.Quantity, pos.EntryPrice, pos.Leverage, pos.MarginUsed,
			pos.CurrentPrice, pos.Confidence, pos.ExitPlan.StopLoss, pos.ExitPlan.TakeProfit,
			pos.ExitPlan.InvalidationCondition, pos.OpenedAt)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", symbol, err)
		}
	}

	return tx.Commit(ctx)
}

// SaveClosedPosition appends a terminal position record. Called
// alongside PersistSnapshot whenever a CLOSE executes.
func (r *Repository) SaveClosedPosition(ctx context.Context, mode types.RuntimeMode, closed types.ClosedPosition) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO portfolio_closed_positions (
			runtime_mode, symbol, quantity, entry_price, exit_price, leverage,
			margin_used, realized_pnl, realized_pnl_pct, reason, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, string(mode), closed.Symbol, closed.Quantity, closed.EntryPrice, closed.ExitPrice, closed.Leverage,
		closed.MarginUsed, closed.RealizedPnL, closed.RealizedPnLPct, closed.Reason, closed.OpenedAt, closed.ClosedAt)
	if err != nil {
		return fmt.Errorf("save closed position: %w", err)
	}
	return nil
}

// SaveDecisionRun persists one pipeline run's decisions, prompt, and
// agent trace for audit.
func (r *Repository) SaveDecisionRun(ctx context.Context, runID, prompt, modelName string, decisions []types.DecisionPayload, agentTrace interface{}) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin decision run tx: %w", err)
	}
	defer tx.Rollback(ctx)

	traceJSON, err := json.Marshal(agentTrace)
	if err != nil {
		return fmt.Errorf("marshal agent trace: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO llm_prompt_payloads (run_id, prompt, agent_trace, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (run_id) DO NOTHING
	`, runID, prompt, traceJSON)
	if err != nil {
		return fmt.Errorf("insert prompt payload: %w", err)
	}

	for _, d := range decisions {
		_, err := tx.Exec(ctx, `
			INSERT INTO llm_decision_logs (
				run_id, symbol, action, size_pct, leverage, confidence,
				rationale, chain_of_thought, model_name, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		`, runID, d.Symbol, d.Action, d.SizePct, d.Leverage, d.Confidence, d.Rationale, d.ChainOfThought, modelName)
		if err != nil {
			return fmt.Errorf("insert decision log for %s: %w", d.Symbol, err)
		}
	}

	return tx.Commit(ctx)
}

// ListDecisionLogs returns the most recently logged LLM decisions, up
// to limit, newest first, optionally filtered to one symbol.
func (r *Repository) ListDecisionLogs(ctx context.Context, symbol string, limit int) ([]types.DecisionLogEntry, error) {
	query := `
		SELECT run_id, symbol, action, size_pct, leverage, confidence,
			COALESCE(rationale, ''), COALESCE(chain_of_thought, ''), model_name, created_at
		FROM llm_decision_logs
	`
	args := []interface{}{}
	if symbol != "" {
		query += " WHERE symbol = $1 ORDER BY created_at DESC LIMIT $2"
		args = append(args, symbol, limit)
	} else {
		query += " ORDER BY created_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decision logs: %w", err)
	}
	defer rows.Close()

	var entries []types.DecisionLogEntry
	for rows.Next() {
		var entry types.DecisionLogEntry
		if err := rows.Scan(&entry.RunID, &entry.Symbol, &entry.Action, &entry.SizePct, &entry.Leverage,
			&entry.Confidence, &entry.Rationale, &entry.ChainOfThought, &entry.ModelName, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// FetchDecisionRun returns every decision logged under one run ID,
// newest first. An empty, non-nil slice with a nil error means the run
// ID was never logged.
func (r *Repository) FetchDecisionRun(ctx context.Context, runID string) ([]types.DecisionLogEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT run_id, symbol, action, size_pct, leverage, confidence,
			COALESCE(rationale, ''), COALESCE(chain_of_thought, ''), model_name, created_at
		FROM llm_decision_logs
		WHERE run_id = $1
		ORDER BY created_at DESC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetch decision run: %w", err)
	}
	defer rows.Close()

	entries := []types.DecisionLogEntry{}
	for rows.Next() {
		var entry types.DecisionLogEntry
		if err := rows.Scan(&entry.RunID, &entry.Symbol, &entry.Action, &entry.SizePct, &entry.Leverage,
			&entry.Confidence, &entry.Rationale, &entry.ChainOfThought, &entry.ModelName, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SaveMarketSnapshot appends one symbol/price observation, used by
// paper/live runtime modes in place of the simulator's atomic JSON
// file.
func (r *Repository) SaveMarketSnapshot(ctx context.Context, symbol string, price float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO market_snapshots (symbol, price, captured_at) VALUES ($1, $2, now())
	`, symbol, price)
	if err != nil {
		return fmt.Errorf("save market snapshot: %w", err)
	}
	return nil
}
