// Package database wraps a PostgreSQL connection pool and the
// repository methods every other package uses to persist portfolio
// state, learned rules, trade outcomes, and runtime settings.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"autotrade-core/internal/logging"
)

// DB wraps the pgx connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// Config holds the connection parameters for NewDB, mirroring
// config.DatabaseConfig: this core's database URL is supplied as one
// AUTOTRADE_DB_URL connection string rather than discrete
// host/port/user/password fields.
type Config struct {
	URL             string
	MaxConns        int32
	ConnMaxIdleTime time.Duration
}

// NewDB parses cfg into a pgxpool config, opens a pool tuned the way
// the ambient stack's other pool (Redis) is tuned — small, bounded,
// with health checks rather than unbounded growth — and verifies
// connectivity with one ping before returning.
func NewDB(ctx context.Context, cfg Config, log *logging.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 25
	}
	idleTime := cfg.ConnMaxIdleTime
	if idleTime <= 0 {
		idleTime = 30 * time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = idleTime
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool, log: log.WithComponent("database")}
	db.log.WithField("maxConns", maxConns).Info("connected to postgres")
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("database connection closed")
	}
}

// RunMigrations creates every table this service owns if it does not
// already exist. Each statement is independently idempotent, using
// inline CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS
// statements rather than a versioned migration runner.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS auto_portfolios (
			id SERIAL PRIMARY KEY,
			runtime_mode VARCHAR(16) NOT NULL,
			starting_cash DECIMAL(24, 8) NOT NULL,
			cash DECIMAL(24, 8) NOT NULL,
			equity DECIMAL(24, 8) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_auto_portfolios_mode ON auto_portfolios (runtime_mode)`,

		`CREATE TABLE IF NOT EXISTS portfolio_positions (
			id SERIAL PRIMARY KEY,
			runtime_mode VARCHAR(16) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			quantity DECIMAL(24, 8) NOT NULL,
			entry_price DECIMAL(24, 8) NOT NULL,
			leverage DECIMAL(10, 2) NOT NULL,
			margin_used DECIMAL(24, 8) NOT NULL,
			current_price DECIMAL(24, 8) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			stop_loss DECIMAL(24, 8),
			take_profit DECIMAL(24, 8),
			invalidation_condition TEXT,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_portfolio_positions_mode_symbol ON portfolio_positions (runtime_mode, symbol)`,

		`CREATE TABLE IF NOT EXISTS portfolio_closed_positions (
			id SERIAL PRIMARY KEY,
			runtime_mode VARCHAR(16) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			quantity DECIMAL(24, 8) NOT NULL,
			entry_price DECIMAL(24, 8) NOT NULL,
			exit_price DECIMAL(24, 8) NOT NULL,
			leverage DECIMAL(10, 2) NOT NULL,
			margin_used DECIMAL(24, 8) NOT NULL,
			realized_pnl DECIMAL(24, 8) NOT NULL,
			realized_pnl_pct DECIMAL(10, 4) NOT NULL,
			reason TEXT NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_portfolio_closed_positions_mode ON portfolio_closed_positions (runtime_mode, closed_at DESC)`,

		`CREATE TABLE IF NOT EXISTS llm_decision_logs (
			id SERIAL PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			action VARCHAR(16) NOT NULL,
			size_pct DECIMAL(10, 4) NOT NULL,
			leverage DECIMAL(10, 2) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			rationale TEXT,
			chain_of_thought TEXT,
			model_name VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_decision_logs_run ON llm_decision_logs (run_id)`,

		`CREATE TABLE IF NOT EXISTS llm_prompt_payloads (
			id SERIAL PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			prompt TEXT NOT NULL,
			agent_trace JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_llm_prompt_payloads_run ON llm_prompt_payloads (run_id)`,

		`CREATE TABLE IF NOT EXISTS trade_outcomes (
			id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			action VARCHAR(16) NOT NULL,
			entry_price DECIMAL(24, 8) NOT NULL,
			exit_price DECIMAL(24, 8) NOT NULL,
			quantity DECIMAL(24, 8) NOT NULL,
			pnl_usd DECIMAL(24, 8) NOT NULL,
			pnl_pct DECIMAL(10, 4) NOT NULL,
			exit_reason VARCHAR(32) NOT NULL,
			rationale TEXT,
			duration_seconds DECIMAL(14, 2) NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_outcomes_symbol ON trade_outcomes (symbol, closed_at DESC)`,

		`CREATE TABLE IF NOT EXISTS learned_rules (
			id VARCHAR(64) PRIMARY KEY,
			text TEXT NOT NULL,
			rule_type VARCHAR(32) NOT NULL,
			source_trade_id VARCHAR(64),
			effectiveness_score DECIMAL(4, 3) NOT NULL DEFAULT 0 CHECK (effectiveness_score >= 0 AND effectiveness_score <= 1),
			times_applied INTEGER NOT NULL DEFAULT 0 CHECK (times_applied >= 0),
			metadata JSONB,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_learned_rules_active ON learned_rules (active, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS rule_applications (
			id SERIAL PRIMARY KEY,
			rule_id VARCHAR(64) NOT NULL REFERENCES learned_rules (id),
			run_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_applications_rule ON rule_applications (rule_id)`,

		`CREATE TABLE IF NOT EXISTS autotrade_runtime_settings (
			key VARCHAR(64) PRIMARY KEY,
			value VARCHAR(64) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS market_snapshots (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			price DECIMAL(24, 8) NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_snapshots_symbol ON market_snapshots (symbol, captured_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	db.log.Info("database migrations complete")
	return nil
}
