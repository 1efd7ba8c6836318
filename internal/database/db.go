// Package database owns the PostgreSQL pool and the repositories for
// signals, positions, rejections, outcome records and backtest results.
// Signals are written once and never updated; outcome records are append
// only so the calibrator can replay them without racing live writes.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Signals are immutable: no updated_at, no UPDATE path
		`CREATE TABLE IF NOT EXISTS signals (
			signal_id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(4) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			target_price DECIMAL(20, 8) NOT NULL,
			confidence DECIMAL(6, 2) NOT NULL,
			raw_confidence DECIMAL(6, 2) NOT NULL,
			uncalibrated BOOLEAN NOT NULL DEFAULT FALSE,
			regime VARCHAR(20),
			strategy VARCHAR(50),
			source_votes JSONB,
			integrity_hash VARCHAR(64) NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created_at ON signals(created_at)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id SERIAL PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL REFERENCES signals(signal_id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			target_price DECIMAL(20, 8) NOT NULL,
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			exit_price DECIMAL(20, 8),
			exit_reason VARCHAR(30),
			outcome VARCHAR(10) NOT NULL DEFAULT 'open'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_outcome ON positions(outcome)`,

		`CREATE TABLE IF NOT EXISTS signal_rejections (
			id SERIAL PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			reason VARCHAR(50) NOT NULL,
			gate INTEGER NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_symbol ON signal_rejections(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_reason ON signal_rejections(reason)`,

		// Append-only calibration feed
		`CREATE TABLE IF NOT EXISTS outcome_records (
			id SERIAL PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			raw_confidence DECIMAL(6, 2) NOT NULL,
			won BOOLEAN NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			regime VARCHAR(20),
			closed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_closed_at ON outcome_records(closed_at)`,

		`CREATE TABLE IF NOT EXISTS backtest_runs (
			run_id VARCHAR(64) PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NOT NULL,
			initial_capital DECIMAL(20, 8) NOT NULL,
			final_equity DECIMAL(20, 8) NOT NULL,
			total_trades INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id SERIAL PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES backtest_runs(run_id),
			signal_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			exit_time TIMESTAMP NOT NULL,
			bars_held INTEGER NOT NULL,
			exit_reason VARCHAR(30) NOT NULL,
			gross_pnl DECIMAL(20, 8) NOT NULL,
			slippage_cost DECIMAL(20, 8) NOT NULL,
			spread_cost DECIMAL(20, 8) NOT NULL,
			commission DECIMAL(20, 8) NOT NULL,
			net_pnl DECIMAL(20, 8) NOT NULL,
			confidence DECIMAL(6, 2) NOT NULL,
			regime VARCHAR(20)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id)`,

		`CREATE TABLE IF NOT EXISTS historical_bars (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			open_time BIGINT NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(30, 8) NOT NULL,
			close_time BIGINT NOT NULL,
			UNIQUE (symbol, open_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_symbol_time ON historical_bars(symbol, open_time)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
