package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"consensus-trading-bot/internal/models"
)

// ============================================================================
// BACKTEST RUNS
// ============================================================================

// SaveBacktestRun persists a run header and all of its trades in one
// transaction, so a partial run never appears in the results tables.
func (r *Repository) SaveBacktestRun(ctx context.Context, run *models.BacktestRun, trades []models.BacktestTrade) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin backtest transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	runQuery := `
		INSERT INTO backtest_runs (run_id, symbol, start_time, end_time,
		                           initial_capital, final_equity, total_trades, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(
		ctx, runQuery,
		run.RunID, run.Symbol, run.Start, run.End,
		run.InitialCapital, run.FinalEquity, run.TotalTrades, run.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert backtest run: %w", err)
	}

	if len(trades) > 0 {
		rows := make([][]interface{}, 0, len(trades))
		for _, t := range trades {
			rows = append(rows, []interface{}{
				t.RunID, t.SignalID, t.Symbol, t.Side, t.Quantity,
				t.EntryPrice, t.ExitPrice, t.EntryTime, t.ExitTime,
				t.BarsHeld, t.ExitReason, t.GrossPnL, t.SlippageCost,
				t.SpreadCost, t.Commission, t.NetPnL, t.Confidence, t.Regime,
			})
		}
		if _, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"backtest_trades"},
			[]string{
				"run_id", "signal_id", "symbol", "side", "quantity",
				"entry_price", "exit_price", "entry_time", "exit_time",
				"bars_held", "exit_reason", "gross_pnl", "slippage_cost",
				"spread_cost", "commission", "net_pnl", "confidence", "regime",
			},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("failed to insert backtest trades: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetBacktestRun retrieves a run header by id
func (r *Repository) GetBacktestRun(ctx context.Context, runID string) (*models.BacktestRun, error) {
	query := `
		SELECT run_id, symbol, start_time, end_time, initial_capital,
		       final_equity, total_trades, created_at
		FROM backtest_runs
		WHERE run_id = $1
	`
	run := &models.BacktestRun{}
	err := r.db.Pool.QueryRow(ctx, query, runID).Scan(
		&run.RunID, &run.Symbol, &run.Start, &run.End,
		&run.InitialCapital, &run.FinalEquity, &run.TotalTrades, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetBacktestTrades retrieves all trades of a run in entry order
func (r *Repository) GetBacktestTrades(ctx context.Context, runID string) ([]models.BacktestTrade, error) {
	query := `
		SELECT id, run_id, signal_id, symbol, side, quantity, entry_price, exit_price,
		       entry_time, exit_time, bars_held, exit_reason, gross_pnl, slippage_cost,
		       spread_cost, commission, net_pnl, confidence, regime
		FROM backtest_trades
		WHERE run_id = $1
		ORDER BY entry_time ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.BacktestTrade
	for rows.Next() {
		var t models.BacktestTrade
		if err := rows.Scan(
			&t.ID, &t.RunID, &t.SignalID, &t.Symbol, &t.Side, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.EntryTime, &t.ExitTime,
			&t.BarsHeld, &t.ExitReason, &t.GrossPnL, &t.SlippageCost,
			&t.SpreadCost, &t.Commission, &t.NetPnL, &t.Confidence, &t.Regime,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListBacktestRuns retrieves recent run headers, newest first
func (r *Repository) ListBacktestRuns(ctx context.Context, limit int) ([]*models.BacktestRun, error) {
	query := `
		SELECT run_id, symbol, start_time, end_time, initial_capital,
		       final_equity, total_trades, created_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.BacktestRun
	for rows.Next() {
		run := &models.BacktestRun{}
		if err := rows.Scan(
			&run.RunID, &run.Symbol, &run.Start, &run.End,
			&run.InitialCapital, &run.FinalEquity, &run.TotalTrades, &run.CreatedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
