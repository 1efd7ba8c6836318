package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"consensus-trading-bot/internal/marketdata"
)

// PostgresStore persists bars in the historical_bars table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed bar store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// SaveBars appends a validated batch for a symbol
func (s *PostgresStore) SaveBars(ctx context.Context, symbol string, bars []marketdata.Kline) error {
	if _, err := ValidateBars(symbol, bars, 0); err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}

	var lastStored int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(open_time), 0) FROM historical_bars WHERE symbol = $1`,
		symbol,
	).Scan(&lastStored)
	if err != nil {
		return fmt.Errorf("failed to read stored tail for %s: %w", symbol, err)
	}
	if lastStored > 0 && bars[0].OpenTime <= lastStored {
		return fmt.Errorf("bars for %s not strictly increasing: stored tail %d, incoming head %d",
			symbol, lastStored, bars[0].OpenTime)
	}

	rows := make([][]interface{}, 0, len(bars))
	for _, bar := range bars {
		rows = append(rows, []interface{}{
			symbol, bar.OpenTime, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.CloseTime,
		})
	}

	_, err = s.pool.CopyFrom(ctx,
		pgx.Identifier{"historical_bars"},
		[]string{"symbol", "open_time", "open", "high", "low", "close", "volume", "close_time"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to insert bars for %s: %w", symbol, err)
	}
	return nil
}

// GetBars returns bars with open time in [start, end), ordered ascending
func (s *PostgresStore) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]marketdata.Kline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT open_time, open, high, low, close, volume, close_time
		 FROM historical_bars
		 WHERE symbol = $1 AND open_time >= $2 AND open_time < $3
		 ORDER BY open_time ASC`,
		symbol, start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []marketdata.Kline
	for rows.Next() {
		var bar marketdata.Kline
		if err := rows.Scan(&bar.OpenTime, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.CloseTime); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// Count returns the number of stored bars for a symbol
func (s *PostgresStore) Count(ctx context.Context, symbol string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM historical_bars WHERE symbol = $1`,
		symbol,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bars for %s: %w", symbol, err)
	}
	return count, nil
}
