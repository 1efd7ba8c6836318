package models

import "time"

// BacktestTrade is the backtest analogue of Position, extended with the
// transaction costs the replay engine charged. Immutable once its run
// completes.
type BacktestTrade struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	SignalID     string    `json:"signal_id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	ExitPrice    float64   `json:"exit_price"`
	EntryTime    time.Time `json:"entry_time"`
	ExitTime     time.Time `json:"exit_time"`
	BarsHeld     int       `json:"bars_held"`
	ExitReason   string    `json:"exit_reason"`
	GrossPnL     float64   `json:"gross_pnl"`
	SlippageCost float64   `json:"slippage_cost"`
	SpreadCost   float64   `json:"spread_cost"`
	Commission   float64   `json:"commission"`
	NetPnL       float64   `json:"net_pnl"`
	Confidence   float64   `json:"confidence"`
	Regime       string    `json:"regime"`
}

// BacktestRun identifies one reproducible replay over a symbol and period
type BacktestRun struct {
	RunID          string    `json:"run_id"`
	Symbol         string    `json:"symbol"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	TotalTrades    int       `json:"total_trades"`
	CreatedAt      time.Time `json:"created_at"`
}
