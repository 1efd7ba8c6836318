package models

import "time"

// Position tracks an open or closed live trade. Mutable while open,
// closed exactly once, never deleted.
type Position struct {
	ID          int64      `json:"id"`
	SignalID    string     `json:"signal_id"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	Quantity    float64    `json:"quantity"`
	EntryPrice  float64    `json:"entry_price"`
	StopPrice   float64    `json:"stop_price"`
	TargetPrice float64    `json:"target_price"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ExitPrice   *float64   `json:"exit_price,omitempty"`
	ExitReason  string     `json:"exit_reason,omitempty"`
	Outcome     Outcome    `json:"outcome"`
}

// IsOpen reports whether the position is still open
func (p *Position) IsOpen() bool {
	return p.Outcome == OutcomeOpen
}

// PnL returns realized profit for a closed position, zero while open
func (p *Position) PnL() float64 {
	if p.ExitPrice == nil {
		return 0
	}
	diff := *p.ExitPrice - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	return diff * p.Quantity
}

// OutcomeRecord is one row of the append-only feed the calibrator trains on.
// Written when a position closes, never updated afterwards; the calibrator
// only reads, which keeps the signal -> outcome -> recalibration cycle from
// mutating in-flight state.
type OutcomeRecord struct {
	ID            int64     `json:"id"`
	SignalID      string    `json:"signal_id"`
	Symbol        string    `json:"symbol"`
	RawConfidence float64   `json:"raw_confidence"`
	Won           bool      `json:"won"`
	PnL           float64   `json:"pnl"`
	Regime        string    `json:"regime"`
	ClosedAt      time.Time `json:"closed_at"`
}

// RejectionRecord captures why a candidate signal was refused by the risk
// validator. Persisted for conversion-rate auditing.
type RejectionRecord struct {
	ID         int64     `json:"id"`
	SignalID   string    `json:"signal_id"`
	Symbol     string    `json:"symbol"`
	Reason     string    `json:"reason"`
	Gate       int       `json:"gate"`
	RecordedAt time.Time `json:"recorded_at"`
}
