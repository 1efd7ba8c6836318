// Package risk holds the per-account risk state, the layered signal
// validator and the position sizer. The same validator and sizer instances
// serve the live pipeline and the backtest replay.
package risk

import (
	"sync"
	"time"
)

// StateSnapshot is a point-in-time copy of the account risk state
type StateSnapshot struct {
	Equity            float64   `json:"equity"`
	PeakEquity        float64   `json:"peak_equity"`
	StartingEquity    float64   `json:"starting_equity"` // At daily reset
	DailyPnL          float64   `json:"daily_pnl"`
	OpenPositionCount int       `json:"open_position_count"`
	Drawdown          float64   `json:"drawdown"` // Fraction of peak, [0, 1)
	Blocked           bool      `json:"blocked"`
	BlockedReason     string    `json:"blocked_reason,omitempty"`
	AsOf              time.Time `json:"as_of"`
}

// RiskState tracks equity, drawdown and daily P&L for one trading account.
// All updates are applied under the lock so concurrent fills across symbols
// serialize here rather than racing.
type RiskState struct {
	mu                 sync.RWMutex
	equity             float64
	peakEquity         float64
	startingEquity     float64
	dailyPnL           float64
	openPositionCount  int
	blocked            bool
	blockedReason      string
	maxDrawdownPercent float64
	dailyResetAt       time.Time
}

// NewRiskState creates risk state seeded with the account's current equity.
// maxDrawdownPercent is required here so the blocked transition happens at
// the moment of the breaching update, never later.
func NewRiskState(initialEquity, maxDrawdownPercent float64) *RiskState {
	return &RiskState{
		equity:             initialEquity,
		peakEquity:         initialEquity,
		startingEquity:     initialEquity,
		maxDrawdownPercent: maxDrawdownPercent,
		dailyResetAt:       time.Now().Truncate(24 * time.Hour),
	}
}

// ApplyFill atomically applies a realized P&L delta and a position-count
// delta from one fill
func (rs *RiskState) ApplyFill(pnl float64, positionDelta int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.checkDailyReset(time.Now())
	rs.equity += pnl
	rs.dailyPnL += pnl
	rs.openPositionCount += positionDelta
	if rs.openPositionCount < 0 {
		rs.openPositionCount = 0
	}
	rs.afterEquityChange()
}

// UpdateEquity applies a fresh equity reading from the brokerage poll
func (rs *RiskState) UpdateEquity(equity float64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.checkDailyReset(time.Now())
	rs.equity = equity
	rs.afterEquityChange()
}

// afterEquityChange maintains the peak and enforces the drawdown invariant:
// a drawdown at or past the configured max must flip blocked in the same
// update, never silently pass. Caller holds the lock.
func (rs *RiskState) afterEquityChange() {
	if rs.equity > rs.peakEquity {
		rs.peakEquity = rs.equity
	}
	if rs.peakEquity > 0 {
		drawdown := (rs.peakEquity - rs.equity) / rs.peakEquity
		if drawdown*100 >= rs.maxDrawdownPercent && !rs.blocked {
			rs.blocked = true
			rs.blockedReason = "drawdown_limit_exceeded"
		}
	}
}

// Block manually halts trading (circuit breaker trip, operator action)
func (rs *RiskState) Block(reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.blocked = true
	rs.blockedReason = reason
}

// Unblock resumes trading after a cooldown or operator reset
func (rs *RiskState) Unblock() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.blocked = false
	rs.blockedReason = ""
}

// SetOpenPositionCount overwrites the open position count after a broker
// reconciliation
func (rs *RiskState) SetOpenPositionCount(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.openPositionCount = n
}

// Snapshot returns a consistent copy of the current state
func (rs *RiskState) Snapshot() StateSnapshot {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	drawdown := 0.0
	if rs.peakEquity > 0 {
		drawdown = (rs.peakEquity - rs.equity) / rs.peakEquity
	}

	return StateSnapshot{
		Equity:            rs.equity,
		PeakEquity:        rs.peakEquity,
		StartingEquity:    rs.startingEquity,
		DailyPnL:          rs.dailyPnL,
		OpenPositionCount: rs.openPositionCount,
		Drawdown:          drawdown,
		Blocked:           rs.blocked,
		BlockedReason:     rs.blockedReason,
		AsOf:              time.Now(),
	}
}

// checkDailyReset rolls the daily P&L window at day boundaries.
// Caller holds the lock.
func (rs *RiskState) checkDailyReset(now time.Time) {
	today := now.Truncate(24 * time.Hour)
	if today.After(rs.dailyResetAt) {
		rs.dailyPnL = 0
		rs.startingEquity = rs.equity
		rs.dailyResetAt = today
	}
}
