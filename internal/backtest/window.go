// Package backtest replays the live decision pipeline over historical bars.
// It reuses the consensus engine, calibrator, risk validator and sizer the
// live path runs, so backtested and live decisions cannot drift apart.
package backtest

import (
	"fmt"

	"consensus-trading-bot/internal/marketdata"
)

// BiasViolationError is raised when replay code touches a bar beyond the
// cursor. It is fatal to the run: results computed after a look-ahead are
// worthless.
type BiasViolationError struct {
	Requested int
	Cursor    int
}

func (e *BiasViolationError) Error() string {
	return fmt.Sprintf("look-ahead bias: requested bar %d with cursor at %d", e.Requested, e.Cursor)
}

// BarWindow guards a bar series behind a cursor. Only bars at or before the
// cursor are visible; any other access is a trapped BiasViolationError.
type BarWindow struct {
	bars   []marketdata.Kline
	cursor int
}

// NewBarWindow wraps bars with the cursor parked before the first bar.
// Advance must be called before anything is visible.
func NewBarWindow(bars []marketdata.Kline) *BarWindow {
	return &BarWindow{bars: bars, cursor: -1}
}

// Len returns the total number of bars in the series
func (w *BarWindow) Len() int { return len(w.bars) }

// Cursor returns the current bar index, -1 before the first Advance
func (w *BarWindow) Cursor() int { return w.cursor }

// Advance moves the cursor one bar forward. Returns false at the end of the
// series.
func (w *BarWindow) Advance() bool {
	if w.cursor+1 >= len(w.bars) {
		return false
	}
	w.cursor++
	return true
}

// Current returns the bar at the cursor
func (w *BarWindow) Current() (marketdata.Kline, error) {
	return w.Bar(w.cursor)
}

// Bar returns the bar at index i if it is visible
func (w *BarWindow) Bar(i int) (marketdata.Kline, error) {
	if i < 0 || i > w.cursor {
		return marketdata.Kline{}, &BiasViolationError{Requested: i, Cursor: w.cursor}
	}
	return w.bars[i], nil
}

// Visible returns a copy of every bar up to and including the cursor. The
// copy keeps adapter code from mutating or growing the underlying series.
func (w *BarWindow) Visible() []marketdata.Kline {
	if w.cursor < 0 {
		return nil
	}
	out := make([]marketdata.Kline, w.cursor+1)
	copy(out, w.bars[:w.cursor+1])
	return out
}
