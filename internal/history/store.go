// Package history stores historical bars for backtests and indicator
// warmup. Bars are validated on the way in: timestamps must strictly
// increase, and gaps against the expected interval are detected rather than
// silently interpolated.
package history

import (
	"context"
	"fmt"
	"time"

	"consensus-trading-bot/internal/marketdata"
)

// Gap describes a missing span between two consecutive stored bars
type Gap struct {
	Symbol   string
	After    time.Time // Last bar before the gap
	Before   time.Time // First bar after the gap
	Expected int       // Number of missing bars
}

// Store is the historical bar repository the backtester reads from
type Store interface {
	// SaveBars appends bars for a symbol. Bars must be strictly increasing
	// in open time, both within the batch and against what is stored.
	SaveBars(ctx context.Context, symbol string, bars []marketdata.Kline) error

	// GetBars returns bars with open time in [start, end), ordered ascending
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]marketdata.Kline, error)

	// Count returns the number of stored bars for a symbol
	Count(ctx context.Context, symbol string) (int, error)
}

// ValidateBars checks a batch for ordering violations and, when interval is
// positive, reports gaps against the expected bar spacing
func ValidateBars(symbol string, bars []marketdata.Kline, interval time.Duration) ([]Gap, error) {
	var gaps []Gap
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]
		if cur.OpenTime <= prev.OpenTime {
			return nil, fmt.Errorf("bars for %s not strictly increasing: %d then %d at index %d",
				symbol, prev.OpenTime, cur.OpenTime, i)
		}
		if interval <= 0 {
			continue
		}
		step := interval.Milliseconds()
		if diff := cur.OpenTime - prev.OpenTime; diff > step {
			gaps = append(gaps, Gap{
				Symbol:   symbol,
				After:    time.UnixMilli(prev.OpenTime),
				Before:   time.UnixMilli(cur.OpenTime),
				Expected: int(diff/step) - 1,
			})
		}
	}
	return gaps, nil
}
