// Package marketdata defines the OHLCV bar type shared by the live sources
// and the backtest replay engine, plus the indicator math both build on.
package marketdata

import (
	"context"
	"time"
)

// Kline represents one OHLCV bar
type Kline struct {
	OpenTime  int64   `json:"open_time"` // Unix milliseconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// Timestamp returns the bar open time as a time.Time
func (k Kline) Timestamp() time.Time {
	return time.UnixMilli(k.OpenTime)
}

// Provider supplies recent bars for live signal generation. Implementations
// must return bars in strictly increasing OpenTime order.
type Provider interface {
	GetKlines(ctx context.Context, symbol string, limit int) ([]Kline, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
}
