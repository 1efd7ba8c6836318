// Package sources holds the per-provider signal adapters. Each adapter
// exposes the same Fetch contract and fails independently: a timed-out or
// erroring adapter is simply absent from that cycle's vote set, and the
// consensus engine renormalizes around it.
//
// The bar evaluation behind each adapter is a pure function of the bars it
// is shown, so the backtest replays the identical logic over a historical
// window.
package sources

import (
	"context"
	"fmt"
	"time"

	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/marketdata"
	"consensus-trading-bot/internal/models"
)

// Adapter names
const (
	NameTrend    = "trend"
	NameMomentum = "momentum"
	NameVolume   = "volume"
	NamePattern  = "pattern"
)

// warmupBars is how many bars each adapter asks the provider for
const warmupBars = 60

// Adapter is one data source's directional opinion feed
type Adapter interface {
	Name() string
	Weight() float64
	TTL() time.Duration

	// Fetch produces a vote for the symbol, or ok=false when the adapter has
	// no opinion (not enough data, flat market).
	Fetch(ctx context.Context, symbol string) (vote consensus.AdapterVote, ok bool, err error)

	// EvaluateBars is the pure core of Fetch over a caller-supplied window.
	// The backtest calls this directly.
	EvaluateBars(bars []marketdata.Kline) (direction models.Side, strength float64, ok bool)
}

// baseAdapter carries the identity and fetch plumbing shared by all adapters
type baseAdapter struct {
	name     string
	weight   float64
	ttl      time.Duration
	timeout  time.Duration
	provider marketdata.Provider
	evaluate func(bars []marketdata.Kline) (models.Side, float64, bool)
}

func (a *baseAdapter) Name() string       { return a.name }
func (a *baseAdapter) Weight() float64    { return a.weight }
func (a *baseAdapter) TTL() time.Duration { return a.ttl }

func (a *baseAdapter) EvaluateBars(bars []marketdata.Kline) (models.Side, float64, bool) {
	return a.evaluate(bars)
}

func (a *baseAdapter) Fetch(ctx context.Context, symbol string) (consensus.AdapterVote, bool, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	bars, err := a.provider.GetKlines(ctx, symbol, warmupBars)
	if err != nil {
		return consensus.AdapterVote{}, false, fmt.Errorf("%s fetch for %s: %w", a.name, symbol, err)
	}

	direction, strength, ok := a.evaluate(bars)
	if !ok {
		return consensus.AdapterVote{}, false, nil
	}

	return consensus.AdapterVote{
		Source:    a.name,
		Direction: direction,
		Strength:  strength,
		Weight:    a.weight,
		FetchedAt: time.Now(),
		TTL:       a.ttl,
	}, true, nil
}

// Options configure one adapter instance
type Options struct {
	Weight   float64
	TTL      time.Duration
	Timeout  time.Duration
	Provider marketdata.Provider
}

// NewTrendAdapter votes with the EMA(9)/EMA(21) cross. Strength grows with
// the separation between the averages.
func NewTrendAdapter(opts Options) Adapter {
	return &baseAdapter{
		name:     NameTrend,
		weight:   opts.Weight,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		provider: opts.Provider,
		evaluate: evaluateTrend,
	}
}

// NewMomentumAdapter votes with RSI(14) distance from the neutral 50 line
func NewMomentumAdapter(opts Options) Adapter {
	return &baseAdapter{
		name:     NameMomentum,
		weight:   opts.Weight,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		provider: opts.Provider,
		evaluate: evaluateMomentum,
	}
}

// NewVolumeAdapter votes with volume surges in the direction of the
// surging candle
func NewVolumeAdapter(opts Options) Adapter {
	return &baseAdapter{
		name:     NameVolume,
		weight:   opts.Weight,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		provider: opts.Provider,
		evaluate: evaluateVolume,
	}
}

// NewPatternAdapter votes on engulfing candles and range breakouts
func NewPatternAdapter(opts Options) Adapter {
	return &baseAdapter{
		name:     NamePattern,
		weight:   opts.Weight,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		provider: opts.Provider,
		evaluate: evaluatePattern,
	}
}

func evaluateTrend(bars []marketdata.Kline) (models.Side, float64, bool) {
	if len(bars) < 21 {
		return "", 0, false
	}

	fast := marketdata.EMA(bars, 9)
	slow := marketdata.EMA(bars, 21)
	if slow == 0 {
		return "", 0, false
	}

	separation := (fast - slow) / slow
	switch {
	case separation > 0.001:
		return models.SideLong, clampStrength(separation / 0.02), true
	case separation < -0.001:
		return models.SideShort, clampStrength(-separation / 0.02), true
	default:
		return "", 0, false
	}
}

func evaluateMomentum(bars []marketdata.Kline) (models.Side, float64, bool) {
	if len(bars) < 15 {
		return "", 0, false
	}

	rsi := marketdata.RSI(bars, 14)
	switch {
	case rsi > 55:
		return models.SideLong, clampStrength((rsi - 50) / 40), true
	case rsi < 45:
		return models.SideShort, clampStrength((50 - rsi) / 40), true
	default:
		return "", 0, false
	}
}

func evaluateVolume(bars []marketdata.Kline) (models.Side, float64, bool) {
	if len(bars) < 21 {
		return "", 0, false
	}

	last := bars[len(bars)-1]
	avg := marketdata.AverageVolume(bars[:len(bars)-1], 20)
	if avg == 0 {
		return "", 0, false
	}

	ratio := last.Volume / avg
	if ratio < 1.5 {
		return "", 0, false
	}

	strength := clampStrength((ratio - 1) / 3)
	if last.Close > last.Open {
		return models.SideLong, strength, true
	}
	if last.Close < last.Open {
		return models.SideShort, strength, true
	}
	return "", 0, false
}

func evaluatePattern(bars []marketdata.Kline) (models.Side, float64, bool) {
	if len(bars) < 21 {
		return "", 0, false
	}

	last := bars[len(bars)-1]
	prev := bars[len(bars)-2]

	// Engulfing candle
	if last.Close > last.Open && prev.Close < prev.Open &&
		last.Close > prev.Open && last.Open < prev.Close {
		return models.SideLong, 0.8, true
	}
	if last.Close < last.Open && prev.Close > prev.Open &&
		last.Close < prev.Open && last.Open > prev.Close {
		return models.SideShort, 0.8, true
	}

	// Breakout of the trailing 20-bar range (excluding the current bar)
	high, low := rangeExtremes(bars[len(bars)-21 : len(bars)-1])
	if last.Close > high {
		return models.SideLong, 0.6, true
	}
	if last.Close < low {
		return models.SideShort, 0.6, true
	}
	return "", 0, false
}

func rangeExtremes(bars []marketdata.Kline) (high, low float64) {
	high = bars[0].High
	low = bars[0].Low
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high, low
}

func clampStrength(v float64) float64 {
	if v < 0.1 {
		return 0.1
	}
	if v > 1 {
		return 1
	}
	return v
}
