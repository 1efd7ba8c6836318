package marketdata

import "math"

// TrendDirection classifies the prevailing trend
type TrendDirection int

const (
	TrendNeutral TrendDirection = iota
	TrendUp
	TrendDown
)

// SMA calculates the Simple Moving Average over the trailing period
func SMA(klines []Kline, period int) float64 {
	if len(klines) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}

	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average
func EMA(klines []Kline, period int) float64 {
	if len(klines) < period || period <= 0 {
		return 0
	}

	// Seed with an SMA over the first period
	ema := SMA(klines[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(klines); i++ {
		ema = (klines[i].Close * multiplier) + (ema * (1 - multiplier))
	}

	return ema
}

// RSI calculates the Relative Strength Index
func RSI(klines []Kline, period int) float64 {
	if len(klines) < period+1 {
		return 50.0 // Neutral
	}

	gains := 0.0
	losses := 0.0

	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR calculates the Average True Range
func ATR(klines []Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		highLow := klines[i].High - klines[i].Low
		highClose := math.Abs(klines[i].High - klines[i-1].Close)
		lowClose := math.Abs(klines[i].Low - klines[i-1].Close)
		sum += math.Max(highLow, math.Max(highClose, lowClose))
	}

	return sum / float64(period)
}

// AverageVolume calculates the mean volume over the trailing period
func AverageVolume(klines []Kline, period int) float64 {
	if len(klines) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}

	return sum / float64(period)
}

// RealizedVolatility returns the standard deviation of close-to-close
// returns over the trailing period
func RealizedVolatility(klines []Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	returns := make([]float64, 0, period)
	for i := len(klines) - period; i < len(klines); i++ {
		if klines[i-1].Close == 0 {
			continue
		}
		returns = append(returns, klines[i].Close/klines[i-1].Close-1)
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}

	return math.Sqrt(variance / float64(len(returns)))
}

// DetectTrend compares a fast and slow EMA
func DetectTrend(klines []Kline, fastPeriod, slowPeriod int) TrendDirection {
	if len(klines) < slowPeriod {
		return TrendNeutral
	}

	fast := EMA(klines, fastPeriod)
	slow := EMA(klines, slowPeriod)

	// Require a 0.1% separation before calling a trend
	if fast > slow*1.001 {
		return TrendUp
	}
	if fast < slow*0.999 {
		return TrendDown
	}
	return TrendNeutral
}

// ClassifyRegime labels the current market state used for regime-specific
// confidence thresholds: "trending_up", "trending_down", "ranging" or
// "volatile".
func ClassifyRegime(klines []Kline) string {
	if len(klines) < 50 {
		return "unknown"
	}

	vol := RealizedVolatility(klines, 20)
	if vol > 0.04 {
		return "volatile"
	}

	switch DetectTrend(klines, 9, 21) {
	case TrendUp:
		return "trending_up"
	case TrendDown:
		return "trending_down"
	default:
		return "ranging"
	}
}
