package backtest

import (
	"math"

	"consensus-trading-bot/internal/models"
)

// z95 is the two-sided 95% normal quantile
const z95 = 1.959963984540054

// BucketStats aggregates trades sharing one grouping key
type BucketStats struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	NetPnL  float64 `json:"net_pnl"`
}

// Stats is the aggregate report for one backtest run
type Stats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"` // [0, 1]

	// Wilson 95% confidence interval on the win rate
	WinRateLow  float64 `json:"win_rate_low"`
	WinRateHigh float64 `json:"win_rate_high"`

	// Two-sided binomial z-test against the 50% null
	ZScore      float64 `json:"z_score"`
	Significant bool    `json:"significant"` // |z| > 1.96

	NetPnL       float64 `json:"net_pnl"`
	GrossPnL     float64 `json:"gross_pnl"`
	TotalCosts   float64 `json:"total_costs"`
	ProfitFactor float64 `json:"profit_factor"`
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"` // Fraction of peak equity

	FinalEquity float64   `json:"final_equity"`
	EquityCurve []float64 `json:"equity_curve"`

	ByConfidenceBucket map[int]BucketStats    `json:"by_confidence_bucket"`
	ByRegime           map[string]BucketStats `json:"by_regime"`
	ByExitReason       map[string]BucketStats `json:"by_exit_reason"`
}

// ComputeStats aggregates a run's trades into the performance report.
// initialCapital seeds the equity curve; bucketSize groups the confidence
// breakdown.
func ComputeStats(trades []models.BacktestTrade, initialCapital, bucketSize float64) Stats {
	stats := Stats{
		TotalTrades:        len(trades),
		FinalEquity:        initialCapital,
		ByConfidenceBucket: make(map[int]BucketStats),
		ByRegime:           make(map[string]BucketStats),
		ByExitReason:       make(map[string]BucketStats),
	}
	if bucketSize <= 0 {
		bucketSize = 5
	}

	equity := initialCapital
	peak := initialCapital
	grossWins := 0.0
	grossLosses := 0.0
	returns := make([]float64, 0, len(trades))
	stats.EquityCurve = append(stats.EquityCurve, equity)

	for _, tr := range trades {
		won := tr.NetPnL > 0
		if won {
			stats.Wins++
			grossWins += tr.NetPnL
		} else {
			stats.Losses++
			grossLosses += -tr.NetPnL
		}
		stats.NetPnL += tr.NetPnL
		stats.GrossPnL += tr.GrossPnL
		stats.TotalCosts += tr.SlippageCost + tr.SpreadCost + tr.Commission

		if equity > 0 {
			returns = append(returns, tr.NetPnL/equity)
		}
		equity += tr.NetPnL
		stats.EquityCurve = append(stats.EquityCurve, equity)
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > stats.MaxDrawdown {
				stats.MaxDrawdown = dd
			}
		}

		bucket := int(math.Floor(tr.Confidence/bucketSize) * bucketSize)
		addBucket(stats.ByConfidenceBucket, bucket, won, tr.NetPnL)
		addKeyed(stats.ByRegime, tr.Regime, won, tr.NetPnL)
		addKeyed(stats.ByExitReason, tr.ExitReason, won, tr.NetPnL)
	}
	stats.FinalEquity = equity

	n := float64(len(trades))
	if n > 0 {
		stats.WinRate = float64(stats.Wins) / n
		stats.WinRateLow, stats.WinRateHigh = wilsonInterval(stats.Wins, len(trades))
		stats.ZScore = (stats.WinRate - 0.5) / math.Sqrt(0.25/n)
		stats.Significant = math.Abs(stats.ZScore) > 1.96
	}
	if grossLosses > 0 {
		stats.ProfitFactor = grossWins / grossLosses
	} else if grossWins > 0 {
		stats.ProfitFactor = math.Inf(1)
	}
	stats.Sharpe = sharpe(returns)

	return stats
}

// wilsonInterval returns the Wilson score 95% interval for wins out of n
func wilsonInterval(wins, n int) (low, high float64) {
	if n == 0 {
		return 0, 0
	}

	p := float64(wins) / float64(n)
	nf := float64(n)
	z := z95
	z2 := z * z

	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / denom

	low = center - margin
	high = center + margin
	if low < 0 {
		low = 0
	}
	if high > 1 {
		high = 1
	}
	return low, high
}

// sharpe returns the per-trade Sharpe ratio of the return series
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
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
	stdev := math.Sqrt(variance / float64(len(returns)-1))
	if stdev == 0 {
		return 0
	}
	return mean / stdev
}

func addBucket(m map[int]BucketStats, key int, won bool, pnl float64) {
	b := m[key]
	b.Trades++
	if won {
		b.Wins++
	}
	b.NetPnL += pnl
	b.WinRate = float64(b.Wins) / float64(b.Trades)
	m[key] = b
}

func addKeyed(m map[string]BucketStats, key string, won bool, pnl float64) {
	if key == "" {
		key = "unknown"
	}
	b := m[key]
	b.Trades++
	if won {
		b.Wins++
	}
	b.NetPnL += pnl
	b.WinRate = float64(b.Wins) / float64(b.Trades)
	m[key] = b
}
