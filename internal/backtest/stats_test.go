package backtest

import (
	"math"
	"testing"

	"consensus-trading-bot/internal/models"
)

func tradeWithPnL(net float64, confidence float64, regime, reason string) models.BacktestTrade {
	return models.BacktestTrade{
		NetPnL:     net,
		GrossPnL:   net,
		Confidence: confidence,
		Regime:     regime,
		ExitReason: reason,
	}
}

func TestStatsWinRateAndCounts(t *testing.T) {
	trades := []models.BacktestTrade{
		tradeWithPnL(100, 82, "trending_up", "take_profit"),
		tradeWithPnL(100, 82, "trending_up", "take_profit"),
		tradeWithPnL(-50, 67, "ranging", "stop_loss"),
		tradeWithPnL(100, 91, "trending_up", "take_profit"),
	}

	s := ComputeStats(trades, 10000, 5)
	if s.TotalTrades != 4 || s.Wins != 3 || s.Losses != 1 {
		t.Fatalf("Wrong counts: %+v", s)
	}
	if s.WinRate != 0.75 {
		t.Errorf("Expected win rate 0.75, got %.4f", s.WinRate)
	}
	if s.NetPnL != 250 {
		t.Errorf("Expected net 250, got %.2f", s.NetPnL)
	}
	if s.FinalEquity != 10250 {
		t.Errorf("Expected final equity 10250, got %.2f", s.FinalEquity)
	}
	if s.ProfitFactor != 6 {
		t.Errorf("Expected profit factor 6, got %.4f", s.ProfitFactor)
	}
	if len(s.EquityCurve) != 5 {
		t.Errorf("Expected 5 equity points, got %d", len(s.EquityCurve))
	}
}

func TestStatsWilsonInterval(t *testing.T) {
	// 60 wins of 100: Wilson 95% interval is approximately [0.502, 0.691]
	low, high := wilsonInterval(60, 100)
	if math.Abs(low-0.5020) > 0.002 {
		t.Errorf("Expected lower bound near 0.502, got %.4f", low)
	}
	if math.Abs(high-0.6906) > 0.002 {
		t.Errorf("Expected upper bound near 0.691, got %.4f", high)
	}

	// Degenerate cases stay inside [0, 1]
	low, high = wilsonInterval(0, 10)
	if low < 0 || high > 1 {
		t.Errorf("Interval escaped [0,1]: [%.4f, %.4f]", low, high)
	}
	low, high = wilsonInterval(10, 10)
	if low < 0 || high > 1 {
		t.Errorf("Interval escaped [0,1]: [%.4f, %.4f]", low, high)
	}
}

func TestStatsSignificance(t *testing.T) {
	// 50/100 wins: z = 0, not significant
	even := make([]models.BacktestTrade, 0, 100)
	for i := 0; i < 50; i++ {
		even = append(even, tradeWithPnL(10, 80, "", ""))
		even = append(even, tradeWithPnL(-10, 80, "", ""))
	}
	s := ComputeStats(even, 10000, 5)
	if s.ZScore != 0 || s.Significant {
		t.Errorf("Even record should not be significant: z=%.4f", s.ZScore)
	}

	// 70/100 wins: z = (0.7-0.5)/sqrt(0.25/100) = 4
	skewed := make([]models.BacktestTrade, 0, 100)
	for i := 0; i < 70; i++ {
		skewed = append(skewed, tradeWithPnL(10, 80, "", ""))
	}
	for i := 0; i < 30; i++ {
		skewed = append(skewed, tradeWithPnL(-10, 80, "", ""))
	}
	s = ComputeStats(skewed, 10000, 5)
	if math.Abs(s.ZScore-4) > 1e-9 {
		t.Errorf("Expected z = 4, got %.4f", s.ZScore)
	}
	if !s.Significant {
		t.Error("70% over 100 trades should be significant")
	}
}

func TestStatsMaxDrawdown(t *testing.T) {
	trades := []models.BacktestTrade{
		tradeWithPnL(1000, 80, "", ""),  // 11000 peak
		tradeWithPnL(-2200, 80, "", ""), // 8800, drawdown 0.2
		tradeWithPnL(3000, 80, "", ""),  // Recovery
	}

	s := ComputeStats(trades, 10000, 5)
	if math.Abs(s.MaxDrawdown-0.2) > 1e-9 {
		t.Errorf("Expected max drawdown 0.2, got %.4f", s.MaxDrawdown)
	}
}

func TestStatsBreakdowns(t *testing.T) {
	trades := []models.BacktestTrade{
		tradeWithPnL(100, 82, "trending_up", "take_profit"),
		tradeWithPnL(-50, 83, "ranging", "stop_loss"),
		tradeWithPnL(100, 91, "trending_up", "take_profit"),
	}

	s := ComputeStats(trades, 10000, 5)

	b80 := s.ByConfidenceBucket[80]
	if b80.Trades != 2 || b80.Wins != 1 || b80.WinRate != 0.5 {
		t.Errorf("Wrong 80 bucket: %+v", b80)
	}
	if s.ByConfidenceBucket[90].Trades != 1 {
		t.Errorf("Wrong 90 bucket: %+v", s.ByConfidenceBucket[90])
	}
	if s.ByRegime["trending_up"].Wins != 2 {
		t.Errorf("Wrong regime split: %+v", s.ByRegime)
	}
	if s.ByExitReason["stop_loss"].Trades != 1 || s.ByExitReason["stop_loss"].NetPnL != -50 {
		t.Errorf("Wrong exit reason split: %+v", s.ByExitReason)
	}
}

func TestStatsEmptyRun(t *testing.T) {
	s := ComputeStats(nil, 10000, 5)
	if s.TotalTrades != 0 || s.WinRate != 0 || s.FinalEquity != 10000 {
		t.Errorf("Empty run mishandled: %+v", s)
	}
}
