package risk

import (
	"math"
	"testing"
)

func testSizer() *Sizer {
	return NewSizer(SizerConfig{
		BasePercent:             2.0,
		MinPercent:              0.5,
		MaxPercent:              5.0,
		HighConfidenceThreshold: 88,
		HighConfidenceBoost:     1.25,
		VolatilityBaseline:      0.02,
		MaxDrawdownPercent:      10.0,
	})
}

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// TestBaseSize verifies the base percent of equity at the entry price
func TestBaseSize(t *testing.T) {
	s := testSizer()

	// 2% of 10k = 200 notional at price 100
	qty := s.Size(80, 10000, 100, 0.02, 0)
	if !approxEqual(qty, 2.0) {
		t.Errorf("Expected qty 2.0, got %.4f", qty)
	}
}

// TestHighConfidenceBoost verifies sizing steps up at the threshold
func TestHighConfidenceBoost(t *testing.T) {
	s := testSizer()

	below := s.Size(87, 10000, 100, 0.02, 0)
	at := s.Size(88, 10000, 100, 0.02, 0)
	if !approxEqual(at, below*1.25) {
		t.Errorf("Expected 1.25x boost at threshold: below=%.4f at=%.4f", below, at)
	}
}

// TestVolatilityDamping verifies size shrinks proportionally above baseline
// volatility and is untouched below it
func TestVolatilityDamping(t *testing.T) {
	s := testSizer()

	calm := s.Size(80, 10000, 100, 0.01, 0)
	if !approxEqual(calm, 2.0) {
		t.Errorf("Below-baseline volatility should not change size, got %.4f", calm)
	}

	// 2x baseline halves the notional: 200 -> 100, but the 0.5% floor is 50,
	// so qty = 100/100 = 1
	rough := s.Size(80, 10000, 100, 0.04, 0)
	if !approxEqual(rough, 1.0) {
		t.Errorf("Expected halved qty 1.0 at 2x baseline vol, got %.4f", rough)
	}
}

// TestHardClamps verifies the notional never escapes [min, max] percent of
// equity before drawdown reduction
func TestHardClamps(t *testing.T) {
	s := NewSizer(SizerConfig{
		BasePercent:             4.5,
		MinPercent:              0.5,
		MaxPercent:              5.0,
		HighConfidenceThreshold: 88,
		HighConfidenceBoost:     1.25,
		VolatilityBaseline:      0.02,
		MaxDrawdownPercent:      10.0,
	})

	// 4.5% boosted 1.25x = 5.625%, clamped to 5% -> 500 notional -> qty 5
	boosted := s.Size(95, 10000, 100, 0.02, 0)
	if !approxEqual(boosted, 5.0) {
		t.Errorf("Expected max clamp at qty 5.0, got %.4f", boosted)
	}

	// Extreme volatility damping hits the floor: 450 * (0.02/0.9) = 10,
	// clamped up to the 0.5% floor of 50 -> qty 0.5
	damped := s.Size(80, 10000, 100, 0.9, 0)
	if !approxEqual(damped, 0.5) {
		t.Errorf("Expected min clamp at qty 0.5, got %.4f", damped)
	}
}

// TestDrawdownReduction verifies size scales down linearly with drawdown and
// can only shrink, never grow
func TestDrawdownReduction(t *testing.T) {
	s := testSizer()

	full := s.Size(80, 10000, 100, 0.02, 0)
	half := s.Size(80, 10000, 100, 0.02, 0.05) // 5% of a 10% limit
	if !approxEqual(half, full*0.5) {
		t.Errorf("Expected half size at half the drawdown limit: full=%.4f got=%.4f", full, half)
	}

	atLimit := s.Size(80, 10000, 100, 0.02, 0.10)
	if atLimit != 0 {
		t.Errorf("Expected zero size at the drawdown limit, got %.4f", atLimit)
	}

	past := s.Size(80, 10000, 100, 0.02, 0.15)
	if past != 0 {
		t.Errorf("Expected zero size past the drawdown limit, got %.4f", past)
	}
}

// TestZeroInputs verifies degenerate inputs size to zero instead of dividing
func TestZeroInputs(t *testing.T) {
	s := testSizer()

	if qty := s.Size(80, 0, 100, 0.02, 0); qty != 0 {
		t.Errorf("Expected zero qty with zero equity, got %.4f", qty)
	}
	if qty := s.Size(80, 10000, 0, 0.02, 0); qty != 0 {
		t.Errorf("Expected zero qty with zero price, got %.4f", qty)
	}
}
