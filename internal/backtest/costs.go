package backtest

import (
	"fmt"
	"math"
)

// LiquidityTier buckets symbols by how deep their book is. Thinner tiers
// pay more slippage and spread per unit of size.
type LiquidityTier string

const (
	TierDeep   LiquidityTier = "deep"   // Majors
	TierMedium LiquidityTier = "medium" // Mid caps
	TierThin   LiquidityTier = "thin"   // Long tail
)

// tierParams are the per-tier cost coefficients. Slippage is in fraction of
// notional, spread in fraction of price, commission in fraction of notional.
type tierParams struct {
	baseSlippage   float64
	spread         float64
	commission     float64
	thinMultiplier float64
}

var tiers = map[LiquidityTier]tierParams{
	TierDeep:   {baseSlippage: 0.0003, spread: 0.0001, commission: 0.0004, thinMultiplier: 1.0},
	TierMedium: {baseSlippage: 0.0008, spread: 0.0004, commission: 0.0004, thinMultiplier: 1.0},
	TierThin:   {baseSlippage: 0.0020, spread: 0.0012, commission: 0.0006, thinMultiplier: 1.5},
}

// CostModel charges each simulated fill for slippage, spread and commission
type CostModel struct {
	tier   LiquidityTier
	params tierParams
}

// NewCostModel creates a cost model for a liquidity tier
func NewCostModel(tier LiquidityTier) (*CostModel, error) {
	params, ok := tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown liquidity tier %q", tier)
	}
	return &CostModel{tier: tier, params: params}, nil
}

// Costs is the charge breakdown for one fill
type Costs struct {
	Slippage   float64
	Spread     float64
	Commission float64
}

// Total returns the combined cost of the fill
func (c Costs) Total() float64 {
	return c.Slippage + c.Spread + c.Commission
}

// Fill prices one side of a trade. Slippage follows a square-root impact
// curve: base * sqrt(size/avgVolume) * volatilityMultiplier, scaled up for
// thin tiers. avgVolume <= 0 falls back to charging the base rate.
func (m *CostModel) Fill(price, quantity, avgVolume, volatilityMultiplier float64) Costs {
	notional := price * quantity

	impact := 1.0
	if avgVolume > 0 {
		impact = math.Sqrt(quantity / avgVolume)
	}
	if volatilityMultiplier <= 0 {
		volatilityMultiplier = 1.0
	}

	slippage := m.params.baseSlippage * impact * volatilityMultiplier * m.params.thinMultiplier * notional

	return Costs{
		Slippage:   slippage,
		Spread:     m.params.spread * notional,
		Commission: m.params.commission * notional,
	}
}
