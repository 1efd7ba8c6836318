package risk

// SizerConfig holds position sizing configuration. Percentages are of
// account equity.
type SizerConfig struct {
	BasePercent             float64
	MinPercent              float64
	MaxPercent              float64
	HighConfidenceThreshold float64 // Above this calibrated confidence, size is boosted
	HighConfidenceBoost     float64 // Multiplier, e.g. 1.25
	VolatilityBaseline      float64 // Realized volatility considered normal
	MaxDrawdownPercent      float64 // Shared with the validator's gate 3
}

// Sizer converts an approved signal into an order quantity
type Sizer struct {
	cfg SizerConfig
}

// NewSizer creates a position sizer
func NewSizer(cfg SizerConfig) *Sizer {
	if cfg.HighConfidenceBoost == 0 {
		cfg.HighConfidenceBoost = 1.25
	}
	return &Sizer{cfg: cfg}
}

// Size computes the order quantity for an approved signal.
//
// Base size is BasePercent of equity at the entry price, boosted (bounded)
// for calibrated confidence above the high-confidence threshold and damped
// proportionally for realized volatility above baseline. The notional is
// hard-clamped to [MinPercent, MaxPercent] of equity, then reduced
// proportionally to current drawdown. The drawdown reduction runs after the
// clamp so rising drawdown can only shrink the position, never grow it.
func (s *Sizer) Size(confidence, equity, entryPrice, volatility, drawdown float64) float64 {
	if equity <= 0 || entryPrice <= 0 {
		return 0
	}

	notional := equity * s.cfg.BasePercent / 100

	if confidence >= s.cfg.HighConfidenceThreshold {
		notional *= s.cfg.HighConfidenceBoost
	}

	if s.cfg.VolatilityBaseline > 0 && volatility > s.cfg.VolatilityBaseline {
		notional *= s.cfg.VolatilityBaseline / volatility
	}

	// Hard clamp as a fraction of equity
	minNotional := equity * s.cfg.MinPercent / 100
	maxNotional := equity * s.cfg.MaxPercent / 100
	if notional < minNotional {
		notional = minNotional
	}
	if notional > maxNotional {
		notional = maxNotional
	}

	// Dynamic risk reduction: scale down linearly toward zero at the
	// drawdown limit
	if s.cfg.MaxDrawdownPercent > 0 && drawdown > 0 {
		factor := 1 - (drawdown*100)/s.cfg.MaxDrawdownPercent
		if factor < 0 {
			factor = 0
		}
		notional *= factor
	}

	return notional / entryPrice
}
