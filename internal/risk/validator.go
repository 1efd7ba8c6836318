package risk

import (
	"consensus-trading-bot/internal/models"
)

// Validation states
const (
	StatePending  = "PENDING"
	StateApproved = "APPROVED"
	StateRejected = "REJECTED"
)

// Rejection reason codes. These are persisted for conversion-rate auditing,
// so they are stable identifiers, not display strings.
const (
	ReasonAccountBlocked           = "account_blocked"
	ReasonDailyLossLimitExceeded   = "daily_loss_limit_exceeded"
	ReasonDrawdownLimitExceeded    = "drawdown_limit_exceeded"
	ReasonMaxPositionsReached      = "max_positions_reached"
	ReasonCorrelationLimitExceeded = "correlation_limit_exceeded"
	ReasonPositionAlreadyExists    = "position_already_exists"
	ReasonConfidenceBelowThreshold = "confidence_below_threshold"
	ReasonInvalidBracket           = "invalid_bracket"
	ReasonInsufficientFunds        = "insufficient_funds"
)

// Decision is the terminal result of validating one candidate signal
type Decision struct {
	State  string
	Reason string // Set only when rejected
	Gate   int    // 1-based index of the failing gate, 0 when approved
}

// Approved reports whether the signal cleared every gate
func (d Decision) Approved() bool { return d.State == StateApproved }

// OpenPosition is the minimal view of an open position the validator needs
type OpenPosition struct {
	Symbol string
	Side   models.Side
}

// Config holds the layered gate thresholds
type Config struct {
	MaxDailyLossPercent   float64
	MaxDrawdownPercent    float64
	MaxOpenPositions      int
	MaxPerCorrelatedGroup int
	CorrelatedGroups      map[string]string // symbol -> group
	MinConfidence         float64
	SymbolMinConfidence   map[string]float64
	RegimeMinConfidence   map[string]float64
}

// Validator evaluates candidate signals against the account risk policy.
// Gates run in fixed order and the first failure short-circuits; the
// recorded reason always names the first gate that failed.
type Validator struct {
	cfg Config
}

// NewValidator creates a validator
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs the gate sequence for one candidate signal.
//
// Gate order:
//  1. account not blocked
//  2. daily loss limit
//  3. drawdown limit
//  4. position count, duplicate and correlation limits
//  5. symbol / regime confidence threshold
//  6. bracket geometry
func (v *Validator) Validate(signal *models.Signal, state StateSnapshot, open []OpenPosition) Decision {
	// Gate 1: account blocked
	if state.Blocked {
		reason := state.BlockedReason
		if reason == "" {
			reason = ReasonAccountBlocked
		}
		return Decision{State: StateRejected, Reason: reason, Gate: 1}
	}

	// Gate 2: daily loss limit
	if state.StartingEquity > 0 {
		dailyLossPct := (state.DailyPnL / state.StartingEquity) * 100
		if dailyLossPct <= -v.cfg.MaxDailyLossPercent {
			return Decision{State: StateRejected, Reason: ReasonDailyLossLimitExceeded, Gate: 2}
		}
	}

	// Gate 3: drawdown limit
	if state.Drawdown*100 >= v.cfg.MaxDrawdownPercent {
		return Decision{State: StateRejected, Reason: ReasonDrawdownLimitExceeded, Gate: 3}
	}

	// Gate 4: position count, duplicates, correlation
	wantSide := signal.Action.PositionSide()
	existing := v.findPosition(open, signal.Symbol)
	opensNew := existing == nil || existing.Side != wantSide

	if existing != nil && existing.Side == wantSide {
		return Decision{State: StateRejected, Reason: ReasonPositionAlreadyExists, Gate: 4}
	}
	if opensNew && existing == nil {
		if len(open) >= v.cfg.MaxOpenPositions {
			return Decision{State: StateRejected, Reason: ReasonMaxPositionsReached, Gate: 4}
		}
		if group, ok := v.cfg.CorrelatedGroups[signal.Symbol]; ok {
			inGroup := 0
			for _, p := range open {
				if v.cfg.CorrelatedGroups[p.Symbol] == group {
					inGroup++
				}
			}
			if inGroup >= v.cfg.MaxPerCorrelatedGroup {
				return Decision{State: StateRejected, Reason: ReasonCorrelationLimitExceeded, Gate: 4}
			}
		}
	}

	// Gate 5: confidence threshold, most specific bar wins
	if signal.Confidence < v.confidenceFloor(signal.Symbol, signal.Regime) {
		return Decision{State: StateRejected, Reason: ReasonConfidenceBelowThreshold, Gate: 5}
	}

	// Gate 6: bracket geometry
	if !signal.ValidBracket() {
		return Decision{State: StateRejected, Reason: ReasonInvalidBracket, Gate: 6}
	}

	return Decision{State: StateApproved}
}

// confidenceFloor resolves the strictest applicable confidence threshold:
// a symbol-specific bar overrides a regime bar which overrides the global
// minimum, but the result is never below the global minimum.
func (v *Validator) confidenceFloor(symbol, regime string) float64 {
	floor := v.cfg.MinConfidence
	if bar, ok := v.cfg.RegimeMinConfidence[regime]; ok && bar > floor {
		floor = bar
	}
	if bar, ok := v.cfg.SymbolMinConfidence[symbol]; ok && bar > floor {
		floor = bar
	}
	return floor
}

func (v *Validator) findPosition(open []OpenPosition, symbol string) *OpenPosition {
	for i := range open {
		if open[i].Symbol == symbol {
			return &open[i]
		}
	}
	return nil
}
