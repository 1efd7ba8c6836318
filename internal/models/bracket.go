package models

// Bracket stop/target distances in ATR multiples, shared by the live signal
// assembly and the backtest replay so both produce identical brackets.
const (
	StopATRMultiple   = 2.0
	TargetATRMultiple = 3.0
)

// BuildBracket derives stop and target prices from the entry and the
// current ATR. LONG brackets sit stop < entry < target, SHORT inverted.
func BuildBracket(side Side, entry, atr float64) (stop, target float64) {
	if side == SideLong {
		return entry - StopATRMultiple*atr, entry + TargetATRMultiple*atr
	}
	return entry + StopATRMultiple*atr, entry - TargetATRMultiple*atr
}
