package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Action is the directional instruction carried by a signal
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Side is the direction of an open position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Outcome classifies a closed trade
type Outcome string

const (
	OutcomeOpen      Outcome = "open"
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeCancelled Outcome = "cancelled"
)

// PositionSide returns the position side this action opens
func (a Action) PositionSide() Side {
	if a == ActionBuy {
		return SideLong
	}
	return SideShort
}

// SourceVote records one adapter's contribution to a consensus decision
type SourceVote struct {
	Source    string  `json:"source"`
	Direction Side    `json:"direction"`
	Strength  float64 `json:"strength"`
	Weight    float64 `json:"weight"`
	Stale     bool    `json:"stale"`
}

// Signal is the immutable output of the consensus + calibration stages.
// Once persisted it is never edited; a changed view of the market produces
// a new Signal that supersedes it.
type Signal struct {
	SignalID      string       `json:"signal_id"`
	Symbol        string       `json:"symbol"`
	Action        Action       `json:"action"`
	EntryPrice    float64      `json:"entry_price"`
	StopPrice     float64      `json:"stop_price"`
	TargetPrice   float64      `json:"target_price"`
	Confidence    float64      `json:"confidence"` // Calibrated, 0-100
	RawConfidence float64      `json:"raw_confidence"`
	Uncalibrated  bool         `json:"uncalibrated"` // Calibrator had too few samples
	Regime        string       `json:"regime"`
	Strategy      string       `json:"strategy"`
	SourceVotes   []SourceVote `json:"source_votes"`
	IntegrityHash string       `json:"integrity_hash"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ComputeIntegrityHash digests the decision-relevant fields of a signal.
// The hash must be reproducible from a persisted record, so only fields
// that are stored verbatim participate.
func (s *Signal) ComputeIntegrityHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%.8f|%.8f|%.8f|%.4f|%s|%d",
		s.SignalID, s.Symbol, s.Action,
		s.EntryPrice, s.StopPrice, s.TargetPrice,
		s.Confidence, s.Regime, s.CreatedAt.UnixMilli())
	return hex.EncodeToString(h.Sum(nil))
}

// Seal computes and stores the integrity hash. Call once, after all fields
// are final and before persistence.
func (s *Signal) Seal() {
	s.IntegrityHash = s.ComputeIntegrityHash()
}

// VerifyIntegrity reports whether the stored hash matches the content
func (s *Signal) VerifyIntegrity() bool {
	return s.IntegrityHash != "" && s.IntegrityHash == s.ComputeIntegrityHash()
}

// ValidBracket checks stop/target placement against the action direction:
// LONG requires stop < entry < target, SHORT requires target < entry < stop.
func (s *Signal) ValidBracket() bool {
	switch s.Action {
	case ActionBuy:
		return s.StopPrice < s.EntryPrice && s.EntryPrice < s.TargetPrice
	case ActionSell:
		return s.StopPrice > s.EntryPrice && s.EntryPrice > s.TargetPrice
	default:
		return false
	}
}
