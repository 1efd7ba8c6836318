// Package consensus combines independent source adapter votes into a single
// directional decision with a raw confidence score. The same engine is used
// by the live pipeline and the backtest replay, so any change here shifts
// both identically.
package consensus

import (
	"time"

	"consensus-trading-bot/internal/models"
)

// AdapterVote is one source adapter's directional opinion for a symbol
type AdapterVote struct {
	Source    string
	Direction models.Side
	Strength  float64 // [0, 1]
	Weight    float64 // Declared reliability weight
	FetchedAt time.Time
	TTL       time.Duration // Staleness horizon for this source
}

// Decision is the outcome of a weighted vote
type Decision struct {
	NoSignal      bool
	Direction     models.Side
	RawConfidence float64 // [MinConfidence, MaxConfidence] when NoSignal is false
	Votes         []models.SourceVote
	ActiveWeight  float64 // Renormalized weight that participated (1.0 unless all stale)
}

// Config holds consensus engine configuration
type Config struct {
	MinAdapters   int     // Minimum live adapters required to produce a signal
	MinConfidence float64 // Clamp floor, guards against single-source certainty
	MaxConfidence float64 // Clamp ceiling
}

// Engine performs weighted voting over adapter outputs
type Engine struct {
	cfg Config
}

// NewEngine creates a consensus engine
func NewEngine(cfg Config) *Engine {
	if cfg.MinAdapters <= 0 {
		cfg.MinAdapters = 2
	}
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = 50
	}
	if cfg.MaxConfidence == 0 {
		cfg.MaxConfidence = 99
	}
	return &Engine{cfg: cfg}
}

// Vote tallies adapter votes for a symbol at the given evaluation time.
//
// Stale votes (older than their TTL at evaluation time) are excluded and the
// remaining weights renormalized to sum to 1 before tallying, so a dead
// source never dilutes the denominator. Fewer live adapters than the
// configured minimum, or an exact tie between directions, yields NoSignal
// rather than a guess.
func (e *Engine) Vote(symbol string, votes []AdapterVote, now time.Time) Decision {
	decision := Decision{Votes: make([]models.SourceVote, 0, len(votes))}

	active := make([]AdapterVote, 0, len(votes))
	activeWeight := 0.0
	for _, v := range votes {
		stale := v.TTL > 0 && now.Sub(v.FetchedAt) > v.TTL
		decision.Votes = append(decision.Votes, models.SourceVote{
			Source:    v.Source,
			Direction: v.Direction,
			Strength:  v.Strength,
			Weight:    v.Weight,
			Stale:     stale,
		})
		if stale {
			continue
		}
		active = append(active, v)
		activeWeight += v.Weight
	}

	if len(active) < e.cfg.MinAdapters || activeWeight <= 0 {
		decision.NoSignal = true
		return decision
	}

	// Renormalize surviving weights to sum to 1
	longAcc := 0.0
	shortAcc := 0.0
	for _, v := range active {
		contribution := (v.Weight / activeWeight) * v.Strength
		switch v.Direction {
		case models.SideLong:
			longAcc += contribution
		case models.SideShort:
			shortAcc += contribution
		}
	}
	decision.ActiveWeight = 1.0

	if longAcc == shortAcc {
		decision.NoSignal = true
		return decision
	}

	winning := longAcc
	decision.Direction = models.SideLong
	if shortAcc > longAcc {
		winning = shortAcc
		decision.Direction = models.SideShort
	}

	raw := 100 * winning / decision.ActiveWeight
	if raw < e.cfg.MinConfidence {
		raw = e.cfg.MinConfidence
	}
	if raw > e.cfg.MaxConfidence {
		raw = e.cfg.MaxConfidence
	}
	decision.RawConfidence = raw

	return decision
}
