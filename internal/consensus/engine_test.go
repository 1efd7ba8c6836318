package consensus

import (
	"math"
	"testing"
	"time"

	"consensus-trading-bot/internal/models"
)

func newTestEngine() *Engine {
	return NewEngine(Config{MinAdapters: 2, MinConfidence: 50, MaxConfidence: 99})
}

func vote(source string, dir models.Side, strength, weight float64, age time.Duration) AdapterVote {
	return AdapterVote{
		Source:    source,
		Direction: dir,
		Strength:  strength,
		Weight:    weight,
		FetchedAt: time.Now().Add(-age),
		TTL:       time.Minute,
	}
}

// TestMajorityWins verifies the direction follows the majority weight
func TestMajorityWins(t *testing.T) {
	engine := newTestEngine()

	decision := engine.Vote("BTCUSDT", []AdapterVote{
		vote("trend", models.SideLong, 0.9, 0.5, 0),
		vote("momentum", models.SideLong, 0.8, 0.3, 0),
		vote("volume", models.SideShort, 0.9, 0.2, 0),
	}, time.Now())

	if decision.NoSignal {
		t.Fatal("Expected a signal with a clear majority")
	}
	if decision.Direction != models.SideLong {
		t.Errorf("Expected LONG, got %s", decision.Direction)
	}
}

// TestUnanimousLongScenario checks the weighted accumulator arithmetic:
// 4 adapters vote LONG with weights [0.4, 0.25, 0.2, 0.15] at strengths
// [0.9, 0.8, 0.7, 0.6]. Winning accumulator = 0.36+0.20+0.14+0.09 = 0.79
// over an active weight of 1.0, so raw confidence is 79.
func TestUnanimousLongScenario(t *testing.T) {
	engine := newTestEngine()

	decision := engine.Vote("BTCUSDT", []AdapterVote{
		vote("a", models.SideLong, 0.9, 0.4, 0),
		vote("b", models.SideLong, 0.8, 0.25, 0),
		vote("c", models.SideLong, 0.7, 0.2, 0),
		vote("d", models.SideLong, 0.6, 0.15, 0),
	}, time.Now())

	if decision.NoSignal {
		t.Fatal("Expected a signal")
	}
	if decision.Direction != models.SideLong {
		t.Errorf("Expected LONG, got %s", decision.Direction)
	}
	if math.Abs(decision.RawConfidence-79.0) > 0.01 {
		t.Errorf("Expected raw confidence 79, got %.2f", decision.RawConfidence)
	}
}

// TestExactTieYieldsNoSignal checks ties resolve to no signal
func TestExactTieYieldsNoSignal(t *testing.T) {
	engine := newTestEngine()

	decision := engine.Vote("ETHUSDT", []AdapterVote{
		vote("a", models.SideLong, 0.8, 0.5, 0),
		vote("b", models.SideShort, 0.8, 0.5, 0),
	}, time.Now())

	if !decision.NoSignal {
		t.Errorf("Expected no signal on exact tie, got %s at %.2f",
			decision.Direction, decision.RawConfidence)
	}
}

// TestStaleAdapterExcludedAndRenormalized verifies stale votes drop out and
// the remaining weights renormalize: excluding a stale adapter must never
// change the confidence arithmetic base.
func TestStaleAdapterExcludedAndRenormalized(t *testing.T) {
	engine := newTestEngine()

	decision := engine.Vote("BTCUSDT", []AdapterVote{
		vote("fresh1", models.SideLong, 0.8, 0.3, 0),
		vote("fresh2", models.SideLong, 0.6, 0.3, 0),
		vote("dead", models.SideShort, 1.0, 0.4, 5*time.Minute), // Past TTL
	}, time.Now())

	if decision.NoSignal {
		t.Fatal("Expected a signal from the two fresh adapters")
	}
	if decision.Direction != models.SideLong {
		t.Errorf("Expected LONG after stale exclusion, got %s", decision.Direction)
	}

	// Renormalized: each fresh adapter carries weight 0.5, so the
	// accumulator is 0.5*0.8 + 0.5*0.6 = 0.70
	if math.Abs(decision.RawConfidence-70.0) > 0.01 {
		t.Errorf("Expected renormalized confidence 70, got %.2f", decision.RawConfidence)
	}

	// The stale vote is still recorded for the audit trail
	staleSeen := false
	for _, v := range decision.Votes {
		if v.Source == "dead" && v.Stale {
			staleSeen = true
		}
	}
	if !staleSeen {
		t.Error("Stale vote should be recorded with its stale flag set")
	}
}

// TestStaleExclusionCanFlipOnlyByVote verifies the renormalization invariant:
// dropping a stale adapter changes the direction only when the remaining
// weighted vote itself flips.
func TestStaleExclusionCanFlipOnlyByVote(t *testing.T) {
	engine := newTestEngine()
	now := time.Now()

	fresh := []AdapterVote{
		vote("a", models.SideLong, 0.9, 0.3, 0),
		vote("b", models.SideLong, 0.7, 0.3, 0),
		vote("c", models.SideShort, 0.5, 0.4, 0),
	}
	withStale := append([]AdapterVote{}, fresh...)
	withStale = append(withStale, vote("dead", models.SideShort, 1.0, 0.5, time.Hour))

	got := engine.Vote("X", fresh, now)
	gotWithStale := engine.Vote("X", withStale, now)

	if got.Direction != gotWithStale.Direction {
		t.Errorf("Stale adapter changed direction: %s vs %s", got.Direction, gotWithStale.Direction)
	}
	if math.Abs(got.RawConfidence-gotWithStale.RawConfidence) > 0.01 {
		t.Errorf("Stale adapter changed confidence: %.2f vs %.2f",
			got.RawConfidence, gotWithStale.RawConfidence)
	}
}

// TestMinAdapterFloor verifies too few live adapters yields no signal
func TestMinAdapterFloor(t *testing.T) {
	engine := NewEngine(Config{MinAdapters: 3, MinConfidence: 50, MaxConfidence: 99})

	decision := engine.Vote("BTCUSDT", []AdapterVote{
		vote("a", models.SideLong, 0.9, 0.5, 0),
		vote("b", models.SideLong, 0.9, 0.5, 0),
	}, time.Now())

	if !decision.NoSignal {
		t.Error("Expected no signal when live adapters fall below the minimum")
	}
}

// TestAllStaleYieldsNoSignal verifies an entirely stale vote set never
// divides by the dead total
func TestAllStaleYieldsNoSignal(t *testing.T) {
	engine := newTestEngine()

	decision := engine.Vote("BTCUSDT", []AdapterVote{
		vote("a", models.SideLong, 0.9, 0.5, time.Hour),
		vote("b", models.SideLong, 0.9, 0.5, time.Hour),
	}, time.Now())

	if !decision.NoSignal {
		t.Error("Expected no signal when every adapter is stale")
	}
}

// TestConfidenceClamp verifies clamping to the configured band
func TestConfidenceClamp(t *testing.T) {
	engine := newTestEngine()

	// A single dominant direction at full strength would read 100
	decision := engine.Vote("BTCUSDT", []AdapterVote{
		vote("a", models.SideShort, 1.0, 0.5, 0),
		vote("b", models.SideShort, 1.0, 0.5, 0),
	}, time.Now())

	if decision.RawConfidence > 99 {
		t.Errorf("Confidence above clamp ceiling: %.2f", decision.RawConfidence)
	}

	// A barely-winning direction would read below 50
	weak := engine.Vote("BTCUSDT", []AdapterVote{
		vote("a", models.SideLong, 0.3, 0.5, 0),
		vote("b", models.SideShort, 0.2, 0.5, 0),
	}, time.Now())

	if !weak.NoSignal && weak.RawConfidence < 50 {
		t.Errorf("Confidence below clamp floor: %.2f", weak.RawConfidence)
	}
}
