package models

import (
	"testing"
	"time"
)

func sampleSignal() *Signal {
	return &Signal{
		SignalID:    "sig-1",
		Symbol:      "BTCUSDT",
		Action:      ActionBuy,
		EntryPrice:  50000,
		StopPrice:   49000,
		TargetPrice: 51500,
		Confidence:  82.5,
		Regime:      "trending_up",
		CreatedAt:   time.UnixMilli(1700000000000),
	}
}

func TestSealProducesVerifiableHash(t *testing.T) {
	s := sampleSignal()
	s.Seal()

	if s.IntegrityHash == "" {
		t.Fatal("Seal left the hash empty")
	}
	if !s.VerifyIntegrity() {
		t.Error("Freshly sealed signal failed verification")
	}
}

func TestTamperedSignalFailsVerification(t *testing.T) {
	s := sampleSignal()
	s.Seal()

	s.EntryPrice = 50001
	if s.VerifyIntegrity() {
		t.Error("Edited entry price must break the integrity hash")
	}
}

func TestUnsealedSignalNeverVerifies(t *testing.T) {
	if sampleSignal().VerifyIntegrity() {
		t.Error("Empty hash must not verify")
	}
}

func TestHashIsDeterministic(t *testing.T) {
	a := sampleSignal()
	b := sampleSignal()
	if a.ComputeIntegrityHash() != b.ComputeIntegrityHash() {
		t.Error("Identical signals must hash identically")
	}
}

func TestBuildBracketLong(t *testing.T) {
	stop, target := BuildBracket(SideLong, 100, 2)

	if stop != 100-StopATRMultiple*2 {
		t.Errorf("Wrong long stop: %f", stop)
	}
	if target != 100+TargetATRMultiple*2 {
		t.Errorf("Wrong long target: %f", target)
	}

	s := sampleSignal()
	s.StopPrice, s.TargetPrice = stop, target
	s.EntryPrice = 100
	if !s.ValidBracket() {
		t.Error("Built long bracket must validate")
	}
}

func TestBuildBracketShort(t *testing.T) {
	stop, target := BuildBracket(SideShort, 100, 2)

	if stop <= 100 || target >= 100 {
		t.Errorf("Short bracket inverted: stop=%f target=%f", stop, target)
	}

	s := sampleSignal()
	s.Action = ActionSell
	s.EntryPrice, s.StopPrice, s.TargetPrice = 100, stop, target
	if !s.ValidBracket() {
		t.Error("Built short bracket must validate")
	}
}

func TestValidBracketRejectsInvertedLevels(t *testing.T) {
	s := sampleSignal()
	s.StopPrice = s.TargetPrice + 1 // stop above target on a BUY
	if s.ValidBracket() {
		t.Error("Inverted bracket must be rejected")
	}
}

func TestActionPositionSide(t *testing.T) {
	if ActionBuy.PositionSide() != SideLong {
		t.Error("BUY must open LONG")
	}
	if ActionSell.PositionSide() != SideShort {
		t.Error("SELL must open SHORT")
	}
}
