package circuit

import (
	"math"
	"sync"
	"testing"
	"time"

	"consensus-trading-bot/config"
)

func testBreakerConfig() config.CircuitConfig {
	return config.CircuitConfig{
		Enabled:              true,
		MaxLossPerHour:       3.0,
		MaxConsecutiveLosses: 3,
		CooldownMinutes:      30,
		MaxDailyLoss:         5.0,
	}
}

// clockBreaker pins the breaker clock so cooldown tests are deterministic
func clockBreaker(cfg config.CircuitConfig) (*Breaker, *time.Time) {
	current := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	b := NewBreaker(cfg, nil)
	b.now = func() time.Time { return current }
	b.hourlyResetTime = current.Add(time.Hour)
	b.dailyResetTime = current.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return b, &current
}

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	b, _ := clockBreaker(testBreakerConfig())

	b.RecordTrade(-0.1)
	b.RecordTrade(-0.1)
	if b.State() != StateClosed {
		t.Fatal("Breaker tripped early")
	}

	b.RecordTrade(-0.1)
	if b.State() != StateOpen {
		t.Fatal("Expected open after three consecutive losses")
	}
	if ok, reason := b.Allow(); ok || reason == "" {
		t.Errorf("Open breaker must refuse trades with a reason, got ok=%v reason=%q", ok, reason)
	}
}

func TestBreakerTripsOnHourlyLoss(t *testing.T) {
	b, _ := clockBreaker(testBreakerConfig())

	b.RecordTrade(-2.0)
	b.RecordTrade(1.0) // Winner breaks the streak but loss total stays
	b.RecordTrade(-1.5)

	if b.State() != StateOpen {
		t.Fatalf("Expected trip at 3.5%% hourly loss, state %s", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, current := clockBreaker(testBreakerConfig())

	for i := 0; i < 3; i++ {
		b.RecordTrade(-0.1)
	}
	if b.State() != StateOpen {
		t.Fatal("Setup failed: breaker not open")
	}

	// Inside cooldown: still refused
	*current = current.Add(10 * time.Minute)
	if ok, _ := b.Allow(); ok {
		t.Fatal("Allowed inside cooldown")
	}

	// Past cooldown and past the hourly window, so the loss counters clear
	*current = current.Add(55 * time.Minute)
	if ok, reason := b.Allow(); !ok {
		t.Fatalf("Expected half-open probe after cooldown, got %q", reason)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("Expected half_open, got %s", b.State())
	}

	// Winning probe closes the breaker
	b.RecordTrade(0.5)
	if b.State() != StateClosed {
		t.Errorf("Expected closed after winning probe, got %s", b.State())
	}
}

func TestBreakerCallbacksFire(t *testing.T) {
	b, _ := clockBreaker(testBreakerConfig())

	var mu sync.Mutex
	var tripped string
	done := make(chan struct{})
	b.OnTrip(func(reason string) {
		mu.Lock()
		tripped = reason
		mu.Unlock()
		close(done)
	})

	for i := 0; i < 3; i++ {
		b.RecordTrade(-0.1)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnTrip never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if tripped == "" {
		t.Error("Trip reason empty")
	}
}

func TestBreakerIgnoresInvalidPnL(t *testing.T) {
	b, _ := clockBreaker(testBreakerConfig())

	b.RecordTrade(math.NaN())
	b.RecordTrade(math.Inf(-1))

	if b.State() != StateClosed {
		t.Error("Invalid values must not move the breaker")
	}
	if ok, _ := b.Allow(); !ok {
		t.Error("Invalid values must not block trading")
	}
}

func TestBreakerDisabledPassesEverything(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Enabled = false
	b, _ := clockBreaker(cfg)

	for i := 0; i < 10; i++ {
		b.RecordTrade(-5)
	}
	if ok, _ := b.Allow(); !ok {
		t.Error("Disabled breaker must always allow")
	}
}

func TestBreakerForceReset(t *testing.T) {
	b, _ := clockBreaker(testBreakerConfig())

	for i := 0; i < 3; i++ {
		b.RecordTrade(-0.1)
	}
	b.ForceReset()

	if b.State() != StateClosed {
		t.Errorf("Expected closed after manual reset, got %s", b.State())
	}
}
