// Package circuit halts signal execution when realized losses cluster
// faster than the daily risk gates react. The breaker sits beside the risk
// validator, not inside it: a trip blocks the account, cooldown moves the
// breaker to half-open, and one winning trade closes it again.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Execution halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Breaker tracks realized loss velocity and consecutive losing trades
type Breaker struct {
	config config.CircuitConfig
	bus    *events.EventBus
	now    func() time.Time

	mu                sync.RWMutex
	state             BreakerState
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	lastTripTime      time.Time
	hourlyResetTime   time.Time
	dailyResetTime    time.Time
	tripReason        string
	onTrip            func(reason string)
	onReset           func()
}

// NewBreaker creates a circuit breaker publishing trips and resets on the bus
func NewBreaker(cfg config.CircuitConfig, bus *events.EventBus) *Breaker {
	b := &Breaker{
		config: cfg,
		bus:    bus,
		now:    time.Now,
		state:  StateClosed,
	}
	now := b.now()
	b.hourlyResetTime = now.Add(time.Hour)
	b.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return b
}

// OnTrip sets the callback invoked when the breaker opens
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback invoked when the breaker closes again
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether new positions may be opened. A second value carries
// the refusal reason when trading is halted.
func (b *Breaker) Allow() (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetCountersIfNeeded()

	if b.state == StateOpen {
		elapsed := b.now().Sub(b.lastTripTime)
		cooldown := time.Duration(b.config.CooldownMinutes) * time.Minute

		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}

		// Cooldown passed, probe with one trade. The streak is forgiven;
		// a losing probe rebuilds it and re-trips.
		b.state = StateHalfOpen
		b.consecutiveLosses = 0
		return true, ""
	}

	if b.hourlyLoss >= b.config.MaxLossPerHour {
		return false, fmt.Sprintf("hourly loss limit reached: %.2f%% >= %.2f%%",
			b.hourlyLoss, b.config.MaxLossPerHour)
	}
	if b.dailyLoss >= b.config.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%",
			b.dailyLoss, b.config.MaxDailyLoss)
	}
	if b.consecutiveLosses >= b.config.MaxConsecutiveLosses {
		return false, fmt.Sprintf("max consecutive losses reached: %d", b.consecutiveLosses)
	}

	return true, ""
}

// RecordTrade feeds one realized trade result, as percent of equity, into
// the loss counters
func (b *Breaker) RecordTrade(pnlPercent float64) {
	if !b.config.Enabled {
		return
	}
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	b.mu.Lock()
	b.resetCountersIfNeeded()

	var recovered bool
	if pnlPercent < 0 {
		b.consecutiveLosses++
		b.hourlyLoss += -pnlPercent
		b.dailyLoss += -pnlPercent
	} else {
		b.consecutiveLosses = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			recovered = true
		}
	}

	var tripReason string
	if !recovered {
		tripReason = b.checkTripLocked()
	}
	onTrip, onReset := b.onTrip, b.onReset
	b.mu.Unlock()

	if recovered {
		if onReset != nil {
			go onReset()
		}
		b.publishReset("winning_trade_after_cooldown")
	}
	if tripReason != "" {
		if onTrip != nil {
			go onTrip(tripReason)
		}
		b.publishTrip(tripReason)
	}
}

// checkTripLocked opens the breaker when any loss limit is breached.
// Returns the trip reason, empty when nothing tripped. Caller holds the lock.
func (b *Breaker) checkTripLocked() string {
	if b.state == StateOpen {
		return ""
	}

	var reason string
	if b.consecutiveLosses >= b.config.MaxConsecutiveLosses {
		reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
	} else if b.hourlyLoss >= b.config.MaxLossPerHour {
		reason = fmt.Sprintf("hourly loss: %.2f%%", b.hourlyLoss)
	} else if b.dailyLoss >= b.config.MaxDailyLoss {
		reason = fmt.Sprintf("daily loss: %.2f%%", b.dailyLoss)
	}
	if reason == "" {
		return ""
	}

	b.state = StateOpen
	b.lastTripTime = b.now()
	b.tripReason = reason
	return reason
}

func (b *Breaker) publishTrip(reason string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(events.Event{
		Type: events.EventBreakerTripped,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

func (b *Breaker) publishReset(reason string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(events.Event{
		Type: events.EventBreakerReset,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

func (b *Breaker) resetCountersIfNeeded() {
	now := b.now()

	if now.After(b.hourlyResetTime) {
		b.hourlyLoss = 0
		b.hourlyResetTime = now.Add(time.Hour)
	}
	if now.After(b.dailyResetTime) {
		b.dailyLoss = 0
		b.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually closes the breaker and clears the loss streak
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
	b.publishReset("manual_reset")
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats reports breaker internals for the operational API
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"state":              string(b.state),
		"consecutive_losses": b.consecutiveLosses,
		"hourly_loss":        b.hourlyLoss,
		"daily_loss":         b.dailyLoss,
		"trip_reason":        b.tripReason,
		"last_trip_time":     b.lastTripTime,
	}
}
