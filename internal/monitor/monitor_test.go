package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"consensus-trading-bot/internal/broker"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/execution"
	"consensus-trading-bot/internal/models"
	"consensus-trading-bot/internal/risk"
)

type recordedOutcomes struct {
	mu      sync.Mutex
	records []models.OutcomeRecord
}

func (r *recordedOutcomes) RecordOutcome(ctx context.Context, rec models.OutcomeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordedOutcomes) list() []models.OutcomeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OutcomeRecord(nil), r.records...)
}

type signalIndex struct {
	signals map[string]*models.Signal
}

func (s *signalIndex) GetSignal(signalID string) (*models.Signal, bool) {
	sig, ok := s.signals[signalID]
	return sig, ok
}

type fixture struct {
	monitor  *Monitor
	router   *execution.Router
	state    *risk.RiskState
	outcomes *recordedOutcomes
	prices   map[string]float64
	paper    *broker.PaperClient
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	prices := map[string]float64{"BTCUSDT": 100, "ETHUSDT": 50}
	paper := broker.NewPaperClient(1000000, func(symbol string) (float64, error) {
		return prices[symbol], nil
	})
	state := risk.NewRiskState(1000000, 50)
	router := execution.NewRouter(execution.Config{
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	}, paper, execution.NewPositionBook(), state, events.NewEventBus(), zerolog.Nop())

	outcomes := &recordedOutcomes{}
	resolver := &signalIndex{signals: map[string]*models.Signal{
		"sig-mon-1": {SignalID: "sig-mon-1", RawConfidence: 81, Regime: "trending_up"},
	}}

	m := New(cfg, router, paper, state, events.NewEventBus(), outcomes, resolver, zerolog.Nop())
	return &fixture{monitor: m, router: router, state: state, outcomes: outcomes, prices: prices, paper: paper}
}

func openLong(t *testing.T, f *fixture, symbol string, qty float64) *models.Position {
	t.Helper()

	sig := &models.Signal{
		SignalID:    "sig-mon-1",
		Symbol:      symbol,
		Action:      models.ActionBuy,
		EntryPrice:  f.prices[symbol],
		StopPrice:   f.prices[symbol] * 0.95,
		TargetPrice: f.prices[symbol] * 1.10,
		Confidence:  85,
		CreatedAt:   time.Now(),
	}
	pos, err := f.router.Execute(context.Background(), sig, qty)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return pos
}

func TestStopLossBypassesHoldingPeriod(t *testing.T) {
	f := newFixture(t, Config{MinHoldingPeriod: time.Hour, HoldingScope: ScopePerSymbol})
	openLong(t, f, "BTCUSDT", 5)

	// Price drops through the stop immediately after open
	f.prices["BTCUSDT"] = 94
	f.monitor.CheckPositions(context.Background(), time.Now())

	if f.router.Book().Count() != 0 {
		t.Fatal("Stop-loss exit must bypass the minimum holding period")
	}
	recs := f.outcomes.list()
	if len(recs) != 1 {
		t.Fatalf("Expected 1 outcome record, got %d", len(recs))
	}
	if recs[0].Won {
		t.Error("Stop-loss exit recorded as win")
	}
	if recs[0].RawConfidence != 81 || recs[0].Regime != "trending_up" {
		t.Errorf("Outcome not attributed to the signal: %+v", recs[0])
	}
}

func TestTakeProfitDeferredInsideHoldingPeriod(t *testing.T) {
	f := newFixture(t, Config{MinHoldingPeriod: time.Hour, HoldingScope: ScopePerSymbol})
	openLong(t, f, "BTCUSDT", 5)

	f.prices["BTCUSDT"] = 115
	f.monitor.CheckPositions(context.Background(), time.Now())

	if f.router.Book().Count() != 1 {
		t.Fatal("Take-profit inside holding period must defer")
	}

	// Past the holding period the same touch exits
	f.monitor.CheckPositions(context.Background(), time.Now().Add(2*time.Hour))
	if f.router.Book().Count() != 0 {
		t.Fatal("Take-profit after holding period should exit")
	}
	recs := f.outcomes.list()
	if len(recs) != 1 || !recs[0].Won {
		t.Errorf("Expected one winning outcome, got %+v", recs)
	}
}

func TestShortStopAndTarget(t *testing.T) {
	f := newFixture(t, Config{})
	sig := &models.Signal{
		SignalID:    "sig-mon-1",
		Symbol:      "ETHUSDT",
		Action:      models.ActionSell,
		EntryPrice:  50,
		StopPrice:   53,
		TargetPrice: 45,
		Confidence:  85,
		CreatedAt:   time.Now(),
	}
	if _, err := f.router.Execute(context.Background(), sig, 10); err != nil {
		t.Fatalf("Open short failed: %v", err)
	}

	// Price between stop and target: no exit
	f.prices["ETHUSDT"] = 51
	f.monitor.CheckPositions(context.Background(), time.Now())
	if f.router.Book().Count() != 1 {
		t.Fatal("No exit expected between stop and target")
	}

	// Target touch on a short is a drop
	f.prices["ETHUSDT"] = 44
	f.monitor.CheckPositions(context.Background(), time.Now())
	if f.router.Book().Count() != 0 {
		t.Fatal("Expected take-profit exit on short")
	}
	recs := f.outcomes.list()
	if len(recs) != 1 || !recs[0].Won || recs[0].PnL != 60 {
		t.Errorf("Expected winning short with PnL 60, got %+v", recs)
	}
}

func TestGlobalHoldingScopeGatesOnYoungest(t *testing.T) {
	f := newFixture(t, Config{MinHoldingPeriod: time.Hour, HoldingScope: ScopeGlobal})
	openLong(t, f, "BTCUSDT", 5)
	openLong(t, f, "ETHUSDT", 10)

	// BTC target touched; its own age is irrelevant, the younger ETH position
	// holds the gate closed until an hour after ETH opened
	f.prices["BTCUSDT"] = 115
	f.monitor.CheckPositions(context.Background(), time.Now().Add(30*time.Minute))
	if f.router.Book().Get("BTCUSDT") == nil {
		t.Fatal("Global scope should defer while any position is young")
	}

	f.monitor.CheckPositions(context.Background(), time.Now().Add(2*time.Hour))
	if f.router.Book().Get("BTCUSDT") != nil {
		t.Fatal("Expected exit after the global holding period elapsed")
	}
}

func TestSignalReversalClosesOpposite(t *testing.T) {
	f := newFixture(t, Config{})
	openLong(t, f, "BTCUSDT", 5)

	// Same-side consensus is a no-op
	f.monitor.SignalReversal(context.Background(), "BTCUSDT", models.SideLong)
	if f.router.Book().Count() != 1 {
		t.Fatal("Same-side signal must not close the position")
	}

	f.monitor.SignalReversal(context.Background(), "BTCUSDT", models.SideShort)
	if f.router.Book().Count() != 0 {
		t.Fatal("Opposite-side signal should close the position")
	}
	recs := f.outcomes.list()
	if len(recs) != 1 {
		t.Fatalf("Expected 1 outcome record, got %d", len(recs))
	}
}

func TestReversalRespectsHoldingPeriod(t *testing.T) {
	f := newFixture(t, Config{MinHoldingPeriod: time.Hour, HoldingScope: ScopePerSymbol})
	openLong(t, f, "BTCUSDT", 5)

	f.monitor.SignalReversal(context.Background(), "BTCUSDT", models.SideShort)
	if f.router.Book().Count() != 1 {
		t.Fatal("Reversal inside holding period must defer")
	}
}

func TestCloseAllOnShutdown(t *testing.T) {
	f := newFixture(t, Config{MinHoldingPeriod: time.Hour})
	openLong(t, f, "BTCUSDT", 5)
	openLong(t, f, "ETHUSDT", 10)

	f.monitor.CloseAll(context.Background())
	if f.router.Book().Count() != 0 {
		t.Fatalf("Expected empty book after CloseAll, got %d", f.router.Book().Count())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{PollInterval: time.Millisecond, ReconcileInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Monitor did not stop on context cancellation")
	}
}

func TestReconcileAdoptsBrokerCount(t *testing.T) {
	f := newFixture(t, Config{})
	openLong(t, f, "BTCUSDT", 5)

	if err := f.monitor.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if snap := f.state.Snapshot(); snap.OpenPositionCount != 1 {
		t.Errorf("Expected count 1 after reconcile, got %d", snap.OpenPositionCount)
	}
}
