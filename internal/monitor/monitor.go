// Package monitor polls open positions and drives exits. Stop-loss exits
// always run immediately; take-profit and reversal exits wait out the
// minimum holding period.
package monitor

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"consensus-trading-bot/internal/broker"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/execution"
	"consensus-trading-bot/internal/models"
	"consensus-trading-bot/internal/risk"
)

// Holding period scopes
const (
	ScopePerSymbol = "per_symbol"
	ScopeGlobal    = "global"
)

// Config holds monitor tuning
type Config struct {
	PollInterval      time.Duration
	MinHoldingPeriod  time.Duration
	HoldingScope      string // per_symbol or global
	ReconcileInterval time.Duration
}

// Recorder receives the outcome of every closed position. The database
// repository and the calibrator both sit behind this.
type Recorder interface {
	RecordOutcome(ctx context.Context, rec models.OutcomeRecord) error
}

// SignalResolver looks up the signal that opened a position, for outcome
// attribution
type SignalResolver interface {
	GetSignal(signalID string) (*models.Signal, bool)
}

// Monitor watches open positions and closes them on stop/target touch,
// signal reversal or shutdown
type Monitor struct {
	cfg      Config
	router   *execution.Router
	client   broker.Client
	state    *risk.RiskState
	bus      *events.EventBus
	recorder Recorder
	resolver SignalResolver
	logger   zerolog.Logger
}

// New creates a position monitor
func New(cfg Config, router *execution.Router, client broker.Client, state *risk.RiskState, bus *events.EventBus, recorder Recorder, resolver SignalResolver, logger zerolog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HoldingScope == "" {
		cfg.HoldingScope = ScopePerSymbol
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Minute
	}
	return &Monitor{
		cfg:      cfg,
		router:   router,
		client:   client,
		state:    state,
		bus:      bus,
		recorder: recorder,
		resolver: resolver,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Run drives the poll and reconcile loops until the context is cancelled
func (m *Monitor) Run(ctx context.Context) {
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()
	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	defer reconcile.Stop()

	m.logger.Info().
		Dur("poll_interval", m.cfg.PollInterval).
		Dur("min_holding_period", m.cfg.MinHoldingPeriod).
		Str("holding_scope", m.cfg.HoldingScope).
		Msg("Position monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Position monitor stopped")
			return
		case <-poll.C:
			m.CheckPositions(ctx, time.Now())
		case <-reconcile.C:
			if err := m.Reconcile(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Reconciliation failed")
			}
		}
	}
}

// CheckPositions evaluates every open position once against current prices
func (m *Monitor) CheckPositions(ctx context.Context, now time.Time) {
	for _, pos := range m.router.Book().List() {
		price, err := m.client.GetPrice(ctx, pos.Symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Price fetch failed, skipping check")
			continue
		}
		m.checkOne(ctx, pos, price, now)
	}
}

func (m *Monitor) checkOne(ctx context.Context, pos *models.Position, price float64, now time.Time) {
	if stopTouched(pos, price) {
		// Risk control outranks the holding period
		m.close(ctx, pos.Symbol, execution.ExitReasonStopLoss)
		return
	}
	if targetTouched(pos, price) {
		if !m.holdingSatisfied(pos, now) {
			m.logger.Debug().
				Str("symbol", pos.Symbol).
				Msg("Target touched inside minimum holding period, deferring exit")
			return
		}
		m.close(ctx, pos.Symbol, execution.ExitReasonTakeProfit)
	}
}

// SignalReversal closes the open position on symbol when a fresh consensus
// points the other way. Respects the minimum holding period.
func (m *Monitor) SignalReversal(ctx context.Context, symbol string, newSide models.Side) {
	pos := m.router.Book().Get(symbol)
	if pos == nil || pos.Side == newSide {
		return
	}
	if !m.holdingSatisfied(pos, time.Now()) {
		m.logger.Debug().Str("symbol", symbol).Msg("Reversal inside minimum holding period, deferring")
		return
	}
	m.close(ctx, symbol, execution.ExitReasonReversal)
}

// CloseAll exits every open position, used on shutdown. Bypasses the holding
// period so brackets are never left dangling.
func (m *Monitor) CloseAll(ctx context.Context) {
	for _, pos := range m.router.Book().List() {
		m.close(ctx, pos.Symbol, execution.ExitReasonShutdown)
	}
}

func (m *Monitor) close(ctx context.Context, symbol, reason string) {
	closed, err := m.router.ClosePosition(ctx, symbol, reason)
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", symbol).Str("reason", reason).Msg("Exit failed")
		return
	}
	m.recordOutcome(ctx, closed)
}

func (m *Monitor) recordOutcome(ctx context.Context, pos *models.Position) {
	if m.recorder == nil || pos.ClosedAt == nil {
		return
	}

	rec := models.OutcomeRecord{
		SignalID: pos.SignalID,
		Symbol:   pos.Symbol,
		Won:      pos.Outcome == models.OutcomeWin,
		PnL:      pos.PnL(),
		ClosedAt: *pos.ClosedAt,
	}
	if m.resolver != nil {
		if sig, ok := m.resolver.GetSignal(pos.SignalID); ok {
			rec.RawConfidence = sig.RawConfidence
			rec.Regime = sig.Regime
		}
	}

	if err := m.recorder.RecordOutcome(ctx, rec); err != nil {
		m.logger.Error().Err(err).Str("signal_id", pos.SignalID).Msg("Outcome record failed")
	}
}

// holdingSatisfied reports whether an ordinary exit is allowed yet. In
// per-symbol scope only this position's age counts; in global scope the
// youngest open position gates everyone.
func (m *Monitor) holdingSatisfied(pos *models.Position, now time.Time) bool {
	if m.cfg.MinHoldingPeriod <= 0 {
		return true
	}
	if m.cfg.HoldingScope == ScopeGlobal {
		youngest := pos.OpenedAt
		for _, p := range m.router.Book().List() {
			if p.OpenedAt.After(youngest) {
				youngest = p.OpenedAt
			}
		}
		return now.Sub(youngest) >= m.cfg.MinHoldingPeriod
	}
	return now.Sub(pos.OpenedAt) >= m.cfg.MinHoldingPeriod
}

// Reconcile compares the local book against the broker's positions and
// surfaces drift. The broker is authoritative for position count.
func (m *Monitor) Reconcile(ctx context.Context) error {
	remote, err := m.client.GetPositions(ctx)
	if err != nil {
		return err
	}

	remoteBySymbol := make(map[string]broker.Position, len(remote))
	remoteOpen := 0
	for _, p := range remote {
		if p.Quantity != 0 {
			remoteBySymbol[p.Symbol] = p
			remoteOpen++
		}
	}

	drift := 0
	for _, pos := range m.router.Book().List() {
		rp, ok := remoteBySymbol[pos.Symbol]
		if !ok {
			drift++
			m.publishDrift(pos.Symbol, "missing_at_broker", pos.Quantity, 0)
			continue
		}
		wantQty := pos.Quantity
		if pos.Side == models.SideShort {
			wantQty = -pos.Quantity
		}
		if math.Abs(rp.Quantity-wantQty) > 1e-9 {
			drift++
			m.publishDrift(pos.Symbol, "quantity_mismatch", wantQty, rp.Quantity)
		}
		delete(remoteBySymbol, pos.Symbol)
	}
	for symbol, rp := range remoteBySymbol {
		drift++
		m.publishDrift(symbol, "unknown_at_local", 0, rp.Quantity)
	}

	m.state.SetOpenPositionCount(remoteOpen)
	if drift > 0 {
		m.logger.Warn().Int("mismatches", drift).Msg("Reconciliation found drift")
	}
	return nil
}

func (m *Monitor) publishDrift(symbol, kind string, localQty, brokerQty float64) {
	m.bus.Publish(events.Event{
		Type: events.EventReconcileDrift,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"kind":       kind,
			"local_qty":  localQty,
			"broker_qty": brokerQty,
		},
	})
}

func stopTouched(pos *models.Position, price float64) bool {
	if pos.Side == models.SideLong {
		return price <= pos.StopPrice
	}
	return price >= pos.StopPrice
}

func targetTouched(pos *models.Position, price float64) bool {
	if pos.Side == models.SideLong {
		return price >= pos.TargetPrice
	}
	return price <= pos.TargetPrice
}
