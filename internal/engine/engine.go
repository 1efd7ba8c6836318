// Package engine runs the live signal pipeline: collect adapter votes,
// form consensus, calibrate confidence, validate risk, size and route.
// Each symbol is processed independently inside a bounded worker pool so
// one slow source cannot stall the rest of the watchlist.
package engine

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/calibration"
	"consensus-trading-bot/internal/circuit"
	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/execution"
	"consensus-trading-bot/internal/logging"
	"consensus-trading-bot/internal/marketdata"
	"consensus-trading-bot/internal/models"
	"consensus-trading-bot/internal/monitor"
	"consensus-trading-bot/internal/risk"
	"consensus-trading-bot/internal/sources"
)

const (
	barsPerDecision = 120
	atrPeriod       = 14
	volPeriod       = 20
)

// SignalStore persists signals and risk rejections. The database repository
// implements it; tests use an in-memory stub.
type SignalStore interface {
	CreateSignal(ctx context.Context, signal *models.Signal) error
	CreateRejection(ctx context.Context, rejection *models.RejectionRecord) error
}

// Publisher pushes signals downstream. Satisfied by the sync pusher.
type Publisher interface {
	Push(ctx context.Context, signal *models.Signal) error
}

// Engine drives the live generation cycle
type Engine struct {
	cfg        config.EngineConfig
	collector  *sources.Collector
	provider   marketdata.Provider
	consensus  *consensus.Engine
	calibrator *calibration.Calibrator
	validator  *risk.Validator
	sizer      *risk.Sizer
	state      *risk.RiskState
	router     *execution.Router
	monitor    *monitor.Monitor
	breaker    *circuit.Breaker
	store      SignalStore
	publisher  Publisher
	bus        *events.EventBus
	logger     zerolog.Logger

	signals *SignalIndex
}

// Deps bundles the pipeline components the engine coordinates. breaker,
// store and publisher may be nil when those subsystems are disabled.
type Deps struct {
	Collector  *sources.Collector
	Provider   marketdata.Provider
	Consensus  *consensus.Engine
	Calibrator *calibration.Calibrator
	Validator  *risk.Validator
	Sizer      *risk.Sizer
	State      *risk.RiskState
	Router     *execution.Router
	Monitor    *monitor.Monitor
	Breaker    *circuit.Breaker
	Store      SignalStore
	Publisher  Publisher
	Bus        *events.EventBus

	// SignalIndex is shared with the monitor's signal resolver. Created
	// internally when nil.
	SignalIndex *SignalIndex
}

// New creates the live engine
func New(cfg config.EngineConfig, deps Deps, logger zerolog.Logger) (*Engine, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("engine requires at least one symbol")
	}
	if deps.Collector == nil || deps.Provider == nil || deps.Consensus == nil ||
		deps.Calibrator == nil || deps.Validator == nil || deps.Sizer == nil ||
		deps.State == nil || deps.Router == nil {
		return nil, fmt.Errorf("engine is missing a required component")
	}

	index := deps.SignalIndex
	if index == nil {
		index = NewSignalIndex(1024)
	}

	return &Engine{
		cfg:        cfg,
		collector:  deps.Collector,
		provider:   deps.Provider,
		consensus:  deps.Consensus,
		calibrator: deps.Calibrator,
		validator:  deps.Validator,
		sizer:      deps.Sizer,
		state:      deps.State,
		router:     deps.Router,
		monitor:    deps.Monitor,
		breaker:    deps.Breaker,
		store:      deps.Store,
		publisher:  deps.Publisher,
		bus:        deps.Bus,
		logger:     logger.With().Str("component", "engine").Logger(),
		signals:    index,
	}, nil
}

// Signals exposes the in-memory signal index, which also serves as the
// monitor's signal resolver
func (e *Engine) Signals() *SignalIndex {
	return e.signals
}

// Run executes generation cycles until the context is cancelled
func (e *Engine) Run(ctx context.Context) {
	interval := time.Duration(e.cfg.CycleInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().
		Int("symbols", len(e.cfg.Symbols)).
		Dur("interval", interval).
		Int("workers", e.cfg.WorkerCount).
		Msg("Engine started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine stopped")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle processes every configured symbol once through the worker pool.
// Each cycle carries its own trace id so all log lines it produces can be
// correlated across symbols.
func (e *Engine) RunCycle(ctx context.Context) {
	ctx, _ = logging.WithTraceID(ctx)

	workers := e.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan string)
	var wg gosync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				e.processSymbol(ctx, symbol)
			}
		}()
	}

	for _, symbol := range e.cfg.Symbols {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- symbol:
		}
	}
	close(jobs)
	wg.Wait()
}

// log returns the engine logger stamped with the cycle trace id, when the
// context carries one
func (e *Engine) log(ctx context.Context) *zerolog.Logger {
	if id := logging.TraceID(ctx); id != "" {
		l := e.logger.With().Str("trace_id", id).Logger()
		return &l
	}
	return &e.logger
}

// processSymbol runs one symbol through the full decision pipeline. Failures
// are logged and skipped; the next cycle retries from scratch.
func (e *Engine) processSymbol(ctx context.Context, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			e.log(ctx).Error().Str("symbol", symbol).Interface("panic", r).Msg("Pipeline panic recovered")
			if e.bus != nil {
				e.bus.PublishError("engine", fmt.Sprintf("pipeline panic for %s", symbol), fmt.Errorf("%v", r))
			}
		}
	}()

	if e.breaker != nil {
		if ok, reason := e.breaker.Allow(); !ok {
			e.log(ctx).Debug().Str("symbol", symbol).Str("reason", reason).Msg("Circuit breaker holding")
			return
		}
	}

	votes := e.collector.Collect(ctx, symbol)
	decision := e.consensus.Vote(symbol, votes, time.Now())
	if decision.NoSignal {
		return
	}

	side := models.SideLong
	action := models.ActionBuy
	if decision.Direction == models.SideShort {
		side = models.SideShort
		action = models.ActionSell
	}

	// An open position on the opposite side is a reversal: the monitor
	// closes it once the holding period allows. Entry waits for the next
	// cycle so close and reopen never race.
	if existing := e.router.Book().Get(symbol); existing != nil {
		if existing.Side != side && e.monitor != nil {
			e.monitor.SignalReversal(ctx, symbol, side)
		}
		return
	}

	bars, err := e.provider.GetKlines(ctx, symbol, barsPerDecision)
	if err != nil {
		e.log(ctx).Warn().Str("symbol", symbol).Err(err).Msg("Failed to fetch bars")
		return
	}
	if len(bars) < barsPerDecision/2 {
		return
	}

	atr := marketdata.ATR(bars, atrPeriod)
	if atr <= 0 {
		return
	}

	entry := bars[len(bars)-1].Close
	stop, target := models.BuildBracket(side, entry, atr)
	calibrated := e.calibrator.Calibrate(decision.RawConfidence)

	signal := &models.Signal{
		SignalID:      uuid.New().String(),
		Symbol:        symbol,
		Action:        action,
		EntryPrice:    entry,
		StopPrice:     stop,
		TargetPrice:   target,
		Confidence:    calibrated.Confidence,
		RawConfidence: decision.RawConfidence,
		Uncalibrated:  calibrated.Uncalibrated,
		Regime:        marketdata.ClassifyRegime(bars),
		Strategy:      "consensus",
		SourceVotes:   decision.Votes,
		CreatedAt:     time.Now(),
	}
	signal.Seal()

	e.persistSignal(ctx, signal)

	snapshot := e.state.Snapshot()
	verdict := e.validator.Validate(signal, snapshot, e.openPositions())
	if !verdict.Approved() {
		e.recordRejection(ctx, signal, verdict.Reason, verdict.Gate)
		return
	}

	volatility := marketdata.RealizedVolatility(bars, volPeriod)
	quantity := e.sizer.Size(signal.Confidence, snapshot.Equity, entry, volatility, snapshot.Drawdown)
	if quantity <= 0 {
		return
	}

	if _, err := e.router.Execute(ctx, signal, quantity); err != nil {
		if errors.Is(err, execution.ErrDuplicatePosition) {
			return
		}
		e.log(ctx).Error().Str("symbol", symbol).Str("signal_id", signal.SignalID).Err(err).Msg("Execution failed")
		if e.bus != nil {
			e.bus.PublishError("engine", fmt.Sprintf("execution failed for %s", symbol), err)
		}
		return
	}

	e.signals.Put(signal)
}

func (e *Engine) persistSignal(ctx context.Context, signal *models.Signal) {
	if e.store != nil {
		if err := e.store.CreateSignal(ctx, signal); err != nil {
			e.log(ctx).Error().Str("signal_id", signal.SignalID).Err(err).Msg("Failed to persist signal")
		}
	}
	if e.bus != nil {
		e.bus.PublishSignalGenerated(signal.SignalID, signal.Symbol, string(signal.Action), signal.Confidence)
	}
	if e.publisher != nil {
		go func(s *models.Signal) {
			if err := e.publisher.Push(context.Background(), s); err != nil {
				e.logger.Warn().Str("signal_id", s.SignalID).Err(err).Msg("Downstream push failed")
			}
		}(signal)
	}
}

func (e *Engine) recordRejection(ctx context.Context, signal *models.Signal, reason string, gate int) {
	// Holding an existing same-side position is routine, not an audit event
	if reason == risk.ReasonPositionAlreadyExists {
		return
	}

	e.log(ctx).Info().
		Str("symbol", signal.Symbol).
		Str("signal_id", signal.SignalID).
		Str("reason", reason).
		Int("gate", gate).
		Float64("confidence", signal.Confidence).
		Msg("Signal rejected")

	if e.store != nil {
		rejection := &models.RejectionRecord{
			SignalID:   signal.SignalID,
			Symbol:     signal.Symbol,
			Reason:     reason,
			Gate:       gate,
			RecordedAt: time.Now(),
		}
		if err := e.store.CreateRejection(ctx, rejection); err != nil {
			e.log(ctx).Error().Str("signal_id", signal.SignalID).Err(err).Msg("Failed to persist rejection")
		}
	}
	if e.bus != nil {
		e.bus.PublishSignalRejected(signal.SignalID, signal.Symbol, reason, gate)
	}
}

func (e *Engine) openPositions() []risk.OpenPosition {
	list := e.router.Book().List()
	open := make([]risk.OpenPosition, 0, len(list))
	for _, pos := range list {
		open = append(open, risk.OpenPosition{Symbol: pos.Symbol, Side: pos.Side})
	}
	return open
}
