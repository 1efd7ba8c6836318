package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"consensus-trading-bot/internal/calibration"
	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/history"
	"consensus-trading-bot/internal/marketdata"
	"consensus-trading-bot/internal/models"
	"consensus-trading-bot/internal/risk"
	"consensus-trading-bot/internal/sources"
)

// Exit reasons recorded on backtest trades. Stop/target/reversal mirror the
// live monitor; end_of_data closes whatever survives the last bar.
const (
	exitStopLoss   = "stop_loss"
	exitTakeProfit = "take_profit"
	exitReversal   = "signal_reversal"
	exitEndOfData  = "end_of_data"
)

// Config holds replay tuning
type Config struct {
	InitialCapital     float64
	WarmupBars         int // Bars consumed before the first signal
	MaxDrawdownPercent float64
	MinHoldingPeriod   time.Duration
	Tier               LiquidityTier
	BucketSize         float64 // Confidence bucket width for the report
	VolatilityBaseline float64 // Normal realized volatility for cost scaling
}

// Pipeline bundles the decision components the replay shares with live
// trading. The engine never constructs its own: callers inject the same
// types main wires for the live loop.
type Pipeline struct {
	Adapters   []sources.Adapter
	Consensus  *consensus.Engine
	Calibrator *calibration.Calibrator
	Validator  *risk.Validator
	Sizer      *risk.Sizer
}

// Result is one completed replay
type Result struct {
	Run        models.BacktestRun
	Trades     []models.BacktestTrade
	Rejections []models.RejectionRecord
	Stats      Stats
}

// Engine replays the decision pipeline over a historical bar series
type Engine struct {
	cfg      Config
	pipeline Pipeline
	costs    *CostModel
	logger   zerolog.Logger
}

// openTrade is the replay's single in-flight position
type openTrade struct {
	signal     *models.Signal
	quantity   float64
	entryPrice float64
	entryTime  time.Time
	entryBar   int
	entryCosts Costs
}

// NewEngine creates a replay engine
func NewEngine(cfg Config, pipeline Pipeline, logger zerolog.Logger) (*Engine, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %.2f", cfg.InitialCapital)
	}
	if cfg.WarmupBars < 50 {
		cfg.WarmupBars = 50
	}
	if cfg.Tier == "" {
		cfg.Tier = TierDeep
	}
	if cfg.VolatilityBaseline <= 0 {
		cfg.VolatilityBaseline = 0.02
	}
	costs, err := NewCostModel(cfg.Tier)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		pipeline: pipeline,
		costs:    costs,
		logger:   logger.With().Str("component", "backtest").Logger(),
	}, nil
}

// Run replays one symbol over the given bars. Out-of-order bars and bias
// violations abort the run rather than producing corrupted statistics.
func (e *Engine) Run(ctx context.Context, symbol string, bars []marketdata.Kline) (*Result, error) {
	if len(bars) <= e.cfg.WarmupBars {
		return nil, fmt.Errorf("need more than %d bars for %s, got %d", e.cfg.WarmupBars, symbol, len(bars))
	}
	if _, err := history.ValidateBars(symbol, bars, 0); err != nil {
		return nil, fmt.Errorf("refusing corrupt input: %w", err)
	}

	runID := uuid.NewString()
	window := NewBarWindow(bars)
	state := risk.NewRiskState(e.cfg.InitialCapital, e.cfg.MaxDrawdownPercent)

	result := &Result{
		Run: models.BacktestRun{
			RunID:          runID,
			Symbol:         symbol,
			Start:          bars[0].Timestamp(),
			End:            bars[len(bars)-1].Timestamp(),
			InitialCapital: e.cfg.InitialCapital,
			CreatedAt:      time.Now(),
		},
	}

	var open *openTrade
	for window.Advance() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bar, err := window.Current()
		if err != nil {
			return nil, fmt.Errorf("run %s aborted: %w", runID, err)
		}
		if window.Cursor() < e.cfg.WarmupBars {
			continue
		}

		if open != nil {
			open, err = e.checkExits(result, state, open, bar, window)
			if err != nil {
				return nil, fmt.Errorf("run %s aborted: %w", runID, err)
			}
		}

		signal, rejection, err := e.decide(symbol, state, open, window)
		if err != nil {
			return nil, fmt.Errorf("run %s aborted: %w", runID, err)
		}
		if rejection != nil {
			result.Rejections = append(result.Rejections, *rejection)
			continue
		}
		if signal == nil {
			continue
		}

		// An opposite-side signal closes the open trade (reversal) and the
		// fresh signal opens the flip. Same-side duplicates never get here;
		// the validator filters them.
		if open != nil {
			if !e.holdingElapsed(open, bar) {
				continue
			}
			open = e.closeTrade(result, state, open, bar.Close, bar, exitReversal, window)
		}

		open = e.enter(state, signal, bar, window)
	}

	// Whatever is still open settles at the final close
	if open != nil {
		last := bars[len(bars)-1]
		e.closeTrade(result, state, open, last.Close, last, exitEndOfData, window)
	}

	snap := state.Snapshot()
	result.Run.FinalEquity = snap.Equity
	result.Run.TotalTrades = len(result.Trades)
	result.Stats = ComputeStats(result.Trades, e.cfg.InitialCapital, e.cfg.BucketSize)

	e.logger.Info().
		Str("run_id", runID).
		Str("symbol", symbol).
		Int("trades", len(result.Trades)).
		Int("rejections", len(result.Rejections)).
		Float64("final_equity", snap.Equity).
		Msg("Backtest run complete")

	return result, nil
}

// decide runs consensus, calibration and risk validation at the cursor.
// A nil signal and nil rejection means no actionable candidate this bar.
func (e *Engine) decide(symbol string, state *risk.RiskState, open *openTrade, window *BarWindow) (*models.Signal, *models.RejectionRecord, error) {
	bar, err := window.Current()
	if err != nil {
		return nil, nil, err
	}
	visible := window.Visible()
	now := bar.Timestamp()

	votes := make([]consensus.AdapterVote, 0, len(e.pipeline.Adapters))
	for _, adapter := range e.pipeline.Adapters {
		direction, strength, ok := adapter.EvaluateBars(visible)
		if !ok {
			continue
		}
		votes = append(votes, consensus.AdapterVote{
			Source:    adapter.Name(),
			Direction: direction,
			Strength:  strength,
			Weight:    adapter.Weight(),
			FetchedAt: now,
		})
	}

	decision := e.pipeline.Consensus.Vote(symbol, votes, now)
	if decision.NoSignal {
		return nil, nil, nil
	}

	atr := marketdata.ATR(visible, 14)
	if atr <= 0 {
		return nil, nil, nil
	}

	calibrated := e.pipeline.Calibrator.Calibrate(decision.RawConfidence)
	entry := bar.Close
	action := models.ActionBuy
	if decision.Direction == models.SideShort {
		action = models.ActionSell
	}
	stop, target := models.BuildBracket(decision.Direction, entry, atr)

	signal := &models.Signal{
		SignalID:      uuid.NewString(),
		Symbol:        symbol,
		Action:        action,
		EntryPrice:    entry,
		StopPrice:     stop,
		TargetPrice:   target,
		Confidence:    calibrated.Confidence,
		RawConfidence: decision.RawConfidence,
		Uncalibrated:  calibrated.Uncalibrated,
		Regime:        marketdata.ClassifyRegime(visible),
		Strategy:      "consensus",
		SourceVotes:   decision.Votes,
		CreatedAt:     now,
	}
	signal.Seal()

	var openPositions []risk.OpenPosition
	if open != nil {
		openPositions = append(openPositions, risk.OpenPosition{
			Symbol: open.signal.Symbol,
			Side:   open.signal.Action.PositionSide(),
		})
	}

	verdict := e.pipeline.Validator.Validate(signal, state.Snapshot(), openPositions)
	if !verdict.Approved() {
		// A same-side duplicate is just "still holding", not an auditable
		// rejection
		if verdict.Reason == risk.ReasonPositionAlreadyExists {
			return nil, nil, nil
		}
		return nil, &models.RejectionRecord{
			SignalID:   signal.SignalID,
			Symbol:     symbol,
			Reason:     verdict.Reason,
			Gate:       verdict.Gate,
			RecordedAt: now,
		}, nil
	}

	return signal, nil, nil
}

// enter sizes and fills a fresh entry at the cursor bar's close. A zero
// size (drawdown scaled the position away) opens nothing.
func (e *Engine) enter(state *risk.RiskState, signal *models.Signal, bar marketdata.Kline, window *BarWindow) *openTrade {
	visible := window.Visible()
	snap := state.Snapshot()
	volatility := marketdata.RealizedVolatility(visible, 20)

	quantity := e.pipeline.Sizer.Size(signal.Confidence, snap.Equity, signal.EntryPrice, volatility, snap.Drawdown)
	if quantity <= 0 {
		return nil
	}

	avgVolume := marketdata.AverageVolume(visible, 20)
	costs := e.costs.Fill(signal.EntryPrice, quantity, avgVolume, e.volatilityMultiplier(volatility))

	state.ApplyFill(0, 1)
	return &openTrade{
		signal:     signal,
		quantity:   quantity,
		entryPrice: signal.EntryPrice,
		entryTime:  bar.Timestamp(),
		entryBar:   window.Cursor(),
		entryCosts: costs,
	}
}

// checkExits applies stop and target touches for the cursor bar. The stop
// is checked first and bypasses the holding period; a target touch inside
// the holding period defers, exactly as the live monitor behaves.
func (e *Engine) checkExits(result *Result, state *risk.RiskState, open *openTrade, bar marketdata.Kline, window *BarWindow) (*openTrade, error) {
	side := open.signal.Action.PositionSide()

	var stopHit, targetHit bool
	if side == models.SideLong {
		stopHit = bar.Low <= open.signal.StopPrice
		targetHit = bar.High >= open.signal.TargetPrice
	} else {
		stopHit = bar.High >= open.signal.StopPrice
		targetHit = bar.Low <= open.signal.TargetPrice
	}

	if stopHit {
		return e.closeTrade(result, state, open, open.signal.StopPrice, bar, exitStopLoss, window), nil
	}
	if targetHit && e.holdingElapsed(open, bar) {
		return e.closeTrade(result, state, open, open.signal.TargetPrice, bar, exitTakeProfit, window), nil
	}
	return open, nil
}

func (e *Engine) holdingElapsed(open *openTrade, bar marketdata.Kline) bool {
	if e.cfg.MinHoldingPeriod <= 0 {
		return true
	}
	return bar.Timestamp().Sub(open.entryTime) >= e.cfg.MinHoldingPeriod
}

// closeTrade settles the open trade at exitPrice, charges exit costs,
// records the trade and feeds the outcome back to the calibrator
func (e *Engine) closeTrade(result *Result, state *risk.RiskState, open *openTrade, exitPrice float64, bar marketdata.Kline, reason string, window *BarWindow) *openTrade {
	side := open.signal.Action.PositionSide()

	gross := (exitPrice - open.entryPrice) * open.quantity
	if side == models.SideShort {
		gross = -gross
	}

	visible := window.Visible()
	avgVolume := marketdata.AverageVolume(visible, 20)
	volatility := marketdata.RealizedVolatility(visible, 20)
	exitCosts := e.costs.Fill(exitPrice, open.quantity, avgVolume, e.volatilityMultiplier(volatility))

	slippage := open.entryCosts.Slippage + exitCosts.Slippage
	spread := open.entryCosts.Spread + exitCosts.Spread
	commission := open.entryCosts.Commission + exitCosts.Commission
	net := gross - slippage - spread - commission

	result.Trades = append(result.Trades, models.BacktestTrade{
		RunID:        result.Run.RunID,
		SignalID:     open.signal.SignalID,
		Symbol:       open.signal.Symbol,
		Side:         side,
		Quantity:     open.quantity,
		EntryPrice:   open.entryPrice,
		ExitPrice:    exitPrice,
		EntryTime:    open.entryTime,
		ExitTime:     bar.Timestamp(),
		BarsHeld:     window.Cursor() - open.entryBar,
		ExitReason:   reason,
		GrossPnL:     gross,
		SlippageCost: slippage,
		SpreadCost:   spread,
		Commission:   commission,
		NetPnL:       net,
		Confidence:   open.signal.Confidence,
		Regime:       open.signal.Regime,
	})

	state.ApplyFill(net, -1)
	e.pipeline.Calibrator.Observe(open.signal.RawConfidence, net > 0)
	return nil
}

// volatilityMultiplier scales slippage up when realized volatility runs
// above baseline, never below 1
func (e *Engine) volatilityMultiplier(volatility float64) float64 {
	if volatility <= e.cfg.VolatilityBaseline {
		return 1.0
	}
	return volatility / e.cfg.VolatilityBaseline
}
