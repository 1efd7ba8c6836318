// Package execution routes approved, sized signals to the brokerage and
// tracks the order lifecycle. The per-symbol lock spans the existing-position
// check through order submission so concurrent cycles cannot double-open a
// symbol.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"consensus-trading-bot/internal/broker"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/models"
	"consensus-trading-bot/internal/risk"
)

// Order lifecycle states
const (
	OrderStateSized     = "SIZED"
	OrderStateSubmitted = "SUBMITTED"
	OrderStateFilled    = "FILLED"
	OrderStateRejected  = "REJECTED"
	OrderStateBracketed = "BRACKETED"
	OrderStateClosed    = "CLOSED"
)

// Exit reasons recorded on closed positions
const (
	ExitReasonStopLoss   = "stop_loss"
	ExitReasonTakeProfit = "take_profit"
	ExitReasonReversal   = "signal_reversal"
	ExitReasonShutdown   = "shutdown"
	ExitReasonManual     = "manual"
)

// ErrDuplicatePosition is returned when a same-side position is already open
var ErrDuplicatePosition = errors.New("position already open on the same side")

// Order tracks one order's path through the lifecycle
type Order struct {
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	State     string    `json:"state"`
	BrokerID  int64     `json:"broker_id,omitempty"`
	FillPrice float64   `json:"fill_price,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config holds execution tuning
type Config struct {
	MaxRetries    int           // Bounded broker retry count
	RetryInterval time.Duration // Initial backoff interval
	SubmitTimeout time.Duration // Per-attempt broker call timeout
}

// Router is the order lifecycle state machine
type Router struct {
	cfg    Config
	client broker.Client
	book   *PositionBook
	state  *risk.RiskState
	bus    *events.EventBus
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRouter creates an execution router
func NewRouter(cfg Config, client broker.Client, book *PositionBook, state *risk.RiskState, bus *events.EventBus, logger zerolog.Logger) *Router {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	return &Router{
		cfg:    cfg,
		client: client,
		book:   book,
		state:  state,
		bus:    bus,
		logger: logger.With().Str("component", "execution").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Book exposes the shared open-position set
func (r *Router) Book() *PositionBook {
	return r.book
}

// symbolLock returns the mutex serializing executions for one symbol
func (r *Router) symbolLock(symbol string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[symbol] = lock
	}
	return lock
}

// Execute runs one sized signal through the order lifecycle. With an open
// opposite-side position the signal closes (and may flip) it in one
// transition; a same-side open position is a duplicate and an error.
func (r *Router) Execute(ctx context.Context, signal *models.Signal, quantity float64) (*models.Position, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("non-positive quantity %.8f for %s", quantity, signal.Symbol)
	}
	// Brackets are validated before submission, never corrected
	if !signal.ValidBracket() {
		return nil, fmt.Errorf("invalid bracket for %s %s: stop %.4f entry %.4f target %.4f",
			signal.Symbol, signal.Action, signal.StopPrice, signal.EntryPrice, signal.TargetPrice)
	}

	lock := r.symbolLock(signal.Symbol)
	lock.Lock()
	defer lock.Unlock()

	wantSide := signal.Action.PositionSide()
	existing := r.book.Get(signal.Symbol)

	if existing != nil {
		if existing.Side == wantSide {
			return nil, fmt.Errorf("%s %s: %w", signal.Symbol, wantSide, ErrDuplicatePosition)
		}
		// Opposite side: close the existing position as a reversal before
		// opening the new one
		if _, err := r.closeLocked(ctx, existing, ExitReasonReversal); err != nil {
			return nil, fmt.Errorf("closing %s before flip: %w", signal.Symbol, err)
		}
	}

	order := &Order{
		SignalID:  signal.SignalID,
		Symbol:    signal.Symbol,
		Side:      string(signal.Action),
		Quantity:  quantity,
		State:     OrderStateSized,
		UpdatedAt: time.Now(),
	}

	result, err := r.submit(ctx, order, broker.OrderRequest{
		Symbol:   signal.Symbol,
		Side:     string(signal.Action),
		Quantity: quantity,
	})
	if err != nil {
		return nil, err
	}

	pos := r.book.Open(&models.Position{
		SignalID:    signal.SignalID,
		Symbol:      signal.Symbol,
		Side:        wantSide,
		Quantity:    quantity,
		EntryPrice:  result.FillPrice,
		StopPrice:   signal.StopPrice,
		TargetPrice: signal.TargetPrice,
		OpenedAt:    result.FilledAt,
	})
	order.State = OrderStateBracketed
	order.UpdatedAt = time.Now()

	r.state.ApplyFill(0, 1)
	r.bus.PublishPositionOpened(pos.Symbol, string(pos.Side), pos.EntryPrice, pos.Quantity)

	r.logger.Info().
		Str("signal_id", signal.SignalID).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("entry_price", pos.EntryPrice).
		Float64("quantity", pos.Quantity).
		Float64("stop_price", pos.StopPrice).
		Float64("target_price", pos.TargetPrice).
		Msg("Position opened")

	return pos, nil
}

// ClosePosition exits the open position on symbol at market, recording the
// exit reason. Returns the finalized position.
func (r *Router) ClosePosition(ctx context.Context, symbol, reason string) (*models.Position, error) {
	lock := r.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	pos := r.book.Get(symbol)
	if pos == nil {
		return nil, fmt.Errorf("no open position on %s", symbol)
	}
	return r.closeLocked(ctx, pos, reason)
}

// closeLocked submits the closing order and finalizes the position.
// Caller holds the symbol lock.
func (r *Router) closeLocked(ctx context.Context, pos *models.Position, reason string) (*models.Position, error) {
	side := broker.SideSell
	if pos.Side == models.SideShort {
		side = broker.SideBuy
	}

	order := &Order{
		SignalID:  pos.SignalID,
		Symbol:    pos.Symbol,
		Side:      side,
		Quantity:  pos.Quantity,
		State:     OrderStateSized,
		UpdatedAt: time.Now(),
	}

	result, err := r.submit(ctx, order, broker.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	})
	if err != nil {
		return nil, err
	}

	closed := r.book.Close(pos.Symbol, result.FillPrice, reason, result.FilledAt)
	if closed == nil {
		return nil, fmt.Errorf("position on %s vanished during close", pos.Symbol)
	}
	order.State = OrderStateClosed
	order.UpdatedAt = time.Now()

	pnl := closed.PnL()
	r.state.ApplyFill(pnl, -1)
	r.bus.PublishPositionClosed(closed.Symbol, reason, result.FillPrice, pnl)

	r.logger.Info().
		Str("signal_id", closed.SignalID).
		Str("symbol", closed.Symbol).
		Str("exit_reason", reason).
		Float64("exit_price", result.FillPrice).
		Float64("pnl", pnl).
		Msg("Position closed")

	return closed, nil
}

// submit drives SIZED -> SUBMITTED -> FILLED/REJECTED with bounded retries.
// Persistent broker failure marks the order REJECTED and surfaces the broker
// error.
func (r *Router) submit(ctx context.Context, order *Order, req broker.OrderRequest) (*broker.OrderResult, error) {
	order.State = OrderStateSubmitted
	order.UpdatedAt = time.Now()
	r.bus.Publish(events.Event{
		Type: events.EventOrderSubmitted,
		Data: map[string]interface{}{
			"signal_id": order.SignalID,
			"symbol":    order.Symbol,
			"side":      order.Side,
			"quantity":  order.Quantity,
		},
	})

	var result *broker.OrderResult
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
		defer cancel()

		res, err := r.client.SubmitOrder(attemptCtx, req)
		if err != nil {
			if errors.Is(err, broker.ErrInsufficientFunds) {
				return backoff.Permanent(err)
			}
			return err
		}
		if res.Status != broker.StatusFilled {
			return backoff.Permanent(fmt.Errorf("broker returned status %s", res.Status))
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(r.cfg.RetryInterval),
		), uint64(r.cfg.MaxRetries)),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		order.State = OrderStateRejected
		order.Error = err.Error()
		order.UpdatedAt = time.Now()
		r.bus.Publish(events.Event{
			Type: events.EventOrderRejected,
			Data: map[string]interface{}{
				"signal_id": order.SignalID,
				"symbol":    order.Symbol,
				"error":     err.Error(),
			},
		})
		r.logger.Error().
			Err(err).
			Str("signal_id", order.SignalID).
			Str("symbol", order.Symbol).
			Msg("Order rejected after retries")
		return nil, fmt.Errorf("submit %s %s: %w", order.Side, order.Symbol, err)
	}

	order.State = OrderStateFilled
	order.BrokerID = result.OrderID
	order.FillPrice = result.FillPrice
	order.UpdatedAt = time.Now()
	r.bus.Publish(events.Event{
		Type: events.EventOrderFilled,
		Data: map[string]interface{}{
			"signal_id":  order.SignalID,
			"symbol":     order.Symbol,
			"fill_price": result.FillPrice,
		},
	})

	return result, nil
}
