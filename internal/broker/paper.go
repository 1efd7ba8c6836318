package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PaperClient simulates a brokerage in memory for dry-run mode and tests.
// Market orders fill immediately at the price provider's current price.
type PaperClient struct {
	mu            sync.RWMutex
	balance       float64
	positions     map[string]*Position
	orders        map[int64]*OrderResult
	nextOrderID   int64
	priceProvider func(symbol string) (float64, error)
}

// NewPaperClient creates a paper brokerage seeded with an initial balance.
// priceProvider supplies the fill price per symbol.
func NewPaperClient(initialBalance float64, priceProvider func(symbol string) (float64, error)) *PaperClient {
	return &PaperClient{
		balance:       initialBalance,
		positions:     make(map[string]*Position),
		orders:        make(map[int64]*OrderResult),
		nextOrderID:   1000,
		priceProvider: priceProvider,
	}
}

// SubmitOrder fills a market order at the current price and updates the
// simulated position. Closing trades realize P&L into the balance.
func (c *PaperClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %.8f", req.Quantity)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	price, err := c.priceLocked(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fill price for %s: %w", req.Symbol, err)
	}

	delta := req.Quantity
	if req.Side == SideSell {
		delta = -req.Quantity
	}

	pos, exists := c.positions[req.Symbol]
	if !exists {
		if req.ReduceOnly {
			return nil, fmt.Errorf("reduce-only order with no position on %s", req.Symbol)
		}
		if req.Quantity*price > c.balance {
			return nil, ErrInsufficientFunds
		}
		pos = &Position{Symbol: req.Symbol}
		c.positions[req.Symbol] = pos
	}

	oldQty := pos.Quantity
	newQty := oldQty + delta

	switch {
	case oldQty == 0:
		if req.Quantity*price > c.balance {
			return nil, ErrInsufficientFunds
		}
		pos.EntryPrice = price
	case sameSign(oldQty, delta):
		// Adding to the position averages the entry
		pos.EntryPrice = (pos.EntryPrice*abs(oldQty) + price*abs(delta)) / abs(newQty)
	default:
		// Reducing, closing or flipping realizes P&L on the closed portion
		closedQty := min(abs(delta), abs(oldQty))
		if oldQty > 0 {
			c.balance += (price - pos.EntryPrice) * closedQty
		} else {
			c.balance += (pos.EntryPrice - price) * closedQty
		}
		if sameSign(newQty, delta) && newQty != 0 {
			// Flipped through zero: remainder opens at the fill price
			pos.EntryPrice = price
		}
	}

	pos.Quantity = newQty
	pos.MarkPrice = price
	if newQty == 0 {
		delete(c.positions, req.Symbol)
	}

	orderID := c.nextOrderID
	c.nextOrderID++

	result := &OrderResult{
		OrderID:   orderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Status:    StatusFilled,
		Quantity:  req.Quantity,
		FillPrice: price,
		FilledAt:  time.Now(),
	}
	c.orders[orderID] = result
	return result, nil
}

// CancelOrder is a no-op for filled paper orders and an error otherwise
func (c *PaperClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderID]
	if !ok || order.Symbol != symbol {
		return fmt.Errorf("unknown order %d for %s", orderID, symbol)
	}
	return nil
}

// GetPosition returns the position for a symbol, or a flat position when none
// is open
func (c *PaperClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, ok := c.positions[symbol]
	if !ok {
		return &Position{Symbol: symbol}, nil
	}
	out := *pos
	c.markLocked(&out)
	return &out, nil
}

// GetPositions returns all open positions
func (c *PaperClient) GetPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Position, 0, len(c.positions))
	for _, pos := range c.positions {
		p := *pos
		c.markLocked(&p)
		out = append(out, p)
	}
	return out, nil
}

// GetAccount returns the simulated account state
func (c *PaperClient) GetAccount(ctx context.Context) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	unrealized := 0.0
	for _, pos := range c.positions {
		p := *pos
		c.markLocked(&p)
		unrealized += p.UnrealizedPnL
	}

	return &Account{
		Balance:       c.balance,
		UnrealizedPnL: unrealized,
		Equity:        c.balance + unrealized,
	}, nil
}

// GetPrice returns the provider's current price for a symbol
func (c *PaperClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.priceLocked(symbol)
}

func (c *PaperClient) priceLocked(symbol string) (float64, error) {
	if c.priceProvider == nil {
		return 0, fmt.Errorf("no price provider configured")
	}
	return c.priceProvider(symbol)
}

// markLocked refreshes mark price and unrealized P&L on a copied position.
// Caller holds at least the read lock.
func (c *PaperClient) markLocked(pos *Position) {
	price, err := c.priceLocked(pos.Symbol)
	if err != nil {
		return
	}
	pos.MarkPrice = price
	if pos.Quantity > 0 {
		pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity
	} else {
		pos.UnrealizedPnL = (pos.EntryPrice - price) * (-pos.Quantity)
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
