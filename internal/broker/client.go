// Package broker abstracts the brokerage the execution router trades
// through. The live pipeline and tests run against the paper client; a real
// brokerage adapter implements the same interface.
package broker

import (
	"context"
	"errors"
	"time"
)

// Order sides and statuses as the brokerage reports them
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
	StatusCanceled = "CANCELED"
)

// ErrInsufficientFunds is returned when the account cannot cover the order
var ErrInsufficientFunds = errors.New("insufficient funds")

// OrderRequest describes one market order
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	ReduceOnly bool    `json:"reduce_only"`
}

// OrderResult is the brokerage acknowledgement of an order
type OrderResult struct {
	OrderID   int64     `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Status    string    `json:"status"`
	Quantity  float64   `json:"quantity"`
	FillPrice float64   `json:"fill_price"`
	FilledAt  time.Time `json:"filled_at"`
}

// Position is the brokerage's view of one open position. Quantity is signed,
// positive for long and negative for short.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Account is the brokerage's view of the trading account
type Account struct {
	Balance       float64 `json:"balance"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Equity        float64 `json:"equity"`
}

// Client is the brokerage operations the pipeline needs
type Client interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
}
