package execution

import (
	"sync"
	"time"

	"consensus-trading-bot/internal/models"
)

// PositionBook is the in-process open-position set the router and monitor
// share. One open position per symbol; the router mutates it only inside the
// per-symbol execution lock.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	nextID    int64
}

// NewPositionBook creates an empty position book
func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[string]*models.Position),
		nextID:    1,
	}
}

// Get returns a copy of the open position for symbol, or nil when flat
func (b *PositionBook) Get(symbol string) *models.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// Open records a newly filled position and assigns its id
func (b *PositionBook) Open(pos *models.Position) *models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos.ID = b.nextID
	b.nextID++
	pos.Outcome = models.OutcomeOpen
	b.positions[pos.Symbol] = pos

	cp := *pos
	return &cp
}

// Close finalizes the open position for symbol and removes it from the book.
// Returns nil when no position is open.
func (b *PositionBook) Close(symbol string, exitPrice float64, reason string, closedAt time.Time) *models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return nil
	}
	delete(b.positions, symbol)

	pos.ClosedAt = &closedAt
	pos.ExitPrice = &exitPrice
	pos.ExitReason = reason
	if pos.PnL() > 0 {
		pos.Outcome = models.OutcomeWin
	} else {
		pos.Outcome = models.OutcomeLoss
	}

	cp := *pos
	return &cp
}

// List returns copies of all open positions
func (b *PositionBook) List() []*models.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*models.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of open positions
func (b *PositionBook) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}
