package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"consensus-trading-bot/internal/marketdata"
)

// MemoryStore keeps bars in memory, for tests and single-run backtests
type MemoryStore struct {
	mu   sync.RWMutex
	bars map[string][]marketdata.Kline
}

// NewMemoryStore creates an empty in-memory bar store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bars: make(map[string][]marketdata.Kline)}
}

// SaveBars appends a validated batch for a symbol
func (s *MemoryStore) SaveBars(ctx context.Context, symbol string, bars []marketdata.Kline) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := ValidateBars(symbol, bars, 0); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.bars[symbol]
	if len(existing) > 0 && len(bars) > 0 {
		last := existing[len(existing)-1].OpenTime
		if bars[0].OpenTime <= last {
			return fmt.Errorf("bars for %s not strictly increasing: stored tail %d, incoming head %d",
				symbol, last, bars[0].OpenTime)
		}
	}
	s.bars[symbol] = append(existing, bars...)
	return nil
}

// GetBars returns bars with open time in [start, end)
func (s *MemoryStore) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]marketdata.Kline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.bars[symbol]
	startMs, endMs := start.UnixMilli(), end.UnixMilli()

	lo := sort.Search(len(all), func(i int) bool { return all[i].OpenTime >= startMs })
	hi := sort.Search(len(all), func(i int) bool { return all[i].OpenTime >= endMs })

	out := make([]marketdata.Kline, hi-lo)
	copy(out, all[lo:hi])
	return out, nil
}

// Count returns the number of stored bars for a symbol
func (s *MemoryStore) Count(ctx context.Context, symbol string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars[symbol]), nil
}
