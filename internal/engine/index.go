package engine

import (
	"sync"

	"consensus-trading-bot/internal/models"
)

// SignalIndex is a bounded in-memory index of recently executed signals,
// keyed by signal id. The position monitor resolves outcome attribution
// through it without a database round trip.
type SignalIndex struct {
	mu       sync.RWMutex
	capacity int
	byID     map[string]*models.Signal
	order    []string // Insertion order for eviction
}

// NewSignalIndex creates an index holding at most capacity signals
func NewSignalIndex(capacity int) *SignalIndex {
	if capacity <= 0 {
		capacity = 256
	}
	return &SignalIndex{
		capacity: capacity,
		byID:     make(map[string]*models.Signal),
	}
}

// Put stores a signal, evicting the oldest entry when full
func (idx *SignalIndex) Put(signal *models.Signal) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.byID[signal.SignalID]; exists {
		return
	}

	for len(idx.order) >= idx.capacity {
		oldest := idx.order[0]
		idx.order = idx.order[1:]
		delete(idx.byID, oldest)
	}

	idx.byID[signal.SignalID] = signal
	idx.order = append(idx.order, signal.SignalID)
}

// GetSignal looks up a signal by id
func (idx *SignalIndex) GetSignal(signalID string) (*models.Signal, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	signal, ok := idx.byID[signalID]
	return signal, ok
}

// Len reports the number of indexed signals
func (idx *SignalIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}
