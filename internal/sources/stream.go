package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"consensus-trading-bot/internal/marketdata"
)

// streamBar is the wire shape of one bar update on the tick stream
type streamBar struct {
	Symbol    string  `json:"symbol"`
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
	Final     bool    `json:"final"` // True when the bar is closed
}

// StreamProvider maintains a rolling bar window per symbol from a websocket
// tick stream and serves it through the marketdata.Provider interface. It
// reconnects with a fixed delay until its context is cancelled.
type StreamProvider struct {
	url     string
	maxBars int
	logger  zerolog.Logger

	mu     sync.RWMutex
	bars   map[string][]marketdata.Kline
	prices map[string]float64

	reconnects int
}

// NewStreamProvider creates a stream-backed provider. maxBars bounds the
// per-symbol window.
func NewStreamProvider(url string, maxBars int, logger zerolog.Logger) *StreamProvider {
	if maxBars <= 0 {
		maxBars = 500
	}
	return &StreamProvider{
		url:     url,
		maxBars: maxBars,
		logger:  logger.With().Str("component", "stream").Logger(),
		bars:    make(map[string][]marketdata.Kline),
		prices:  make(map[string]float64),
	}
}

// Run connects and consumes the stream until the context is cancelled
func (s *StreamProvider) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.reconnects++
			s.logger.Warn().Err(err).Int("reconnects", s.reconnects).Msg("Stream dial failed, retrying in 3s")
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		s.logger.Info().Str("url", s.url).Msg("Stream connected")
		s.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.reconnects++
		s.logger.Warn().Msg("Stream connection lost, reconnecting in 3s")
		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (s *StreamProvider) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Stream read failed")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *StreamProvider) handleMessage(message []byte) {
	var bar streamBar
	if err := json.Unmarshal(message, &bar); err != nil {
		s.logger.Warn().Err(err).Msg("Unparseable stream message dropped")
		return
	}
	if bar.Symbol == "" {
		return
	}
	s.Apply(bar)
}

// Apply folds one bar update into the window. Exported so tests can drive
// the provider without a live socket.
func (s *StreamProvider) Apply(bar streamBar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[bar.Symbol] = bar.Close

	kline := marketdata.Kline{
		OpenTime:  bar.OpenTime,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		CloseTime: bar.CloseTime,
	}

	window := s.bars[bar.Symbol]
	if n := len(window); n > 0 && window[n-1].OpenTime == bar.OpenTime {
		// In-progress update of the current bar
		window[n-1] = kline
	} else if n > 0 && bar.OpenTime < window[n-1].OpenTime {
		// Late bar out of order, drop it
		return
	} else {
		window = append(window, kline)
		if len(window) > s.maxBars {
			window = window[len(window)-s.maxBars:]
		}
	}
	s.bars[bar.Symbol] = window
}

// GetKlines returns up to limit most recent bars for a symbol
func (s *StreamProvider) GetKlines(ctx context.Context, symbol string, limit int) ([]marketdata.Kline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	window := s.bars[symbol]
	if len(window) == 0 {
		return nil, fmt.Errorf("no bars for %s yet", symbol)
	}
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]marketdata.Kline, len(window))
	copy(out, window)
	return out, nil
}

// GetPrice returns the most recent traded price for a symbol
func (s *StreamProvider) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	price, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s yet", symbol)
	}
	return price, nil
}
