package backtest

import (
	"errors"
	"testing"

	"consensus-trading-bot/internal/marketdata"
)

func seriesBars(n int) []marketdata.Kline {
	bars := make([]marketdata.Kline, 0, n)
	for i := 0; i < n; i++ {
		bars = append(bars, marketdata.Kline{
			OpenTime:  int64(i) * 60_000,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
			Volume:    1000,
			CloseTime: int64(i)*60_000 + 59_999,
		})
	}
	return bars
}

func TestBarWindowTrapsFutureAccess(t *testing.T) {
	w := NewBarWindow(seriesBars(10))

	w.Advance()
	w.Advance() // Cursor at 1

	if _, err := w.Bar(1); err != nil {
		t.Errorf("Visible bar errored: %v", err)
	}

	_, err := w.Bar(2)
	var bias *BiasViolationError
	if !errors.As(err, &bias) {
		t.Fatalf("Expected BiasViolationError, got %v", err)
	}
	if bias.Requested != 2 || bias.Cursor != 1 {
		t.Errorf("Wrong violation detail: %+v", bias)
	}
}

func TestBarWindowVisibleIsPrefix(t *testing.T) {
	w := NewBarWindow(seriesBars(10))

	if got := w.Visible(); got != nil {
		t.Errorf("Expected no visible bars before Advance, got %d", len(got))
	}

	for i := 0; i < 4; i++ {
		if !w.Advance() {
			t.Fatal("Advance failed inside series")
		}
	}

	visible := w.Visible()
	if len(visible) != 4 {
		t.Fatalf("Expected 4 visible bars, got %d", len(visible))
	}
	if visible[3].OpenTime != 180_000 {
		t.Errorf("Wrong last visible bar: %d", visible[3].OpenTime)
	}

	// Mutating the copy must not leak into the window
	visible[0].Close = 42
	again := w.Visible()
	if again[0].Close == 42 {
		t.Error("Visible returned a live view of the series")
	}
}

func TestBarWindowAdvanceEnds(t *testing.T) {
	w := NewBarWindow(seriesBars(2))

	if !w.Advance() || !w.Advance() {
		t.Fatal("Expected two successful advances")
	}
	if w.Advance() {
		t.Error("Advance past the end must return false")
	}
	if w.Cursor() != 1 {
		t.Errorf("Cursor moved past the end: %d", w.Cursor())
	}
}
