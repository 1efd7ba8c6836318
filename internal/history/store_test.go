package history

import (
	"context"
	"testing"
	"time"

	"consensus-trading-bot/internal/marketdata"
)

func bar(openTime int64, close float64) marketdata.Kline {
	return marketdata.Kline{
		OpenTime:  openTime,
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    1000,
		CloseTime: openTime + 59999,
	}
}

func TestValidateBarsRejectsOutOfOrder(t *testing.T) {
	bars := []marketdata.Kline{bar(2000, 100), bar(1000, 101)}
	if _, err := ValidateBars("BTCUSDT", bars, 0); err == nil {
		t.Error("Expected error for decreasing timestamps")
	}

	dup := []marketdata.Kline{bar(1000, 100), bar(1000, 101)}
	if _, err := ValidateBars("BTCUSDT", dup, 0); err == nil {
		t.Error("Expected error for duplicate timestamps")
	}
}

func TestValidateBarsDetectsGaps(t *testing.T) {
	minute := time.Minute
	bars := []marketdata.Kline{
		bar(0, 100),
		bar(60_000, 101),
		bar(300_000, 102), // 4 minutes after the previous bar
	}

	gaps, err := ValidateBars("BTCUSDT", bars, minute)
	if err != nil {
		t.Fatalf("ValidateBars failed: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("Expected 1 gap, got %d", len(gaps))
	}
	if gaps[0].Expected != 3 {
		t.Errorf("Expected 3 missing bars, got %d", gaps[0].Expected)
	}
}

func TestMemoryStoreRangeQuery(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	bars := make([]marketdata.Kline, 0, 10)
	for i := 0; i < 10; i++ {
		bars = append(bars, bar(int64(i)*60_000, 100+float64(i)))
	}
	if err := s.SaveBars(ctx, "BTCUSDT", bars); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	// [2m, 5m) covers bars 2, 3, 4
	got, err := s.GetBars(ctx, "BTCUSDT", time.UnixMilli(120_000), time.UnixMilli(300_000))
	if err != nil {
		t.Fatalf("GetBars failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 bars, got %d", len(got))
	}
	if got[0].OpenTime != 120_000 || got[2].OpenTime != 240_000 {
		t.Errorf("Wrong range: first %d last %d", got[0].OpenTime, got[2].OpenTime)
	}

	n, _ := s.Count(ctx, "BTCUSDT")
	if n != 10 {
		t.Errorf("Expected 10 stored bars, got %d", n)
	}
}

func TestMemoryStoreRejectsOverlappingAppend(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveBars(ctx, "BTCUSDT", []marketdata.Kline{bar(0, 100), bar(60_000, 101)}); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	// Head overlaps the stored tail
	err := s.SaveBars(ctx, "BTCUSDT", []marketdata.Kline{bar(60_000, 102)})
	if err == nil {
		t.Error("Expected error appending overlapping bars")
	}

	if err := s.SaveBars(ctx, "BTCUSDT", []marketdata.Kline{bar(120_000, 102)}); err != nil {
		t.Errorf("Strictly later append should succeed: %v", err)
	}
}

func TestMemoryStoreSymbolsIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SaveBars(ctx, "BTCUSDT", []marketdata.Kline{bar(0, 100)})
	s.SaveBars(ctx, "ETHUSDT", []marketdata.Kline{bar(0, 50)})

	got, _ := s.GetBars(ctx, "ETHUSDT", time.UnixMilli(0), time.UnixMilli(60_000))
	if len(got) != 1 || got[0].Close != 50 {
		t.Errorf("Symbol isolation broken: %+v", got)
	}
}
