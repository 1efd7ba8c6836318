package broker

import (
	"context"
	"errors"
	"math"
	"testing"
)

func fixedPrice(price float64) func(string) (float64, error) {
	return func(string) (float64, error) { return price, nil }
}

func TestPaperOpenAndClose(t *testing.T) {
	prices := map[string]float64{"BTCUSDT": 100}
	c := NewPaperClient(10000, func(symbol string) (float64, error) {
		return prices[symbol], nil
	})
	ctx := context.Background()

	res, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 10})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if res.Status != StatusFilled || res.FillPrice != 100 {
		t.Fatalf("Expected fill at 100, got %+v", res)
	}

	pos, err := c.GetPosition(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if pos.Quantity != 10 || pos.EntryPrice != 100 {
		t.Fatalf("Expected qty 10 @ 100, got %+v", pos)
	}

	// Price rises, closing realizes the gain
	prices["BTCUSDT"] = 110
	_, err = c.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Quantity: 10, ReduceOnly: true})
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	acct, err := c.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Balance != 10100 {
		t.Errorf("Expected balance 10100 after +100 realized, got %.2f", acct.Balance)
	}

	pos, _ = c.GetPosition(ctx, "BTCUSDT")
	if pos.Quantity != 0 {
		t.Errorf("Expected flat position, got qty %.4f", pos.Quantity)
	}
}

func TestPaperShortPnL(t *testing.T) {
	prices := map[string]float64{"ETHUSDT": 50}
	c := NewPaperClient(10000, func(symbol string) (float64, error) {
		return prices[symbol], nil
	})
	ctx := context.Background()

	if _, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "ETHUSDT", Side: SideSell, Quantity: 20}); err != nil {
		t.Fatalf("Short open failed: %v", err)
	}

	prices["ETHUSDT"] = 45
	pos, _ := c.GetPosition(ctx, "ETHUSDT")
	if pos.Quantity != -20 {
		t.Fatalf("Expected qty -20, got %.4f", pos.Quantity)
	}
	if pos.UnrealizedPnL != 100 {
		t.Errorf("Expected unrealized +100 on a falling short, got %.2f", pos.UnrealizedPnL)
	}

	if _, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "ETHUSDT", Side: SideBuy, Quantity: 20, ReduceOnly: true}); err != nil {
		t.Fatalf("Cover failed: %v", err)
	}
	acct, _ := c.GetAccount(ctx)
	if acct.Balance != 10100 {
		t.Errorf("Expected balance 10100, got %.2f", acct.Balance)
	}
}

func TestPaperFlipThroughZero(t *testing.T) {
	prices := map[string]float64{"SOLUSDT": 100}
	c := NewPaperClient(100000, func(symbol string) (float64, error) {
		return prices[symbol], nil
	})
	ctx := context.Background()

	c.SubmitOrder(ctx, OrderRequest{Symbol: "SOLUSDT", Side: SideBuy, Quantity: 5})

	prices["SOLUSDT"] = 90
	// Selling 8 closes the long of 5 (realizing -50) and opens a short of 3
	c.SubmitOrder(ctx, OrderRequest{Symbol: "SOLUSDT", Side: SideSell, Quantity: 8})

	pos, _ := c.GetPosition(ctx, "SOLUSDT")
	if pos.Quantity != -3 {
		t.Fatalf("Expected flipped qty -3, got %.4f", pos.Quantity)
	}
	if pos.EntryPrice != 90 {
		t.Errorf("Flipped remainder should open at the fill price 90, got %.2f", pos.EntryPrice)
	}

	acct, _ := c.GetAccount(ctx)
	if math.Abs(acct.Balance-99950) > 1e-9 {
		t.Errorf("Expected balance 99950 after -50 realized, got %.2f", acct.Balance)
	}
}

func TestPaperAveragedEntry(t *testing.T) {
	prices := map[string]float64{"BTCUSDT": 100}
	c := NewPaperClient(100000, func(symbol string) (float64, error) {
		return prices[symbol], nil
	})
	ctx := context.Background()

	c.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 10})
	prices["BTCUSDT"] = 120
	c.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 10})

	pos, _ := c.GetPosition(ctx, "BTCUSDT")
	if pos.EntryPrice != 110 {
		t.Errorf("Expected averaged entry 110, got %.2f", pos.EntryPrice)
	}
}

func TestPaperInsufficientFunds(t *testing.T) {
	c := NewPaperClient(100, fixedPrice(100))

	_, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 5})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPaperReduceOnlyNeedsPosition(t *testing.T) {
	c := NewPaperClient(10000, fixedPrice(100))

	_, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Quantity: 1, ReduceOnly: true})
	if err == nil {
		t.Error("Expected error for reduce-only with no position")
	}
}

func TestPaperRejectsCancelledContext(t *testing.T) {
	c := NewPaperClient(10000, fixedPrice(100))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1}); err == nil {
		t.Error("Expected context error")
	}
}

func TestRateLimitedClientPassesThrough(t *testing.T) {
	inner := NewPaperClient(10000, fixedPrice(100))
	c := NewRateLimitedClient(inner, 100, 10)
	ctx := context.Background()

	res, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1})
	if err != nil || res.Status != StatusFilled {
		t.Fatalf("Expected fill through the limiter, got %+v err=%v", res, err)
	}
	if _, err := c.GetAccount(ctx); err != nil {
		t.Fatalf("GetAccount through limiter failed: %v", err)
	}
}
