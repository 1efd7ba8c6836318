package sources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/marketdata"
	"consensus-trading-bot/internal/models"
)

// countingAdapter wraps a real adapter and counts provider fetches
type countingAdapter struct {
	Adapter
	mu      sync.Mutex
	fetches int
}

func (a *countingAdapter) Fetch(ctx context.Context, symbol string) (consensus.AdapterVote, bool, error) {
	a.mu.Lock()
	a.fetches++
	a.mu.Unlock()
	return a.Adapter.Fetch(ctx, symbol)
}

func (a *countingAdapter) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// memVoteCache is an in-process stand-in for the redis vote cache
type memVoteCache struct {
	mu     sync.Mutex
	votes  map[string]consensus.AdapterVote
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newMemVoteCache() *memVoteCache {
	return &memVoteCache{
		votes: make(map[string]consensus.AdapterVote),
		ttls:  make(map[string]time.Duration),
	}
}

func (c *memVoteCache) GetVote(ctx context.Context, symbol, source string) (consensus.AdapterVote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return consensus.AdapterVote{}, c.getErr
	}
	vote, ok := c.votes[symbol+":"+source]
	if !ok {
		return consensus.AdapterVote{}, errors.New("cache miss")
	}
	return vote, nil
}

func (c *memVoteCache) SetVote(ctx context.Context, symbol string, vote consensus.AdapterVote, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.votes[symbol+":"+vote.Source] = vote
	c.ttls[symbol+":"+vote.Source] = ttl
	return nil
}

func trendCountingAdapter() *countingAdapter {
	provider := &fakeProvider{bars: map[string][]marketdata.Kline{"BTCUSDT": risingBars(60, 100, 1)}}
	return &countingAdapter{
		Adapter: NewTrendAdapter(Options{Weight: 0.5, TTL: time.Minute, Provider: provider}),
	}
}

func TestCollectorServesCachedVote(t *testing.T) {
	adapter := trendCountingAdapter()
	cached := consensus.AdapterVote{
		Source:    NameTrend,
		Direction: models.SideLong,
		Strength:  0.7,
		Weight:    0.5,
		FetchedAt: time.Now(),
		TTL:       time.Minute,
	}
	votes := newMemVoteCache()
	votes.votes["BTCUSDT:"+NameTrend] = cached

	collector := NewCollector([]Adapter{adapter}, votes, zerolog.Nop())
	got := collector.Collect(context.Background(), "BTCUSDT")

	if len(got) != 1 || got[0].Strength != cached.Strength {
		t.Fatalf("Expected the cached vote back, got %+v", got)
	}
	if adapter.fetchCount() != 0 {
		t.Errorf("Cache hit must not trigger a provider fetch, saw %d", adapter.fetchCount())
	}
}

func TestCollectorPopulatesCacheOnMiss(t *testing.T) {
	adapter := trendCountingAdapter()
	votes := newMemVoteCache()

	collector := NewCollector([]Adapter{adapter}, votes, zerolog.Nop())
	got := collector.Collect(context.Background(), "BTCUSDT")

	if len(got) != 1 {
		t.Fatalf("Expected one fresh vote, got %d", len(got))
	}
	if adapter.fetchCount() != 1 {
		t.Fatalf("Expected exactly one fetch, got %d", adapter.fetchCount())
	}

	stored, ok := votes.votes["BTCUSDT:"+NameTrend]
	if !ok {
		t.Fatal("Fresh vote not written back to the cache")
	}
	if stored.Source != NameTrend {
		t.Errorf("Wrong cached vote: %+v", stored)
	}
	if votes.ttls["BTCUSDT:"+NameTrend] != time.Minute {
		t.Errorf("Cache entry must use the adapter TTL, got %s", votes.ttls["BTCUSDT:"+NameTrend])
	}

	// A second cycle now rides the cache
	collector.Collect(context.Background(), "BTCUSDT")
	if adapter.fetchCount() != 1 {
		t.Errorf("Second cycle must be served from cache, saw %d fetches", adapter.fetchCount())
	}
}

func TestCollectorDegradedCacheFallsThrough(t *testing.T) {
	adapter := trendCountingAdapter()
	votes := newMemVoteCache()
	votes.getErr = errors.New("redis unavailable")
	votes.setErr = errors.New("redis unavailable")

	collector := NewCollector([]Adapter{adapter}, votes, zerolog.Nop())
	got := collector.Collect(context.Background(), "BTCUSDT")

	if len(got) != 1 {
		t.Fatalf("Degraded cache must not cost the vote, got %d", len(got))
	}
	if adapter.fetchCount() != 1 {
		t.Errorf("Expected a direct fetch while degraded, got %d", adapter.fetchCount())
	}
}
