package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/marketdata"
)

// Build constructs the enabled adapters from configuration. Unknown adapter
// names are a configuration error, not a silent skip.
func Build(cfgs []config.SourceConfig, provider marketdata.Provider) ([]Adapter, error) {
	constructors := map[string]func(Options) Adapter{
		NameTrend:    NewTrendAdapter,
		NameMomentum: NewMomentumAdapter,
		NameVolume:   NewVolumeAdapter,
		NamePattern:  NewPatternAdapter,
	}

	adapters := make([]Adapter, 0, len(cfgs))
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		constructor, ok := constructors[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("unknown source adapter %q", cfg.Name)
		}
		adapters = append(adapters, constructor(Options{
			Weight:   cfg.Weight,
			TTL:      time.Duration(cfg.TTL) * time.Second,
			Timeout:  time.Duration(cfg.Timeout) * time.Second,
			Provider: provider,
		}))
	}
	return adapters, nil
}

// VoteCache stores adapter votes between cycles, keyed (symbol, source).
// Any retrieval error means the collector fetches fresh; the cache is an
// accelerator, not a source of truth.
type VoteCache interface {
	GetVote(ctx context.Context, symbol, source string) (consensus.AdapterVote, error)
	SetVote(ctx context.Context, symbol string, vote consensus.AdapterVote, ttl time.Duration) error
}

// Collector fans one symbol out to every adapter concurrently and gathers
// the votes that came back in time
type Collector struct {
	adapters []Adapter
	cache    VoteCache
	logger   zerolog.Logger
}

// NewCollector creates a vote collector over the given adapters. cache may
// be nil, in which case every cycle fetches fresh.
func NewCollector(adapters []Adapter, cache VoteCache, logger zerolog.Logger) *Collector {
	return &Collector{
		adapters: adapters,
		cache:    cache,
		logger:   logger.With().Str("component", "sources").Logger(),
	}
}

// Collect fetches all adapters for a symbol. A cached vote inside its TTL
// stands in for a fresh fetch; an erroring or opinion-less adapter
// contributes nothing. The caller's consensus engine decides whether enough
// votes remain.
func (c *Collector) Collect(ctx context.Context, symbol string) []consensus.AdapterVote {
	votes := make([]consensus.AdapterVote, 0, len(c.adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, adapter := range c.adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()

			vote, ok := c.collectOne(ctx, a, symbol)
			if !ok {
				return
			}

			mu.Lock()
			votes = append(votes, vote)
			mu.Unlock()
		}(adapter)
	}
	wg.Wait()

	return votes
}

// collectOne serves one adapter's vote from cache when possible, otherwise
// fetches and writes the result back. Cached votes keep their original
// FetchedAt, so consensus staleness still applies to them.
func (c *Collector) collectOne(ctx context.Context, a Adapter, symbol string) (consensus.AdapterVote, bool) {
	if c.cache != nil {
		if vote, err := c.cache.GetVote(ctx, symbol, a.Name()); err == nil {
			return vote, true
		}
	}

	vote, ok, err := a.Fetch(ctx, symbol)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("adapter", a.Name()).
			Str("symbol", symbol).
			Msg("Adapter fetch failed, excluded from this cycle")
		return consensus.AdapterVote{}, false
	}
	if !ok {
		return consensus.AdapterVote{}, false
	}

	if c.cache != nil {
		if err := c.cache.SetVote(ctx, symbol, vote, a.TTL()); err != nil {
			c.logger.Debug().
				Err(err).
				Str("adapter", a.Name()).
				Str("symbol", symbol).
				Msg("Vote cache write skipped")
		}
	}
	return vote, true
}
