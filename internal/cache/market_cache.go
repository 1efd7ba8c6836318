// Package cache provides a Redis-backed cache for adapter votes and spot
// prices. The cache is an accelerator, never a source of truth: every entry
// carries a TTL and a full flush leaves the pipeline fetching fresh data.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/consensus"
)

// ErrUnavailable is returned while the breaker holds Redis unhealthy.
// Callers fall back to a fresh adapter fetch.
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// ErrMiss is returned when a key is absent or expired
var ErrMiss = errors.New("cache miss")

// Key formats
const (
	prefixVote  = "vote:%s:%s" // symbol, source
	prefixPrice = "price:%s"   // symbol
)

// activeStartHour and activeEndHour bound the UTC window where US and EU
// desks overlap and votes go stale faster. TTLs are halved inside it.
const (
	activeStartHour = 13
	activeEndHour   = 21
)

// MarketCache caches adapter votes keyed by (symbol, source) and last
// prices keyed by symbol, with graceful degradation when Redis is down.
type MarketCache struct {
	client       *redis.Client
	config       config.RedisConfig
	now          func() time.Time
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewMarketCache connects to Redis and returns the cache. A failed initial
// connection returns the cache in degraded mode, not an error: the pipeline
// must run without Redis.
func NewMarketCache(cfg config.RedisConfig) (*MarketCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	mc := &MarketCache{
		client:        client,
		config:        cfg,
		now:           time.Now,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return mc, nil
	}

	mc.healthy = true
	mc.lastCheck = time.Now()
	return mc, nil
}

// IsHealthy reports whether Redis is currently usable
func (mc *MarketCache) IsHealthy() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.healthy
}

func (mc *MarketCache) recordFailure() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.failureCount++
	if mc.failureCount >= mc.maxFailures {
		mc.healthy = false
	}
}

func (mc *MarketCache) recordSuccess() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.healthy = true
	mc.failureCount = 0
	mc.lastCheck = time.Now()
}

// checkHealth schedules a background ping once the breaker has been open
// long enough
func (mc *MarketCache) checkHealth() {
	mc.mu.RLock()
	shouldCheck := !mc.healthy && time.Since(mc.lastCheck) >= mc.checkInterval
	mc.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := mc.client.Ping(pingCtx).Err(); err == nil {
			mc.recordSuccess()
		} else {
			mc.mu.Lock()
			mc.lastCheck = time.Now()
			mc.mu.Unlock()
		}
	}()
}

// EffectiveTTL shortens a base TTL during the active trading window
func (mc *MarketCache) EffectiveTTL(base time.Duration) time.Duration {
	hour := mc.now().UTC().Hour()
	if hour >= activeStartHour && hour < activeEndHour {
		return base / 2
	}
	return base
}

// SetVote caches one adapter's opinion for a symbol
func (mc *MarketCache) SetVote(ctx context.Context, symbol string, vote consensus.AdapterVote, ttl time.Duration) error {
	mc.checkHealth()
	if !mc.IsHealthy() {
		return ErrUnavailable
	}

	data, err := json.Marshal(vote)
	if err != nil {
		return fmt.Errorf("failed to marshal vote: %w", err)
	}

	key := fmt.Sprintf(prefixVote, symbol, vote.Source)
	if err := mc.client.Set(ctx, key, data, mc.EffectiveTTL(ttl)).Err(); err != nil {
		mc.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	mc.recordSuccess()
	return nil
}

// GetVote retrieves a cached vote. ErrMiss means the caller should fetch.
func (mc *MarketCache) GetVote(ctx context.Context, symbol, source string) (consensus.AdapterVote, error) {
	mc.checkHealth()
	if !mc.IsHealthy() {
		return consensus.AdapterVote{}, ErrUnavailable
	}

	key := fmt.Sprintf(prefixVote, symbol, source)
	data, err := mc.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return consensus.AdapterVote{}, ErrMiss
		}
		mc.recordFailure()
		return consensus.AdapterVote{}, fmt.Errorf("redis get failed: %w", err)
	}

	var vote consensus.AdapterVote
	if err := json.Unmarshal(data, &vote); err != nil {
		return consensus.AdapterVote{}, fmt.Errorf("failed to unmarshal cached vote: %w", err)
	}

	mc.recordSuccess()
	return vote, nil
}

// SetPrice caches the last observed price for a symbol
func (mc *MarketCache) SetPrice(ctx context.Context, symbol string, price float64, ttl time.Duration) error {
	mc.checkHealth()
	if !mc.IsHealthy() {
		return ErrUnavailable
	}

	key := fmt.Sprintf(prefixPrice, symbol)
	if err := mc.client.Set(ctx, key, price, mc.EffectiveTTL(ttl)).Err(); err != nil {
		mc.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	mc.recordSuccess()
	return nil
}

// GetPrice retrieves a cached price
func (mc *MarketCache) GetPrice(ctx context.Context, symbol string) (float64, error) {
	mc.checkHealth()
	if !mc.IsHealthy() {
		return 0, ErrUnavailable
	}

	key := fmt.Sprintf(prefixPrice, symbol)
	price, err := mc.client.Get(ctx, key).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrMiss
		}
		mc.recordFailure()
		return 0, fmt.Errorf("redis get failed: %w", err)
	}

	mc.recordSuccess()
	return price, nil
}

// Flush removes every vote and price entry. Safe at any time; the next
// cycle repopulates from live fetches.
func (mc *MarketCache) Flush(ctx context.Context) error {
	mc.checkHealth()
	if !mc.IsHealthy() {
		return ErrUnavailable
	}

	for _, pattern := range []string{"vote:*", "price:*"} {
		iter := mc.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := mc.client.Del(ctx, iter.Val()).Err(); err != nil {
				mc.recordFailure()
				return fmt.Errorf("redis flush failed: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			mc.recordFailure()
			return fmt.Errorf("redis scan failed: %w", err)
		}
	}

	mc.recordSuccess()
	return nil
}

// Ping checks Redis connectivity directly
func (mc *MarketCache) Ping(ctx context.Context) error {
	if err := mc.client.Ping(ctx).Err(); err != nil {
		mc.recordFailure()
		return err
	}
	mc.recordSuccess()
	return nil
}

// Close closes the Redis connection
func (mc *MarketCache) Close() error {
	if mc.client != nil {
		return mc.client.Close()
	}
	return nil
}

// Stats reports cache health for the operational API
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
}

// GetStats returns current cache statistics
func (mc *MarketCache) GetStats() Stats {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return Stats{
		Healthy:      mc.healthy,
		FailureCount: mc.failureCount,
		Address:      mc.config.Address,
	}
}
