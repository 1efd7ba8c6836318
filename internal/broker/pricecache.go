package broker

import (
	"context"
	"time"
)

// defaultPriceTTL bounds how long a cached price may stand in for the
// brokerage quote when the caller does not say
const defaultPriceTTL = 3 * time.Second

// PriceCache is the read-through price store consulted before the
// brokerage. Any retrieval error means fetch fresh.
type PriceCache interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	SetPrice(ctx context.Context, symbol string, price float64, ttl time.Duration) error
}

// CachedPriceClient decorates a Client so repeated price polls inside the
// TTL are served from cache instead of spending brokerage calls. All other
// operations pass straight through.
type CachedPriceClient struct {
	Client
	cache PriceCache
	ttl   time.Duration
}

// NewCachedPriceClient wraps client with a price cache
func NewCachedPriceClient(client Client, cache PriceCache, ttl time.Duration) *CachedPriceClient {
	if ttl <= 0 {
		ttl = defaultPriceTTL
	}
	return &CachedPriceClient{
		Client: client,
		cache:  cache,
		ttl:    ttl,
	}
}

// GetPrice serves from cache when possible and writes fresh quotes back.
// Cache failures degrade to a direct brokerage call, never an error.
func (c *CachedPriceClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if price, err := c.cache.GetPrice(ctx, symbol); err == nil {
		return price, nil
	}

	price, err := c.Client.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	// Best effort: a degraded cache must not fail the quote
	_ = c.cache.SetPrice(ctx, symbol, price, c.ttl)
	return price, nil
}
