package broker

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedClient wraps a Client with a shared request budget so order
// submission and polling cannot exceed the brokerage's call allowance
type RateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps client with a limiter of requestsPerSecond and
// the given burst
func NewRateLimitedClient(client Client, requestsPerSecond float64, burst int) *RateLimitedClient {
	return &RateLimitedClient{
		inner:   client,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

func (c *RateLimitedClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.SubmitOrder(ctx, req)
}

func (c *RateLimitedClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.inner.CancelOrder(ctx, symbol, orderID)
}

func (c *RateLimitedClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.GetPosition(ctx, symbol)
}

func (c *RateLimitedClient) GetPositions(ctx context.Context) ([]Position, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.GetPositions(ctx)
}

func (c *RateLimitedClient) GetAccount(ctx context.Context) (*Account, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.GetAccount(ctx)
}

func (c *RateLimitedClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.inner.GetPrice(ctx, symbol)
}
