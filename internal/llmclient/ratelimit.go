package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/karenhq/karen/api/schemas"
)

// RateLimitedClient wraps another client with a token-bucket limiter so one
// chatty conversation cannot exhaust the provider quota for everyone.
type RateLimitedClient struct {
	inner   schemas.LLMClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimitedClient caps throughput at requestsPerMinute. A non-positive
// value disables limiting and returns the inner client untouched.
func NewRateLimitedClient(inner schemas.LLMClient, requestsPerMinute int, logger *zap.Logger) schemas.LLMClient {
	if requestsPerMinute <= 0 {
		return inner
	}
	return &RateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute),
		logger:  logger.Named("llm_ratelimit"),
	}
}

// Generate blocks until the limiter admits the request, then delegates.
func (c *RateLimitedClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait aborted: %w", err)
	}
	return c.inner.Generate(ctx, req)
}
