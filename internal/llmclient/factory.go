package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/config"
)

// NewClient builds the full AI gateway from configuration: one concrete
// client per tier, a tier router on top, and a rate limiter around the whole
// thing.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fast, err := newProviderClient(cfg.Provider, cfg.Fast, logger)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	powerful, err := newProviderClient(cfg.Provider, cfg.Powerful, logger)
	if err != nil {
		return nil, fmt.Errorf("powerful tier: %w", err)
	}

	router, err := NewRouter(logger, fast, powerful)
	if err != nil {
		return nil, err
	}

	return NewRateLimitedClient(router, cfg.RequestsPerMinute, logger), nil
}

func newProviderClient(provider string, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}
