package llmclient

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/config"
)

func setupTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

func getValidModelConfig() config.LLMModelConfig {
	return config.LLMModelConfig{
		Model:      "gemini-2.0-flash",
		APIKey:     "test-api-key",
		APITimeout: 10 * time.Second,
		MaxTokens:  1024,
	}
}

// stubClient is a canned schemas.LLMClient for router and limiter tests.
type stubClient struct {
	response string
	err      error
	calls    int
	lastReq  schemas.GenerationRequest
}

func (s *stubClient) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	s.calls++
	s.lastReq = req
	return s.response, s.err
}
