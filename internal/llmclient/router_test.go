package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karenhq/karen/api/schemas"
)

func TestNewRouter_RequiresBothTiers(t *testing.T) {
	logger := setupTestLogger(t)

	_, err := NewRouter(logger, nil, &stubClient{})
	assert.Error(t, err)

	_, err = NewRouter(logger, &stubClient{}, nil)
	assert.Error(t, err)
}

func TestRouterGenerate_RoutesByTier(t *testing.T) {
	fast := &stubClient{response: "fast answer"}
	powerful := &stubClient{response: "powerful answer"}

	router, err := NewRouter(setupTestLogger(t), fast, powerful)
	require.NoError(t, err)

	got, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast})
	require.NoError(t, err)
	assert.Equal(t, "fast answer", got)
	assert.Equal(t, 1, fast.calls)
	assert.Equal(t, 0, powerful.calls)

	got, err = router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierPowerful})
	require.NoError(t, err)
	assert.Equal(t, "powerful answer", got)
	assert.Equal(t, 1, powerful.calls)
}

func TestRouterGenerate_UnsetTierDefaultsToPowerful(t *testing.T) {
	fast := &stubClient{response: "fast answer"}
	powerful := &stubClient{response: "powerful answer"}

	router, err := NewRouter(setupTestLogger(t), fast, powerful)
	require.NoError(t, err)

	got, err := router.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "powerful answer", got)
	assert.Equal(t, 0, fast.calls)
}

func TestRouterGenerate_UnknownTier(t *testing.T) {
	router, err := NewRouter(setupTestLogger(t), &stubClient{}, &stubClient{})
	require.NoError(t, err)

	_, err = router.Generate(context.Background(), schemas.GenerationRequest{Tier: "quantum"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no LLM client configured for tier")
}
