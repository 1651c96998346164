package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/karenhq/karen/api/schemas"
)

func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *httptest.Server, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)

	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	logger := zap.New(loggerCore)

	cfg := getValidModelConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, logger)
	require.NoError(t, err)

	client.httpClient.Timeout = 5 * time.Second
	client.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}

	t.Cleanup(server.Close)
	return client, server, observedLogs
}

func createTestRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "You are a helpful customer service assistant.",
		Messages: []schemas.Message{
			{Role: schemas.RoleUser, Content: "I need a refund for order 12345."},
		},
		Options: schemas.GenerationOptions{Temperature: 0.7},
	}
}

func geminiSuccessPayload(text string) geminiResponsePayload {
	var payload geminiResponsePayload
	payload.Candidates = append(payload.Candidates, struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	}{
		Content:      geminiContent{Parts: []geminiPart{{Text: text}}},
		FinishReason: "STOP",
	})
	return payload
}

func TestNewGeminiClient_DefaultEndpoint(t *testing.T) {
	cfg := getValidModelConfig()
	cfg.Endpoint = ""

	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	require.NoError(t, err)

	expected := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	assert.Equal(t, expected, client.endpoint)
	assert.NotNil(t, client.backoffFactory)
}

func TestNewGeminiClient_MissingAPIKey(t *testing.T) {
	cfg := getValidModelConfig()
	cfg.APIKey = ""

	client, err := NewGeminiClient(cfg, setupTestLogger(t))
	assert.Error(t, err)
	assert.Nil(t, client)
}

func TestBuildRequestPayload_RolesAndSystemInstruction(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)

	req := schemas.GenerationRequest{
		SystemPrompt: "system text",
		Messages: []schemas.Message{
			{Role: schemas.RoleUser, Content: "hello"},
			{Role: schemas.RoleAssistant, Content: "hi, how can I help?"},
			{Role: schemas.RoleUser, Content: "refund please"},
		},
		Options: schemas.GenerationOptions{Temperature: 0.5},
	}

	payload := client.buildRequestPayload(req)

	require.NotNil(t, payload.SystemInstruction)
	assert.Equal(t, "system text", payload.SystemInstruction.Parts[0].Text)
	require.Len(t, payload.Contents, 3)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, "model", payload.Contents[1].Role)
	assert.Equal(t, "user", payload.Contents[2].Role)
	assert.Equal(t, 0.5, payload.GenerationConfig.Temperature)
}

func TestBuildRequestPayload_ForceJSON(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)

	req := createTestRequest()
	req.Options.ForceJSONFormat = true

	payload := client.buildRequestPayload(req)
	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
}

func TestGeminiGenerate_Success(t *testing.T) {
	expectedText := "Sure, let me look into that refund."

	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))

		body, _ := io.ReadAll(r.Body)
		var payload geminiRequestPayload
		require.NoError(t, json.Unmarshal(body, &payload))
		require.Len(t, payload.Contents, 1)
		assert.Equal(t, "I need a refund for order 12345.", payload.Contents[0].Parts[0].Text)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(geminiSuccessPayload(expectedText))
	}

	client, _, observedLogs := setupGeminiClient(t, handler)

	response, err := client.Generate(context.Background(), createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, expectedText, response)

	require.Equal(t, 1, observedLogs.Len())
	assert.Equal(t, "LLM generation complete (Gemini)", observedLogs.All()[0].Message)
}

func TestGeminiGenerate_RetryOnTransientErrors(t *testing.T) {
	var attempts int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(geminiSuccessPayload("success after retry"))
	}

	client, _, _ := setupGeminiClient(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	response, err := client.Generate(ctx, createTestRequest())
	require.NoError(t, err)
	assert.Equal(t, "success after retry", response)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestGeminiGenerate_NoRetryOnPermanentErrors(t *testing.T) {
	var attempts int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("API key invalid"))
	}

	client, _, _ := setupGeminiClient(t, handler)

	response, err := client.Generate(context.Background(), createTestRequest())
	assert.Error(t, err)
	assert.Empty(t, response)
	assert.Contains(t, err.Error(), "gemini API error: status 403")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestGeminiGenerate_SafetyBlockIsPermanent(t *testing.T) {
	var attempts int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		var payload geminiResponsePayload
		payload.Candidates = append(payload.Candidates, struct {
			Content      geminiContent `json:"content"`
			FinishReason string        `json:"finishReason"`
		}{FinishReason: "SAFETY"})
		json.NewEncoder(w).Encode(payload)
	}

	client, _, _ := setupGeminiClient(t, handler)

	_, err := client.Generate(context.Background(), createTestRequest())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "blocked the request (Reason: SAFETY)")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestGeminiGenerate_NoCandidatesIsPermanent(t *testing.T) {
	var attempts int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		json.NewEncoder(w).Encode(geminiResponsePayload{})
	}

	client, _, _ := setupGeminiClient(t, handler)

	_, err := client.Generate(context.Background(), createTestRequest())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestGeminiGenerate_ContextCancellation(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}

	client, _, _ := setupGeminiClient(t, handler)
	client.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := client.Generate(ctx, createTestRequest())
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got: %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
