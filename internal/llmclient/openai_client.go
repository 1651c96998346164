package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/config"
)

// OpenAIClient implements schemas.LLMClient on top of the OpenAI chat
// completions API.
type OpenAIClient struct {
	client *openai.Client
	logger *zap.Logger
	config config.LLMModelConfig

	// backoffFactory is swappable so tests can use fast retry schedules.
	backoffFactory func() backoff.BackOff
}

// NewOpenAIClient initializes the client for one model endpoint.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.APITimeout}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
		logger: logger.Named("llm_client.openai"),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// Generate sends the conversation to the chat completions API, retrying
// transient failures with exponential backoff.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	chatReq := c.buildRequest(req)

	b := c.backoffFactory()

	var responseContent string

	operation := func() error {
		startTime := time.Now()
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		duration := time.Since(startTime)

		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				switch apiErr.HTTPStatusCode {
				case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
					c.logger.Warn("Transient OpenAI API error, retrying...",
						zap.Int("status", apiErr.HTTPStatusCode), zap.Error(err))
					return err
				default:
					return backoff.Permanent(fmt.Errorf("openai API error: %w", err))
				}
			}
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return err
		}

		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("openai API returned no choices"))
		}

		c.logger.Info("LLM generation complete (OpenAI)",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.Int("total_tokens", resp.Usage.TotalTokens),
		)

		responseContent = resp.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}

	return responseContent, nil
}

func (c *OpenAIClient) buildRequest(req schemas.GenerationRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == schemas.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: req.Options.Temperature,
	}
	if req.Options.MaxTokens > 0 {
		chatReq.MaxTokens = req.Options.MaxTokens
	} else if c.config.MaxTokens > 0 {
		chatReq.MaxTokens = c.config.MaxTokens
	}
	if req.Options.ForceJSONFormat {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return chatReq
}
