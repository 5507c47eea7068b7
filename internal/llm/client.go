// Package llm классифицирует незнакомые всплывающие окна ленты через OpenAI.
// Используется только как запасной путь, когда известные баннеры не подошли.
package llm

import (
	"context"

	"feedAudit/internal/sanitizer"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type Client struct {
	client      *openai.Client
	model       string
	maxTokens   int
	log         *zap.Logger
	sanitizer   *sanitizer.DataSanitizer
	rateLimiter *RateLimiter
}

func NewClient(apiKey, model string, log *zap.Logger) *Client {
	return NewClientWithRateLimit(apiKey, model, 0, 20, 90000, log)
}

func NewClientWithRateLimit(apiKey, model string, maxTokens, requestsPerMinute, tokensPerHour int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &Client{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		log:         log,
		sanitizer:   sanitizer.New(),
		rateLimiter: NewRateLimiter(requestsPerMinute, tokensPerHour),
	}
}

// createChatCompletionWithRateLimit выполняет запрос с проверкой лимитов
func (c *Client) createChatCompletionWithRateLimit(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if err := c.rateLimiter.AllowRequest(); err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	// Грубая оценка: ~4 символа на токен
	estimatedTokens := req.MaxTokens
	for _, msg := range req.Messages {
		estimatedTokens += len(msg.Content) / 4
	}
	if err := c.rateLimiter.AllowTokens(estimatedTokens); err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return resp, err
	}

	if resp.Usage.TotalTokens > estimatedTokens {
		c.rateLimiter.ConsumeTokens(resp.Usage.TotalTokens - estimatedTokens)
	}
	return resp, nil
}
