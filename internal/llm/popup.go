package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"feedAudit/internal/browser"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var errEmptyResponse = errors.New("пустой ответ от OpenAI")

const popupSystemPrompt = "You are an expert at analyzing web page structure and identifying popups and their close buttons."

func (c *Client) AnalyzePopup(ctx context.Context, elements string) (*browser.PopupInfo, error) {
	prompt := fmt.Sprintf(`Analyze the elements of open dialogs on a short-video feed page and determine if there is a popup, modal, or overlay that should be closed.
Never choose buttons that log in, sign up, allow notifications or accept tracking.

Elements data:
%s

Respond in JSON format:
{
  "has_popup": true/false,
  "close_selector": "CSS selector",
  "popup_description": "brief description",
  "reasoning": "your analysis"
}`, c.sanitizer.Sanitize(elements))

	resp, err := c.createChatCompletionWithRateLimit(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: popupSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка анализа окна: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errEmptyResponse
	}

	info, err := parsePopup(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	c.log.Debug("Окно классифицировано",
		zap.String("model", c.model),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Bool("has_popup", info.HasPopup),
		zap.String("close_selector", info.CloseSelector),
	)
	return info, nil
}

// parsePopup разбирает ответ модели, в том числе обёрнутый в markdown-блок.
func parsePopup(content string) (*browser.PopupInfo, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var info browser.PopupInfo
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &info); err != nil {
		return nil, fmt.Errorf("ошибка парсинга ответа: %w", err)
	}
	if !info.HasPopup {
		info.CloseSelector = ""
	}
	return &info, nil
}

var _ browser.LLMClient = (*Client)(nil)
