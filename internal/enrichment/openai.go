package enrichment

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-notepad/internal/protocol"
	"github.com/sashabaranov/go-openai"
)

const promptTemplate = `你是一位同传助手。针对以下句子： "%s"
  1. 提取专业术语并解释。
  2. 将其转化为口译缩写笔记（多用符号）。
  以 JSON 格式返回：{"terms": [{"word": "...", "mean": "..."}], "notes": "..."}`

// OpenAIEnricher calls an OpenAI-compatible chat completions endpoint, such
// as the Volcengine ARK gateway.
type OpenAIEnricher struct {
	client *openai.Client
	model  string
}

func NewOpenAIEnricher(baseURL, apiKey, model string) *OpenAIEnricher {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEnricher{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *OpenAIEnricher) Enrich(ctx context.Context, text string) (protocol.EnrichmentResult, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(promptTemplate, text)},
		},
	})
	if err != nil {
		op := "request"
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
			op = "status"
		}
		return protocol.EnrichmentResult{}, &Error{Backend: "openai", Op: op, Err: err}
	}
	if len(resp.Choices) == 0 {
		return protocol.EnrichmentResult{}, &Error{Backend: "openai", Op: "decode", Err: errors.New("no choices in completion")}
	}
	result, err := decodeResult(resp.Choices[0].Message.Content)
	if err != nil {
		return protocol.EnrichmentResult{}, &Error{Backend: "openai", Op: "decode", Err: err}
	}
	return result, nil
}
