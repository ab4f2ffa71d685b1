package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// AnthropicClient calls the Anthropic Messages API through the official SDK.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int
}

// NewAnthropic creates a client. An empty baseURL selects the public API.
// Rate-limit retries are left to withRetry so every provider backs off the
// same way.
func NewAnthropic(apiKey, baseURL string, maxTokens int) *AnthropicClient {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(newHTTPClient()),
		option.WithRequestTimeout(defaultTimeout),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		maxTokens: maxTokens,
	}
}

// Chat sends req as one Messages call and returns the concatenated text blocks.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = int64(c.maxTokens)
	}
	for _, m := range req.Messages {
		blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
		for _, img := range m.Images {
			blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)))
		}
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		}
	}

	return withRetry(ctx, func() (string, error) {
		return c.do(ctx, params)
	})
}

func (c *AnthropicClient) do(ctx context.Context, params anthropic.MessageNewParams) (string, error) {
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusTooManyRequests {
				return "", &rateLimitError{status: apiErr.StatusCode}
			}
			return "", fmt.Errorf("Anthropic API returned %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("calling Anthropic API: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
