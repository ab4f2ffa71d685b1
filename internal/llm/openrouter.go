package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenRouterClient calls an OpenAI-compatible /chat/completions endpoint.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	referer    string
	title      string
}

// NewOpenRouter creates a client. An empty baseURL selects OpenRouter.
func NewOpenRouter(apiKey, baseURL string, maxTokens int) *OpenRouterClient {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenRouterClient{
		apiKey:     apiKey,
		baseURL:    trimBase(baseURL, defaultOpenRouterURL),
		maxTokens:  maxTokens,
		httpClient: newHTTPClient(),
		referer:    "https://github.com/kalambet/zettel",
		title:      "zettel",
	}
}

type openRouterRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
	Messages  []openRouterMessage `json:"messages"`
}

type openRouterMessage struct {
	Role    string           `json:"role"`
	Content []openRouterPart `json:"content"`
}

type openRouterPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *openRouterImageURL `json:"image_url,omitempty"`
}

type openRouterImageURL struct {
	URL string `json:"url"`
}

type openRouterResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat sends req and returns the first choice's content.
func (c *OpenRouterClient) Chat(ctx context.Context, req Request) (string, error) {
	or := openRouterRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if or.MaxTokens <= 0 {
		or.MaxTokens = c.maxTokens
	}
	for _, m := range req.Messages {
		parts := []openRouterPart{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			url := "data:" + img.MediaType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
			parts = append(parts, openRouterPart{Type: "image_url", ImageURL: &openRouterImageURL{URL: url}})
		}
		or.Messages = append(or.Messages, openRouterMessage{Role: m.Role, Content: parts})
	}

	body, err := json.Marshal(or)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	return withRetry(ctx, func() (string, error) {
		return c.do(ctx, body)
	})
}

func (c *OpenRouterClient) do(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("HTTP-Referer", c.referer)
	httpReq.Header.Set("X-Title", c.title)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var out openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}
