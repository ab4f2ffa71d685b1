// Package llm holds the chat clients used for clarification judgement and
// note structuring: Anthropic Messages, OpenRouter (OpenAI-compatible), and
// a local Ollama instance. All three accept image attachments.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// Providers.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

// ErrEmptyResponse is returned when the provider answers without any text.
var ErrEmptyResponse = errors.New("empty model response")

// Image is an inline image attachment.
type Image struct {
	MediaType string
	Data      []byte
}

// Message is one chat turn. Images are attached after the text content.
type Message struct {
	Role    string
	Content string
	Images  []Image
}

// Request is a single non-streaming chat completion.
type Request struct {
	Model     string
	MaxTokens int
	Messages  []Message
}

// Chatter sends a chat request and returns the assistant's text.
type Chatter interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	BaseURL   string
	APIKey    string
	MaxTokens int
}

// New returns the client for cfg.Provider.
func New(cfg Config) (Chatter, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.MaxTokens), nil
	case ProviderOpenRouter:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openrouter provider requires an API key")
		}
		return NewOpenRouter(cfg.APIKey, cfg.BaseURL, cfg.MaxTokens), nil
	case ProviderOllama:
		return NewOllama(cfg.BaseURL), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

const (
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
)

// RetryBaseDelay is the first backoff after an HTTP 429. Tests shorten it.
var RetryBaseDelay = 500 * time.Millisecond

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// withRetry runs call, retrying rate-limited attempts with exponential backoff.
func withRetry(ctx context.Context, call func() (string, error)) (string, error) {
	var lastErr error
	for attempt := range maxRetries {
		out, err := call()
		if err == nil {
			return out, nil
		}
		if !isRateLimit(err) {
			return "", err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(RetryBaseDelay) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

func trimBase(url, fallback string) string {
	if url == "" {
		url = fallback
	}
	return strings.TrimRight(url, "/")
}
