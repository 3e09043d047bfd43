// Package llm wraps the chat-completion providers used to compose answers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fabfab/lexray/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrEmptyResponse = errors.New("completion returned no content")

type Message struct {
	Role    string
	Content string
}

// GenerateOptions are the sampling settings for one completion.
type GenerateOptions struct {
	Temperature float32
	TopP        float32
	// JSON asks the provider for a single JSON object.
	JSON bool
}

type Client interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)
}

// StreamClient delivers completion deltas through fn as they arrive and
// returns the final metadata once the stream is exhausted. An error returned
// by fn stops the stream and is returned unchanged.
type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions, fn func(string) error) (StreamStats, error)
}

type StreamStats struct {
	Chunks       int
	FinishReason string
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// StatusError is a non-2xx reply from a provider's HTTP API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s API returned status %d", e.Provider, e.StatusCode)
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	var client Client
	switch opts.Provider {
	case config.ProviderOllama:
		client = NewOllamaClient(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		client = NewOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}

	return WithRetry(client, RetryPolicy{
		Attempts: cfg.Retry.Attempts,
		Base:     cfg.Retry.Base,
		Max:      cfg.Retry.Max,
	}), nil
}

// IsTransient reports whether a failed call is worth repeating: rate limits,
// server errors and network failures. Context cancellation never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == 429 || code >= 500
}
