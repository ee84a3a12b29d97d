package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/paper-agent/config"
	"github.com/fabfab/paper-agent/retry"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrUnavailable marks generation provider failures that survived the retry
// budget. The chat pipeline surfaces it instead of fabricating an answer.
var ErrUnavailable = errors.New("generation provider unavailable")

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	var inner Client
	switch opts.Provider {
	case config.ProviderOllama:
		inner = NewOllamaClient(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		inner = NewOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}

	return WithRetry(inner, retry.DefaultConfig()), nil
}

type retryingClient struct {
	inner Client
	cfg   retry.Config
}

// WithRetry wraps a Client with bounded exponential backoff. Failures that
// outlive the budget are reported as ErrUnavailable.
func WithRetry(inner Client, cfg retry.Config) Client {
	return &retryingClient{inner: inner, cfg: cfg}
}

func (c *retryingClient) Generate(ctx context.Context, messages []Message) (string, error) {
	var answer string
	err := retry.Do(ctx, c.cfg, func(ctx context.Context) error {
		var genErr error
		answer, genErr = c.inner.Generate(ctx, messages)
		return genErr
	})
	if err != nil {
		if retry.Retryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return answer, nil
}
