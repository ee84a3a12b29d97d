package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/paper-agent/config"
	"github.com/fabfab/paper-agent/retry"
)

// ErrUnavailable marks embedding provider failures that survived the retry
// budget. Callers surface it to the user instead of retrying further.
var ErrUnavailable = errors.New("embedding provider unavailable")

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	var inner Embedder
	switch opts.Provider {
	case config.ProviderOllama:
		inner = NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		inner = NewOpenAIEmbedder(opts)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}

	return WithRetry(inner, retry.DefaultConfig()), nil
}

type retryingEmbedder struct {
	inner Embedder
	cfg   retry.Config
}

// WithRetry wraps an Embedder with bounded exponential backoff. Failures that
// outlive the budget are reported as ErrUnavailable.
func WithRetry(inner Embedder, cfg retry.Config) Embedder {
	return &retryingEmbedder{inner: inner, cfg: cfg}
}

func (e *retryingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := retry.Do(ctx, e.cfg, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = e.inner.Embed(ctx, texts)
		return embedErr
	})
	if err != nil {
		if retry.Retryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return vectors, nil
}
