package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/paper-agent/config"
	"github.com/fabfab/paper-agent/retry"
)

type flakyEmbedder struct {
	failures int
	err      error
	calls    int
}

func (f *flakyEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{1}
	}
	return vectors, nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	inner := &flakyEmbedder{failures: 2, err: errors.New("connection refused")}
	embedder := WithRetry(inner, fastRetry())

	vectors, err := embedder.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetryReportsUnavailableAfterBudget(t *testing.T) {
	inner := &flakyEmbedder{failures: 10, err: errors.New("503 service unavailable")}
	embedder := WithRetry(inner, fastRetry())

	_, err := embedder.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetryPassesPermanentErrorThrough(t *testing.T) {
	permanent := errors.New("model not found")
	inner := &flakyEmbedder{failures: 10, err: permanent}
	embedder := WithRetry(inner, fastRetry())

	_, err := embedder.Embed(context.Background(), []string{"a"})
	require.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, inner.calls)
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	cfg := config.Config{}
	cfg.Embeddings.Provider = "invalid"

	_, err := NewEmbedder(cfg)
	require.Error(t, err)
}

func TestNewEmbedderOpenAIRequiresKey(t *testing.T) {
	cfg := config.Config{}
	cfg.Embeddings.Provider = config.ProviderOpenAI

	_, err := NewEmbedder(cfg)
	require.Error(t, err)
}
