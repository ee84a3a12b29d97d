package llm

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

type flakyClient struct {
	failures int
	err      error
	calls    int
}

func (f *flakyClient) Generate(context.Context, []Message) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "generated text", nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	inner := &flakyClient{failures: 1, err: errors.New("rate limit exceeded")}
	client := WithRetry(inner, fastRetry())

	answer, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "generated text", answer)
	assert.Equal(t, 2, inner.calls)
}

func TestWithRetryReportsUnavailableAfterBudget(t *testing.T) {
	inner := &flakyClient{failures: 10, err: errors.New("502 bad gateway")}
	client := WithRetry(inner, fastRetry())

	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetryPassesPermanentErrorThrough(t *testing.T) {
	permanent := errors.New("context length exceeded")
	inner := &flakyClient{failures: 10, err: permanent}
	client := WithRetry(inner, fastRetry())

	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, inner.calls)
}

func TestNewClientUnknownProvider(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Provider = "invalid"

	_, err := NewClient(cfg)
	require.Error(t, err)
}

func TestNewClientOpenAIRequiresKey(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Provider = config.ProviderOpenAI

	_, err := NewClient(cfg)
	require.Error(t, err)
}
