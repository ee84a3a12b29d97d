package chat_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/paper-agent/chat"
	"github.com/fabfab/paper-agent/ingestion"
	"github.com/fabfab/paper-agent/llm"
	"github.com/fabfab/paper-agent/store"
)

// stubEmbedder assigns axis-aligned vectors by keyword so similarity
// ranking is fully deterministic.
type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "banana"):
			vectors[i] = []float32{0, 1, 0}
		case strings.Contains(lower, "apple"):
			vectors[i] = []float32{1, 0, 0}
		default:
			vectors[i] = []float32{0, 0, 1}
		}
	}
	return vectors, nil
}

type failingEmbedder struct{ err error }

func (f failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

// scriptedLLM answers summary and synthesis calls differently, keyed on the
// system prompt each call carries.
type scriptedLLM struct {
	synthesisOutput string
	synthesisErr    error
	summaryFn       func(userPrompt string) (string, error)

	mu    sync.Mutex
	calls []string
}

func (s *scriptedLLM) record(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, kind)
}

func (s *scriptedLLM) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedLLM) Generate(_ context.Context, messages []llm.Message) (string, error) {
	system := messages[0].Content
	user := messages[len(messages)-1].Content
	if strings.Contains(system, "excerpt") {
		s.record("summary")
		if s.summaryFn != nil {
			return s.summaryFn(user)
		}
		return "summary of the excerpt", nil
	}

	s.record("synthesis")
	if s.synthesisErr != nil {
		return "", s.synthesisErr
	}
	return s.synthesisOutput, nil
}

type recordingLog struct {
	exchanges []chat.Exchange
}

func (r *recordingLog) Append(_ context.Context, exchange chat.Exchange) error {
	r.exchanges = append(r.exchanges, exchange)
	return nil
}

func quietLogger() *log.Logger {
	return log.New(&strings.Builder{}, "", 0)
}

func seedFruitCorpus(t *testing.T, memory *store.Memory) {
	t.Helper()

	ingestor := ingestion.NewService(memory, nil, stubEmbedder{}, quietLogger(), 20, 0)
	_, err := ingestor.Ingest(context.Background(), "fruit.txt", []byte("Apples are red. Bananas are yellow."))
	require.NoError(t, err)
}

func TestAskAnswersFromRetrievedChunks(t *testing.T) {
	memory := store.NewMemory(3)
	seedFruitCorpus(t, memory)

	model := &scriptedLLM{
		summaryFn: func(userPrompt string) (string, error) {
			if strings.Contains(userPrompt, "Bananas") {
				return "Bananas are yellow according to the excerpt.", nil
			}
			return "NOT RELEVANT", nil
		},
		synthesisOutput: "Question: What color are bananas?\nBananas are yellow [1].\n\nReferences\n[1] fruit.txt",
	}
	logStore := &recordingLog{}

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service := chat.NewService(memory, nil, stubEmbedder{}, model, logStore, quietLogger()).
		WithClock(func() time.Time { return fixed }, func() string { return "fixed-id" })

	answer, err := service.Ask(context.Background(), "What color are bananas?", "", chat.Config{RetrievalLimit: 5})
	require.NoError(t, err)

	assert.Equal(t, "fixed-id", answer.SessionID)
	assert.Equal(t, "Bananas are yellow [1].", answer.Text)
	assert.Equal(t, fixed, answer.Timestamp)

	require.Len(t, answer.Citations, 1)
	citation := answer.Citations[0]
	assert.Equal(t, "[1]", citation.Marker)
	assert.Equal(t, "fruit.txt", citation.Path)
	assert.Equal(t, 1, citation.ChunkIndex)

	require.Len(t, answer.Sources, 1)
	assert.Contains(t, answer.Sources[0].Snippet, "Bananas are yellow.")

	require.Len(t, logStore.exchanges, 1)
	exchange := logStore.exchanges[0]
	assert.Equal(t, "fixed-id", exchange.SessionID)
	assert.Equal(t, chat.ExchangeSource, exchange.Source)
	assert.Equal(t, answer.Text, exchange.Answer)
	assert.Equal(t, answer.Citations, exchange.Citations)
}

func TestAskEmptyCorpusReturnsFallback(t *testing.T) {
	memory := store.NewMemory(3)
	logStore := &recordingLog{}
	model := &scriptedLLM{synthesisOutput: "should never be called"}

	service := chat.NewService(memory, nil, stubEmbedder{}, model, logStore, quietLogger())

	answer, err := service.Ask(context.Background(), "What color are bananas?", "", chat.Config{})
	require.NoError(t, err)

	assert.Equal(t, chat.FallbackAnswer, answer.Text)
	assert.Empty(t, answer.Citations)
	assert.Empty(t, model.recorded())

	require.Len(t, logStore.exchanges, 1)
	assert.Equal(t, chat.FallbackAnswer, logStore.exchanges[0].Answer)
}

func TestAskAllChunksIrrelevantReturnsFallback(t *testing.T) {
	memory := store.NewMemory(3)
	seedFruitCorpus(t, memory)

	model := &scriptedLLM{
		summaryFn: func(string) (string, error) { return "NOT RELEVANT", nil },
	}
	logStore := &recordingLog{}
	service := chat.NewService(memory, nil, stubEmbedder{}, model, logStore, quietLogger())

	answer, err := service.Ask(context.Background(), "What color are bananas?", "", chat.Config{})
	require.NoError(t, err)

	assert.Equal(t, chat.FallbackAnswer, answer.Text)
	assert.NotContains(t, model.recorded(), "synthesis")
	require.Len(t, logStore.exchanges, 1)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	memory := store.NewMemory(3)
	service := chat.NewService(memory, nil, stubEmbedder{}, &scriptedLLM{}, nil, quietLogger())

	_, err := service.Ask(context.Background(), "   ", "", chat.Config{})
	require.Error(t, err)
}

func TestAskPropagatesGenerationOutage(t *testing.T) {
	memory := store.NewMemory(3)
	seedFruitCorpus(t, memory)

	model := &scriptedLLM{
		summaryFn:    func(string) (string, error) { return "Bananas are yellow.", nil },
		synthesisErr: fmt.Errorf("generate: %w", llm.ErrUnavailable),
	}
	logStore := &recordingLog{}
	service := chat.NewService(memory, nil, stubEmbedder{}, model, logStore, quietLogger())

	_, err := service.Ask(context.Background(), "What color are bananas?", "", chat.Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrUnavailable))
	assert.Empty(t, logStore.exchanges)
}

func TestAskPropagatesEmbeddingFailure(t *testing.T) {
	memory := store.NewMemory(3)
	seedFruitCorpus(t, memory)

	boom := errors.New("embedding backend down")
	service := chat.NewService(memory, nil, failingEmbedder{err: boom}, &scriptedLLM{}, nil, quietLogger())

	_, err := service.Ask(context.Background(), "What color are bananas?", "", chat.Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestAskKeepsProvidedSessionAcrossQuestions(t *testing.T) {
	memory := store.NewMemory(3)
	seedFruitCorpus(t, memory)

	model := &scriptedLLM{
		summaryFn:       func(string) (string, error) { return "Bananas are yellow.", nil },
		synthesisOutput: "Bananas are yellow [1].",
	}
	logStore := &recordingLog{}
	service := chat.NewService(memory, nil, stubEmbedder{}, model, logStore, quietLogger())

	first, err := service.Ask(context.Background(), "What color are bananas?", "session-7", chat.Config{})
	require.NoError(t, err)
	second, err := service.Ask(context.Background(), "And apples?", "session-7", chat.Config{})
	require.NoError(t, err)

	assert.Equal(t, "session-7", first.SessionID)
	assert.Equal(t, "session-7", second.SessionID)
	require.Len(t, logStore.exchanges, 2)
	assert.Equal(t, "What color are bananas?", logStore.exchanges[0].Question)
	assert.Equal(t, "And apples?", logStore.exchanges[1].Question)
}
