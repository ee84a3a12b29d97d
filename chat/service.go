package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/paper-agent/embeddings"
	"github.com/fabfab/paper-agent/knowledge"
	"github.com/fabfab/paper-agent/llm"
)

const (
	defaultRetrievalLimit = 5
	summaryConcurrency    = 4

	// notRelevantMarker is what the summary prompt instructs the model to
	// emit when a chunk does not help answer the question.
	notRelevantMarker = "NOT RELEVANT"
)

// VectorStore is the similarity-search capability the retriever delegates to.
type VectorStore interface {
	SimilarChunks(ctx context.Context, embedding []float32, limit int) ([]ChunkResult, error)
}

// GraphStore supplies document-level insights for citation enrichment.
type GraphStore interface {
	DocumentInsights(ctx context.Context, docIDs []string) (map[string]knowledge.Insight, error)
}

// ExchangeLog records completed question/answer pairs. Appends happen only
// after synthesis succeeds, never partially.
type ExchangeLog interface {
	Append(ctx context.Context, exchange Exchange) error
}

type Service struct {
	vectors   VectorStore
	graph     GraphStore
	embedder  embeddings.Embedder
	llm       llm.Client
	exchanges ExchangeLog
	logger    *log.Logger

	// Injected for deterministic tests.
	now   func() time.Time
	newID func() string
}

type Config struct {
	RetrievalLimit int
}

// NewService assembles the question-answering pipeline. graph and exchanges
// may be nil; insight enrichment and session logging are then skipped.
func NewService(vectors VectorStore, graph GraphStore, embedder embeddings.Embedder, llmClient llm.Client, exchanges ExchangeLog, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		vectors:   vectors,
		graph:     graph,
		embedder:  embedder,
		llm:       llmClient,
		exchanges: exchanges,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// WithClock overrides the service clock and id generator.
func (s *Service) WithClock(now func() time.Time, newID func() string) *Service {
	if now != nil {
		s.now = now
	}
	if newID != nil {
		s.newID = newID
	}
	return s
}

// Ask answers one question against the corpus. An empty sessionID starts a
// new session; the assigned id is returned on the answer. An empty corpus is
// not an error: the fixed fallback answer is returned instead.
func (s *Service) Ask(ctx context.Context, question, sessionID string, cfg Config) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question cannot be empty")
	}
	if s.embedder == nil {
		return Answer{}, fmt.Errorf("embedder is not configured")
	}
	if s.vectors == nil {
		return Answer{}, fmt.Errorf("vector store is not configured")
	}
	if s.llm == nil {
		return Answer{}, fmt.Errorf("llm client is not configured")
	}

	if sessionID == "" {
		sessionID = s.newID()
	}

	limit := cfg.RetrievalLimit
	if limit <= 0 {
		limit = defaultRetrievalLimit
	}

	chunks, err := s.retrieve(ctx, question, limit)
	if err != nil {
		return Answer{}, err
	}

	if len(chunks) == 0 {
		s.logger.Printf("no context available for question, returning fallback answer")
		return s.finish(ctx, Answer{
			SessionID: sessionID,
			Question:  question,
			Text:      FallbackAnswer,
			Timestamp: s.now().UTC(),
		})
	}

	summaries := s.summarize(ctx, question, chunks)
	if len(summaries) == 0 {
		return s.finish(ctx, Answer{
			SessionID: sessionID,
			Question:  question,
			Text:      FallbackAnswer,
			Timestamp: s.now().UTC(),
		})
	}

	text, err := s.synthesize(ctx, question, summaries)
	if err != nil {
		return Answer{}, err
	}

	citations := make([]Citation, len(summaries))
	for i, summary := range summaries {
		citations[i] = Citation{
			Marker:     fmt.Sprintf("[%d]", i+1),
			DocumentID: summary.chunk.DocumentID,
			Title:      summary.chunk.Title,
			Path:       summary.chunk.Path,
			ChunkIndex: summary.chunk.Index,
		}
	}

	answer := Answer{
		SessionID: sessionID,
		Question:  question,
		Text:      text,
		Citations: citations,
		Sources:   s.buildSources(ctx, summaries),
		Timestamp: s.now().UTC(),
	}

	return s.finish(ctx, answer)
}

// retrieve embeds the question with the same embedder used at ingestion and
// delegates to the vector store. An empty corpus yields an empty slice.
func (s *Service) retrieve(ctx context.Context, question string, limit int) ([]ChunkResult, error) {
	vectors, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}

	chunks, err := s.vectors.SimilarChunks(ctx, vectors[0], limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return chunks, nil
}

type chunkSummary struct {
	chunk   ChunkResult
	summary string
}

// summarize condenses each retrieved chunk in parallel. A chunk whose
// summarization fails or comes back empty/irrelevant is dropped from the
// candidate set rather than aborting the answer. Order follows retrieval
// order.
func (s *Service) summarize(ctx context.Context, question string, chunks []ChunkResult) []chunkSummary {
	results := make([]*chunkSummary, len(chunks))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(summaryConcurrency)

	for i := range chunks {
		i := i
		group.Go(func() error {
			chunk := chunks[i]
			output, err := s.llm.Generate(groupCtx, []llm.Message{
				{Role: llm.RoleSystem, Content: summarySystemPrompt()},
				{Role: llm.RoleUser, Content: summaryUserPrompt(question, chunk)},
			})
			if err != nil {
				s.logger.Printf("summarize chunk %s: %v", chunk.ChunkID, err)
				return nil
			}

			output = strings.TrimSpace(output)
			if output == "" || strings.EqualFold(output, notRelevantMarker) {
				return nil
			}

			results[i] = &chunkSummary{chunk: chunk, summary: output}
			return nil
		})
	}
	_ = group.Wait()

	survivors := make([]chunkSummary, 0, len(chunks))
	for _, result := range results {
		if result != nil {
			survivors = append(survivors, *result)
		}
	}
	return survivors
}

// synthesize produces one grounded answer from the surviving summaries and
// runs the cleaning pass over the raw generation output.
func (s *Service) synthesize(ctx context.Context, question string, summaries []chunkSummary) (string, error) {
	raw, err := s.llm.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: synthesisSystemPrompt()},
		{Role: llm.RoleUser, Content: synthesisUserPrompt(question, summaries)},
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("synthesize answer: %w", err)
	}

	return CleanAnswer(raw), nil
}

// finish appends the exchange to the session log and returns the answer. The
// append is all-or-nothing: a failed append fails the request rather than
// leaving a half-recorded session.
func (s *Service) finish(ctx context.Context, answer Answer) (Answer, error) {
	if s.exchanges == nil {
		return answer, nil
	}

	exchange := Exchange{
		ID:        s.newID(),
		SessionID: answer.SessionID,
		Question:  answer.Question,
		Answer:    answer.Text,
		Citations: answer.Citations,
		Source:    ExchangeSource,
		Timestamp: answer.Timestamp,
	}
	if err := s.exchanges.Append(ctx, exchange); err != nil {
		return Answer{}, fmt.Errorf("append exchange: %w", err)
	}
	return answer, nil
}

func (s *Service) buildSources(ctx context.Context, summaries []chunkSummary) []Source {
	chunks := make([]ChunkResult, len(summaries))
	for i, summary := range summaries {
		chunks[i] = summary.chunk
	}

	insights := map[string]knowledge.Insight{}
	if s.graph != nil {
		docIDs := make([]string, 0, len(chunks))
		for _, chunk := range chunks {
			docIDs = append(docIDs, chunk.DocumentID)
		}
		insightMap, err := s.graph.DocumentInsights(ctx, unique(docIDs))
		if err != nil {
			s.logger.Printf("graph insights error: %v", err)
		} else {
			insights = insightMap
		}
	}

	return mergeSources(chunks, insights)
}

func mergeSources(chunks []ChunkResult, insights map[string]knowledge.Insight) []Source {
	grouped := make(map[string]*Source, len(chunks))
	order := make([]string, 0, len(chunks))

	for i := range chunks {
		chunk := chunks[i]
		source, ok := grouped[chunk.DocumentID]
		if !ok {
			source = &Source{
				DocumentID: chunk.DocumentID,
				Title:      chunk.Title,
				Path:       chunk.Path,
				Score:      chunk.Score,
			}
			grouped[chunk.DocumentID] = source
			order = append(order, chunk.DocumentID)
		} else if chunk.Score > source.Score {
			source.Score = chunk.Score
		}

		snippet := strings.TrimSpace(chunk.Content)
		if len(snippet) > 500 {
			snippet = snippet[:500] + "..."
		}
		if source.Snippet == "" {
			source.Snippet = snippet
		} else if !strings.Contains(source.Snippet, snippet) {
			source.Snippet += "\n---\n" + snippet
		}

		if insight, ok := insights[chunk.DocumentID]; ok {
			source.Insight = insight
		}
	}

	sources := make([]Source, 0, len(grouped))
	for _, id := range order {
		sources = append(sources, *grouped[id])
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})

	return sources
}

func summarySystemPrompt() string {
	return "You summarize a single excerpt from a document to help answer a question. Use only the excerpt: do not add outside knowledge. If the excerpt does not help answer the question, reply with exactly NOT RELEVANT. Otherwise reply with a concise summary of the relevant content, at most three sentences."
}

func summaryUserPrompt(question string, chunk ChunkResult) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nExcerpt from ")
	sb.WriteString(chunk.Title)
	sb.WriteString(":\n")
	sb.WriteString(chunk.Content)
	return sb.String()
}

func synthesisSystemPrompt() string {
	return "You answer a question using only the provided summaries. Every substantive claim must cite its summary with the bracketed marker, e.g. [1]. If the summaries do not contain the answer, say you cannot answer from the available information. Do not invent sources and do not append a references section."
}

func synthesisUserPrompt(question string, summaries []chunkSummary) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nSummaries:\n")
	for i, summary := range summaries {
		sb.WriteString(fmt.Sprintf("[%d] %s (%s)\n%s\n\n", i+1, summary.chunk.Title, summary.chunk.Path, summary.summary))
	}
	sb.WriteString("Write one coherent answer with citation markers.")
	return sb.String()
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
