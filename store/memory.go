package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fabfab/paper-agent/chat"
	"github.com/fabfab/paper-agent/ingestion"
)

// Memory is an in-memory corpus with brute-force cosine similarity search.
// Writers hold a short mutex and publish a fresh copy-on-write snapshot;
// searches read the last published snapshot without locking, so queries stay
// consistent while a document is being ingested.
type Memory struct {
	dimension int

	mu   sync.Mutex
	snap atomic.Pointer[memorySnapshot]
}

type memoryDocument struct {
	id         uuid.UUID
	sourcePath string
	title      string
	sha256     string
}

type memoryChunk struct {
	id         uuid.UUID
	documentID uuid.UUID
	index      int
	text       string
	embedding  []float32
	seq        int
}

type memorySnapshot struct {
	docs    map[string]memoryDocument // keyed by source path
	chunks  []memoryChunk             // insertion order
	nextSeq int
}

func NewMemory(dimension int) *Memory {
	m := &Memory{dimension: dimension}
	m.snap.Store(&memorySnapshot{docs: map[string]memoryDocument{}})
	return m
}

func (m *Memory) ApplyDocument(_ context.Context, doc ingestion.Document, chunks []ingestion.Chunk) (uuid.UUID, bool, error) {
	for _, chunk := range chunks {
		if m.dimension > 0 && len(chunk.Embedding) != m.dimension {
			return uuid.Nil, false, fmt.Errorf("chunk %d dimension mismatch: expected %d, got %d", chunk.Index, m.dimension, len(chunk.Embedding))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.snap.Load()
	if existing, ok := current.docs[doc.SourcePath]; ok && existing.sha256 == doc.SHA256 {
		return existing.id, false, nil
	}

	next := current.clone()

	docID := uuid.New()
	if existing, ok := next.docs[doc.SourcePath]; ok {
		docID = existing.id
		next.dropChunks(docID)
	}
	next.docs[doc.SourcePath] = memoryDocument{
		id:         docID,
		sourcePath: doc.SourcePath,
		title:      doc.Title,
		sha256:     doc.SHA256,
	}

	for _, chunk := range chunks {
		next.chunks = append(next.chunks, memoryChunk{
			id:         chunk.ID,
			documentID: docID,
			index:      chunk.Index,
			text:       chunk.Text,
			embedding:  chunk.Embedding,
			seq:        next.nextSeq,
		})
		next.nextSeq++
	}

	m.snap.Store(next)
	return docID, true, nil
}

func (m *Memory) RemoveDocument(_ context.Context, documentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.snap.Load()
	var path string
	for p, doc := range current.docs {
		if doc.id == documentID {
			path = p
			break
		}
	}
	if path == "" {
		return fmt.Errorf("document %s not found", documentID)
	}

	next := current.clone()
	delete(next.docs, path)
	next.dropChunks(documentID)

	m.snap.Store(next)
	return nil
}

// SimilarChunks searches the last published snapshot. Results are sorted by
// non-increasing cosine similarity; equal scores keep insertion order.
func (m *Memory) SimilarChunks(_ context.Context, embedding []float32, limit int) ([]chat.ChunkResult, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if m.dimension > 0 && len(embedding) != m.dimension {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", m.dimension, len(embedding))
	}
	if limit <= 0 {
		limit = 5
	}

	snap := m.snap.Load()
	if len(snap.chunks) == 0 {
		return []chat.ChunkResult{}, nil
	}

	titles := make(map[uuid.UUID]memoryDocument, len(snap.docs))
	for _, doc := range snap.docs {
		titles[doc.id] = doc
	}

	scored := make([]memoryChunk, len(snap.chunks))
	copy(scored, snap.chunks)
	scores := make([]float64, len(scored))
	for i, chunk := range scored {
		scores[i] = cosineSimilarity(chunk.embedding, embedding)
	}

	order := make([]int, len(scored))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if limit > len(order) {
		limit = len(order)
	}

	results := make([]chat.ChunkResult, 0, limit)
	for _, idx := range order[:limit] {
		chunk := scored[idx]
		doc := titles[chunk.documentID]
		results = append(results, chat.ChunkResult{
			ChunkID:    chunk.id.String(),
			DocumentID: chunk.documentID.String(),
			Title:      doc.title,
			Path:       doc.sourcePath,
			Index:      chunk.index,
			Content:    chunk.text,
			Score:      scores[idx],
		})
	}

	return results, nil
}

// Clear drops every document and chunk.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Store(&memorySnapshot{docs: map[string]memoryDocument{}})
	return nil
}

func (s *memorySnapshot) clone() *memorySnapshot {
	docs := make(map[string]memoryDocument, len(s.docs))
	for k, v := range s.docs {
		docs[k] = v
	}
	chunks := make([]memoryChunk, len(s.chunks))
	copy(chunks, s.chunks)
	return &memorySnapshot{docs: docs, chunks: chunks, nextSeq: s.nextSeq}
}

func (s *memorySnapshot) dropChunks(documentID uuid.UUID) {
	kept := s.chunks[:0]
	for _, chunk := range s.chunks {
		if chunk.documentID != documentID {
			kept = append(kept, chunk)
		}
	}
	s.chunks = kept
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var (
	_ ingestion.Catalog = (*Memory)(nil)
	_ chat.VectorStore  = (*Memory)(nil)
)
