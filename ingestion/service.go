package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fabfab/paper-agent/knowledge"
)

// ErrInvalidDocument marks ingestion input that is rejected outright: empty,
// unreadable, or in an unsupported format. It is never retried.
var ErrInvalidDocument = errors.New("invalid document")

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// Document is the corpus-level record for one ingested source.
type Document struct {
	ID         uuid.UUID
	SourcePath string
	Title      string
	Authors    []string
	Year       int
	SHA256     string
}

// Chunk is one embedded fragment of a document.
type Chunk struct {
	ID        uuid.UUID
	Index     int
	Text      string
	Embedding []float32
}

// Catalog persists documents and their chunks. ApplyDocument reports whether
// the content changed; unchanged content (same source path, same sha256)
// must leave existing chunks untouched so re-ingestion is idempotent.
// RemoveDocument cascades to the document's chunks.
type Catalog interface {
	ApplyDocument(ctx context.Context, doc Document, chunks []Chunk) (uuid.UUID, bool, error)
	RemoveDocument(ctx context.Context, documentID uuid.UUID) error
}

// Embedder is the embedding capability the chunker output is run through.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Service struct {
	catalog      Catalog
	graph        *knowledge.Store
	embedder     Embedder
	logger       *log.Logger
	chunkSize    int
	chunkOverlap int
}

// NewService wires an ingestion pipeline. graph may be nil; document graph
// sync is then skipped.
func NewService(catalog Catalog, graph *knowledge.Store, embedder Embedder, logger *log.Logger, chunkSize, chunkOverlap int) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = defaultChunkOverlap
	}

	return &Service{
		catalog:      catalog,
		graph:        graph,
		embedder:     embedder,
		logger:       logger,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// IngestDirectory walks dir and ingests every supported file. Per-file
// failures are logged and skipped so one bad document does not abort the run.
func (s *Service) IngestDirectory(ctx context.Context, dir string) error {
	if s.embedder == nil {
		return fmt.Errorf("embedder not configured")
	}

	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("data directory: %w", err)
	}

	entries := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(path) != FormatUnknown {
			entries = append(entries, path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk data directory: %w", err)
	}

	if len(entries) == 0 {
		s.logger.Printf("no supported documents found in %s", dir)
		return nil
	}

	for _, path := range entries {
		if _, err := s.IngestFile(ctx, dir, path); err != nil {
			s.logger.Printf("ingest failed for %s: %v", path, err)
		}
	}

	return nil
}

// IngestFile reads one file and ingests it under its path relative to root.
func (s *Service) IngestFile(ctx context.Context, root, path string) (uuid.UUID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: read file: %v", ErrInvalidDocument, err)
	}

	relPath, relErr := filepath.Rel(root, path)
	if relErr != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)

	return s.Ingest(ctx, relPath, data)
}

// Ingest parses, chunks, embeds, and persists one document. Re-ingesting
// identical content is a no-op returning the existing document id.
func (s *Service) Ingest(ctx context.Context, sourcePath string, data []byte) (uuid.UUID, error) {
	if s.embedder == nil {
		return uuid.Nil, fmt.Errorf("embedder not configured")
	}

	parser := ParserFor(DetectFormat(sourcePath))
	if parser == nil {
		return uuid.Nil, fmt.Errorf("%w: unsupported format for %s", ErrInvalidDocument, sourcePath)
	}

	parsed, err := parser.Parse(ctx, DocumentPayload{Path: sourcePath, Data: data})
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidDocument, sourcePath, err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return uuid.Nil, fmt.Errorf("%w: %s has no text content", ErrInvalidDocument, sourcePath)
	}

	hash := sha256.Sum256(data)

	texts := SplitText(parsed.Text, s.chunkSize, s.chunkOverlap)
	if len(texts) == 0 {
		return uuid.Nil, fmt.Errorf("%w: %s produced no chunks", ErrInvalidDocument, sourcePath)
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return uuid.Nil, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(texts), len(vectors))
	}

	chunks := make([]Chunk, len(texts))
	for idx, text := range texts {
		chunks[idx] = Chunk{
			ID:        uuid.New(),
			Index:     idx,
			Text:      text,
			Embedding: vectors[idx],
		}
	}

	doc := Document{
		SourcePath: sourcePath,
		Title:      parsed.Title,
		Authors:    parsed.Authors,
		Year:       parsed.Year,
		SHA256:     hex.EncodeToString(hash[:]),
	}

	docID, changed, err := s.catalog.ApplyDocument(ctx, doc, chunks)
	if err != nil {
		return uuid.Nil, fmt.Errorf("apply document: %w", err)
	}

	if !changed {
		s.logger.Printf("no updates required for %s", sourcePath)
		return docID, nil
	}

	if s.graph != nil {
		node := knowledge.Document{
			ID:         docID.String(),
			Path:       sourcePath,
			Title:      parsed.Title,
			Authors:    parsed.Authors,
			Year:       parsed.Year,
			ChunkCount: len(chunks),
		}
		if err := s.graph.SyncDocument(ctx, node); err != nil {
			return uuid.Nil, fmt.Errorf("sync knowledge graph: %w", err)
		}
	}

	s.logger.Printf("ingested %s (%d chunks)", sourcePath, len(chunks))
	return docID, nil
}

// Remove deletes a document and all chunks derived from it.
func (s *Service) Remove(ctx context.Context, documentID uuid.UUID) error {
	if err := s.catalog.RemoveDocument(ctx, documentID); err != nil {
		return fmt.Errorf("remove document: %w", err)
	}
	if s.graph != nil {
		if err := s.graph.RemoveDocument(ctx, documentID.String()); err != nil {
			return fmt.Errorf("remove document from graph: %w", err)
		}
	}
	return nil
}
