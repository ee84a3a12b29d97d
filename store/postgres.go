// Package store provides the corpus backends: a pgvector-backed Postgres
// store and an in-memory snapshot store. Both serve ingestion writes and
// similarity searches.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/paper-agent/chat"
	"github.com/fabfab/paper-agent/ingestion"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// ApplyDocument upserts the document row and replaces its chunks in one
// transaction. Identical content (same sha256 under the same source path) is
// left untouched and reported as unchanged.
func (s *Postgres) ApplyDocument(ctx context.Context, doc ingestion.Document, chunks []ingestion.Chunk) (docID uuid.UUID, changed bool, err error) {
	if s.pool == nil {
		return uuid.Nil, false, fmt.Errorf("postgres pool is nil")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var existingHash string
	err = tx.QueryRow(ctx, "SELECT id, sha256 FROM rag_documents WHERE source_path = $1", doc.SourcePath).Scan(&docID, &existingHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		docID = uuid.New()
		if _, err = tx.Exec(ctx, `
			INSERT INTO rag_documents (id, source_path, title, authors, year, sha256, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		`, docID, doc.SourcePath, doc.Title, doc.Authors, doc.Year, doc.SHA256); err != nil {
			return uuid.Nil, false, fmt.Errorf("insert document: %w", err)
		}
	case err != nil:
		return uuid.Nil, false, fmt.Errorf("query document: %w", err)
	case existingHash == doc.SHA256:
		if err = tx.Commit(ctx); err != nil {
			return uuid.Nil, false, fmt.Errorf("commit transaction: %w", err)
		}
		return docID, false, nil
	default:
		if _, err = tx.Exec(ctx, `
			UPDATE rag_documents
			SET title = $2,
			    authors = $3,
			    year = $4,
			    sha256 = $5,
			    updated_at = NOW()
			WHERE id = $1
		`, docID, doc.Title, doc.Authors, doc.Year, doc.SHA256); err != nil {
			return uuid.Nil, false, fmt.Errorf("update document: %w", err)
		}
	}

	if _, err = tx.Exec(ctx, "DELETE FROM rag_chunks WHERE document_id = $1", docID); err != nil {
		return uuid.Nil, false, fmt.Errorf("clear existing chunks: %w", err)
	}

	for _, chunk := range chunks {
		vec := pgvector.NewVector(chunk.Embedding)
		if _, err = tx.Exec(ctx, `
			INSERT INTO rag_chunks (id, document_id, chunk_index, content, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, chunk.ID, docID, chunk.Index, chunk.Text, vec); err != nil {
			return uuid.Nil, false, fmt.Errorf("insert chunk %d: %w", chunk.Index, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return uuid.Nil, false, fmt.Errorf("commit transaction: %w", err)
	}

	return docID, true, nil
}

// RemoveDocument deletes the document; chunks follow via ON DELETE CASCADE.
func (s *Postgres) RemoveDocument(ctx context.Context, documentID uuid.UUID) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	tag, err := s.pool.Exec(ctx, "DELETE FROM rag_documents WHERE id = $1", documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s not found", documentID)
	}
	return nil
}

// SimilarChunks returns the closest chunks by L2 distance, ties broken by
// insertion order (seq).
func (s *Postgres) SimilarChunks(ctx context.Context, embedding []float32, limit int) ([]chat.ChunkResult, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = 5
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := limit * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
        SELECT
            rc.id,
            rc.document_id,
            rd.title,
            rd.source_path,
            rc.chunk_index,
            rc.content,
            (rc.embedding <-> $1::vector) AS distance
        FROM rag_chunks rc
        JOIN rag_documents rd ON rd.id = rc.document_id
        ORDER BY rc.embedding <-> $1::vector, rc.seq
        LIMIT $2
    `, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]chat.ChunkResult, 0)
	for rows.Next() {
		var item chat.ChunkResult
		var distance float64
		if scanErr := rows.Scan(&item.ChunkID, &item.DocumentID, &item.Title, &item.Path, &item.Index, &item.Content, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		item.Score = 1 / (1 + distance)
		results = append(results, item)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return results, nil
}

// Clear wipes the corpus tables.
func (s *Postgres) Clear(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if _, err := s.pool.Exec(ctx, "TRUNCATE rag_chunks, rag_documents"); err != nil {
		return fmt.Errorf("truncate corpus tables: %w", err)
	}
	return nil
}

var (
	_ ingestion.Catalog = (*Postgres)(nil)
	_ chat.VectorStore  = (*Postgres)(nil)
)
