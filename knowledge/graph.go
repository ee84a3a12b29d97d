// Package knowledge maintains a Neo4j graph of documents, authors, and
// folders, used to enrich answer citations with corpus-level context.
package knowledge

import (
	"context"
	"fmt"
	stdpath "path"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Document struct {
	ID         string
	Path       string
	Title      string
	Authors    []string
	Year       int
	Folder     string
	ChunkCount int
}

// RelatedDocument is another corpus document connected through a shared
// author or folder.
type RelatedDocument struct {
	ID     string
	Title  string
	Path   string
	Reason string
}

// Insight summarizes what the graph knows about one document.
type Insight struct {
	ChunkCount       int
	Authors          []string
	Year             int
	RelatedDocuments []RelatedDocument
}

type Store struct {
	driver neo4j.DriverWithContext
}

func NewStore(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// SyncDocument upserts the document node and its author/folder relations.
func (s *Store) SyncDocument(ctx context.Context, doc Document) error {
	if s.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	if doc.Folder == "" {
		folder := stdpath.Dir(doc.Path)
		if folder != "." && folder != "/" {
			doc.Folder = folder
		}
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := map[string]any{
		"id":     doc.ID,
		"path":   doc.Path,
		"title":  doc.Title,
		"year":   doc.Year,
		"folder": doc.Folder,
		"chunks": doc.ChunkCount,
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.path = $path,
			    d.title = $title,
			    d.year = $year,
			    d.chunk_count = $chunks,
			    d.updated_at = datetime()
		`, params); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})-[r:AUTHORED_BY]->(:Author)
			DELETE r
		`, params); err != nil {
			return nil, fmt.Errorf("remove stale author relations: %w", err)
		}

		for _, author := range doc.Authors {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})
				MERGE (a:Author {name: $author})
				MERGE (d)-[:AUTHORED_BY]->(a)
			`, map[string]any{"id": doc.ID, "author": author}); err != nil {
				return nil, fmt.Errorf("upsert author relation: %w", err)
			}
		}

		if doc.Folder != "" {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})-[r:IN_FOLDER]->(:Folder)
				DELETE r
			`, params); err != nil {
				return nil, fmt.Errorf("remove stale folder relation: %w", err)
			}
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})
				MERGE (f:Folder {name: $folder})
				MERGE (d)-[:IN_FOLDER]->(f)
			`, params); err != nil {
				return nil, fmt.Errorf("upsert folder relation: %w", err)
			}
		} else {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $id})-[r:IN_FOLDER]->(f:Folder)
				DELETE r
				WITH f
				WHERE NOT (f)<-[:IN_FOLDER]-(:Document)
				DETACH DELETE f
			`, params); err != nil {
				return nil, fmt.Errorf("cleanup folder relation: %w", err)
			}
		}

		return nil, nil
	})

	return err
}

// RemoveDocument detaches and deletes the document node. Orphaned authors and
// folders are cleaned up in the same transaction.
func (s *Store) RemoveDocument(ctx context.Context, docID string) error {
	if s.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (d:Document {id: $id})
			DETACH DELETE d
		`, map[string]any{"id": docID}); err != nil {
			return nil, fmt.Errorf("delete document node: %w", err)
		}
		if _, err := tx.Run(ctx, `
			MATCH (a:Author)
			WHERE NOT (a)<-[:AUTHORED_BY]-(:Document)
			DETACH DELETE a
		`, nil); err != nil {
			return nil, fmt.Errorf("cleanup orphan authors: %w", err)
		}
		if _, err := tx.Run(ctx, `
			MATCH (f:Folder)
			WHERE NOT (f)<-[:IN_FOLDER]-(:Document)
			DETACH DELETE f
		`, nil); err != nil {
			return nil, fmt.Errorf("cleanup orphan folders: %w", err)
		}
		return nil, nil
	})

	return err
}

// Clear removes every node the store manages.
func (s *Store) Clear(ctx context.Context) error {
	if s.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	queries := []string{
		"MATCH (d:Document) DETACH DELETE d",
		"MATCH (a:Author) DETACH DELETE a",
		"MATCH (f:Folder) DETACH DELETE f",
	}

	for _, query := range queries {
		result, err := session.Run(ctx, query, nil)
		if err != nil {
			return err
		}
		if _, err := result.Consume(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DocumentInsights returns graph context for the given document ids: chunk
// counts, authors, and documents related through a shared author or folder.
func (s *Store) DocumentInsights(ctx context.Context, docIDs []string) (map[string]Insight, error) {
	if s.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(docIDs) == 0 {
		return map[string]Insight{}, nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (d:Document)
			WHERE d.id IN $ids
			OPTIONAL MATCH (d)-[:AUTHORED_BY]->(a:Author)
			OPTIONAL MATCH (d)-[:AUTHORED_BY|IN_FOLDER]->(shared)<-[rel:AUTHORED_BY|IN_FOLDER]-(other:Document)
			WHERE other.id <> d.id
			RETURN d.id AS id,
			       d.chunk_count AS chunkCount,
			       d.year AS year,
			       collect(DISTINCT a.name) AS authors,
			       collect(DISTINCT {id: other.id, title: other.title, path: other.path, reason: type(rel)}) AS related
		`, map[string]any{"ids": docIDs})
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("query document insights: %w", err)
	}

	insights := make(map[string]Insight)
	for _, record := range records.([]*neo4j.Record) {
		id, _ := record.Get("id")
		docID, ok := id.(string)
		if !ok {
			continue
		}

		insight := Insight{}
		if value, found := record.Get("chunkCount"); found {
			if count, ok := toInt(value); ok {
				insight.ChunkCount = count
			}
		}
		if value, found := record.Get("year"); found {
			if year, ok := toInt(value); ok {
				insight.Year = year
			}
		}
		if value, found := record.Get("authors"); found {
			insight.Authors = convertStringSlice(value)
		}
		if value, found := record.Get("related"); found {
			insight.RelatedDocuments = convertRelated(value)
		}

		insights[docID] = insight
	}

	return insights, nil
}

func convertStringSlice(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			result = append(result, s)
		}
	}
	return result
}

func convertRelated(value any) []RelatedDocument {
	items, ok := value.([]any)
	if !ok {
		return nil
	}

	seen := make(map[string]struct{}, len(items))
	result := make([]RelatedDocument, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		related := RelatedDocument{}
		if id, ok := entry["id"].(string); ok {
			related.ID = id
		}
		if related.ID == "" {
			continue
		}
		if _, dup := seen[related.ID]; dup {
			continue
		}
		seen[related.ID] = struct{}{}

		if title, ok := entry["title"].(string); ok {
			related.Title = title
		}
		if path, ok := entry["path"].(string); ok {
			related.Path = path
		}
		if reason, ok := entry["reason"].(string); ok {
			related.Reason = reason
		}
		result = append(result, related)
	}
	return result
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
