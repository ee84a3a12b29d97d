package chat

import (
	"time"

	"github.com/fabfab/paper-agent/knowledge"
)

// ExchangeSource tags log records produced by this pipeline.
const ExchangeSource = "rag_api"

// ChunkResult is one retrieved chunk with its similarity score.
type ChunkResult struct {
	ChunkID    string
	DocumentID string
	Title      string
	Path       string
	Index      int
	Content    string
	Score      float64
}

// Citation points a claim in the answer back to a retrieved chunk. Citations
// only ever reference chunks that were actually retrieved for the question.
type Citation struct {
	Marker     string `json:"marker"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Path       string `json:"path"`
	ChunkIndex int    `json:"chunk_index"`
}

// Source is a document-level view of the citations, enriched with graph
// insights when a knowledge store is configured.
type Source struct {
	DocumentID string
	Title      string
	Path       string
	Snippet    string
	Score      float64
	Insight    knowledge.Insight
}

// Answer is the final product of one question: cleaned text plus the ordered
// citations it is grounded on.
type Answer struct {
	SessionID string
	Question  string
	Text      string
	Citations []Citation
	Sources   []Source
	Timestamp time.Time
}

// Exchange is the session-log record for one question/answer pair.
type Exchange struct {
	ID        string
	SessionID string
	Question  string
	Answer    string
	Citations []Citation
	Source    string
	Timestamp time.Time
}
