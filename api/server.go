// Package api exposes the question-answering pipeline over HTTP. The web UI
// consuming it is an external collaborator; error bodies carry a detail
// message it surfaces verbatim.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/fabfab/paper-agent/chat"
	"github.com/fabfab/paper-agent/config"
	"github.com/fabfab/paper-agent/embeddings"
	"github.com/fabfab/paper-agent/ingestion"
	"github.com/fabfab/paper-agent/llm"
	"github.com/fabfab/paper-agent/session"
)

// CorpusClearer wipes the ingested corpus. Both store backends implement it.
type CorpusClearer interface {
	Clear(ctx context.Context) error
}

// Server routes HTTP traffic to the chat pipeline, the ingestion service,
// and the session log. Dependencies are constructed once at startup and
// shared across requests.
type Server struct {
	cfg      config.Config
	chat     *chat.Service
	ingest   *ingestion.Service
	sessions session.Store
	corpus   CorpusClearer
	logger   *log.Logger
	handler  http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type chatRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

type chatResponse struct {
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Question  string          `json:"question"`
	Answer    string          `json:"answer"`
	Citations []chat.Citation `json:"citations"`
	Sources   []sourcePayload `json:"sources,omitempty"`
	Source    string          `json:"source"`
}

type sourcePayload struct {
	DocumentID string   `json:"document_id"`
	Title      string   `json:"title"`
	Path       string   `json:"path"`
	Snippet    string   `json:"snippet"`
	Score      float64  `json:"score"`
	Authors    []string `json:"authors,omitempty"`
	Year       int      `json:"year,omitempty"`
	ChunkCount int      `json:"chunk_count,omitempty"`
}

type exchangePayload struct {
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Question  string          `json:"question"`
	Answer    string          `json:"answer"`
	Citations []chat.Citation `json:"citations"`
	Source    string          `json:"source"`
}

type sessionPayload struct {
	SessionID   string            `json:"session_id"`
	LastUpdated string            `json:"last_updated"`
	Exchanges   []exchangePayload `json:"exchanges"`
}

type ingestRequest struct {
	Dir string `json:"dir"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

// New constructs a Server over already-wired services.
func New(cfg config.Config, chatSvc *chat.Service, ingestSvc *ingestion.Service, sessions session.Store, corpus CorpusClearer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		cfg:      cfg,
		chat:     chatSvc,
		ingest:   ingestSvc,
		sessions: sessions,
		corpus:   corpus,
		logger:   logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/exchanges", s.handleExchanges)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSession)
	mux.HandleFunc("/api/ingest", s.handleIngest)
	mux.HandleFunc("/api/clear", s.handleClear)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question cannot be empty"))
		return
	}

	answer, err := s.chat.Ask(r.Context(), req.Question, req.SessionID, chat.Config{RetrievalLimit: req.Limit})
	if err != nil {
		s.writeError(w, statusForError(err), fmt.Errorf("chat failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse{
		SessionID: answer.SessionID,
		Timestamp: answer.Timestamp.Format(time.RFC3339),
		Question:  answer.Question,
		Answer:    answer.Text,
		Citations: citationsOrEmpty(answer.Citations),
		Sources:   transformSources(answer.Sources),
		Source:    chat.ExchangeSource,
	})
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	exchanges, err := s.sessions.ListExchanges(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list exchanges: %w", err))
		return
	}

	payload := make([]exchangePayload, len(exchanges))
	for i, exchange := range exchanges {
		payload[i] = transformExchange(exchange)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	records, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list sessions: %w", err))
		return
	}

	payload := make([]sessionPayload, len(records))
	for i, record := range records {
		payload[i] = transformSession(record)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.NotFound(w, r)
		return
	}

	record, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("get session: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, transformSession(record))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.ingest == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingestion is not configured"))
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	dir := strings.TrimSpace(req.Dir)
	if dir == "" {
		dir = s.cfg.DataDir
	}

	if err := s.ingest.IngestDirectory(r.Context(), dir); err != nil {
		s.writeError(w, statusForError(err), fmt.Errorf("ingestion failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ingestion complete"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.corpus == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("corpus store is not configured"))
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	if err := s.corpus.Clear(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear corpus: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "corpus cleared"})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Detail: err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrInvalidDocument):
		return http.StatusBadRequest
	case errors.Is(err, embeddings.ErrUnavailable), errors.Is(err, llm.ErrUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func transformExchange(exchange chat.Exchange) exchangePayload {
	return exchangePayload{
		SessionID: exchange.SessionID,
		Timestamp: exchange.Timestamp.Format(time.RFC3339),
		Question:  exchange.Question,
		Answer:    exchange.Answer,
		Citations: citationsOrEmpty(exchange.Citations),
		Source:    exchange.Source,
	}
}

func transformSession(record session.Record) sessionPayload {
	exchanges := make([]exchangePayload, len(record.Exchanges))
	for i, exchange := range record.Exchanges {
		exchanges[i] = transformExchange(exchange)
	}
	return sessionPayload{
		SessionID:   record.SessionID,
		LastUpdated: record.LastUpdated.Format(time.RFC3339),
		Exchanges:   exchanges,
	}
}

func transformSources(sources []chat.Source) []sourcePayload {
	if len(sources) == 0 {
		return nil
	}
	payload := make([]sourcePayload, len(sources))
	for i, source := range sources {
		payload[i] = sourcePayload{
			DocumentID: source.DocumentID,
			Title:      source.Title,
			Path:       source.Path,
			Snippet:    source.Snippet,
			Score:      source.Score,
			Authors:    source.Insight.Authors,
			Year:       source.Insight.Year,
			ChunkCount: source.Insight.ChunkCount,
		}
	}
	return payload
}

func citationsOrEmpty(citations []chat.Citation) []chat.Citation {
	if citations == nil {
		return []chat.Citation{}
	}
	return citations
}
