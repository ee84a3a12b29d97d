package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/paper-agent/chat"
	"github.com/fabfab/paper-agent/config"
	"github.com/fabfab/paper-agent/ingestion"
	"github.com/fabfab/paper-agent/llm"
	"github.com/fabfab/paper-agent/session"
	"github.com/fabfab/paper-agent/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.Contains(strings.ToLower(text), "banana") {
			vectors[i] = []float32{0, 1}
		} else {
			vectors[i] = []float32{1, 0}
		}
	}
	return vectors, nil
}

type stubLLM struct{}

func (stubLLM) Generate(_ context.Context, messages []llm.Message) (string, error) {
	if strings.Contains(messages[0].Content, "excerpt") {
		if strings.Contains(messages[len(messages)-1].Content, "Bananas") {
			return "Bananas are yellow.", nil
		}
		return "NOT RELEVANT", nil
	}
	return "Bananas are yellow [1].", nil
}

func quietLogger() *log.Logger {
	return log.New(&strings.Builder{}, "", 0)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dataDir := t.TempDir()
	content := []byte("Apples are red. Bananas are yellow.")
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "fruit.txt"), content, 0o644))

	memory := store.NewMemory(2)
	sessions := session.NewMemoryStore()
	ingestSvc := ingestion.NewService(memory, nil, stubEmbedder{}, quietLogger(), 20, 0)
	chatSvc := chat.NewService(memory, nil, stubEmbedder{}, stubLLM{}, sessions, quietLogger())

	cfg := config.Config{DataDir: dataDir}
	return New(cfg, chatSvc, ingestSvc, sessions, memory, quietLogger())
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func ingestCorpus(t *testing.T, server *Server) {
	t.Helper()
	rec := doJSON(t, server, http.MethodPost, "/api/ingest", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestChatEndpoint(t *testing.T) {
	server := newTestServer(t)
	ingestCorpus(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/chat", map[string]any{
		"question": "What color are bananas?",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		SessionID string          `json:"session_id"`
		Timestamp string          `json:"timestamp"`
		Question  string          `json:"question"`
		Answer    string          `json:"answer"`
		Citations []chat.Citation `json:"citations"`
		Source    string          `json:"source"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.Timestamp)
	assert.Equal(t, "What color are bananas?", resp.Question)
	assert.Contains(t, resp.Answer, "yellow")
	assert.Contains(t, resp.Answer, "[1]")
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "rag_api", resp.Source)
}

func TestChatEndpointRejectsEmptyQuestion(t *testing.T) {
	server := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/chat", map[string]any{
		"question": "   ",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Detail)
}

func TestChatEndpointMethodNotAllowed(t *testing.T) {
	server := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/chat", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestExchangesEndpoint(t *testing.T) {
	server := newTestServer(t)
	ingestCorpus(t, server)

	first := doJSON(t, server, http.MethodPost, "/api/chat", map[string]any{"question": "What color are bananas?"})
	require.Equal(t, http.StatusOK, first.Code)
	second := doJSON(t, server, http.MethodPost, "/api/chat", map[string]any{"question": "And apples?"})
	require.Equal(t, http.StatusOK, second.Code)

	rec := doJSON(t, server, http.MethodGet, "/api/exchanges", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var exchanges []exchangePayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exchanges))
	require.Len(t, exchanges, 2)
	assert.Equal(t, "And apples?", exchanges[0].Question)
	assert.Equal(t, "What color are bananas?", exchanges[1].Question)
}

func TestSessionEndpoints(t *testing.T) {
	server := newTestServer(t)
	ingestCorpus(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/chat", map[string]any{"question": "What color are bananas?"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)

	list := doJSON(t, server, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var records []sessionPayload
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, resp.SessionID, records[0].SessionID)

	get := doJSON(t, server, http.MethodGet, "/api/sessions/"+resp.SessionID, nil)
	require.Equal(t, http.StatusOK, get.Code)
	var record sessionPayload
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &record))
	require.Len(t, record.Exchanges, 1)
	assert.Equal(t, "What color are bananas?", record.Exchanges[0].Question)

	missing := doJSON(t, server, http.MethodGet, "/api/sessions/unknown-session", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestChatEmptyCorpusReturnsFallback(t *testing.T) {
	server := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/chat", map[string]any{"question": "What color are bananas?"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, chat.FallbackAnswer, resp.Answer)
	assert.Empty(t, resp.Citations)
}

func TestClearEndpointRequiresConfirmation(t *testing.T) {
	server := newTestServer(t)
	ingestCorpus(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/clear", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/clear", map[string]any{"confirm": true})
	require.Equal(t, http.StatusOK, rec.Code)

	chatRec := doJSON(t, server, http.MethodPost, "/api/chat", map[string]any{"question": "What color are bananas?"})
	require.Equal(t, http.StatusOK, chatRec.Code)
	var resp chatResponse
	require.NoError(t, json.Unmarshal(chatRec.Body.Bytes(), &resp))
	assert.Equal(t, chat.FallbackAnswer, resp.Answer)
}

func TestIngestEndpointRejectsUnknownFields(t *testing.T) {
	server := newTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/ingest", map[string]any{"folder": "elsewhere"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
