package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDR", "STORE", "EMBEDDINGS_PROVIDER", "CHUNK_SIZE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, ProviderOllama, cfg.Embeddings.Provider)
	assert.Equal(t, 768, cfg.Embeddings.Dimension)
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 200, cfg.ChunkOverlap)
	assert.Equal(t, 5, cfg.RetrievalLimit)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("STORE", StoreMemory)
	t.Setenv("EMBEDDINGS_DIMENSION", "1536")
	t.Setenv("CHUNK_OVERLAP", "50")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 1536, cfg.Embeddings.Dimension)
	assert.Equal(t, 50, cfg.ChunkOverlap)
}

func TestGetEnvIntRejectsGarbage(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "not-a-number")
	t.Setenv("RETRIEVAL_LIMIT", "-3")

	cfg := Load()
	assert.Equal(t, 1000, cfg.ChunkSize)
	assert.Equal(t, 5, cfg.RetrievalLimit)
}
