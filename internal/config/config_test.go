package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Chunking.ChunkSize)
	assert.Equal(t, 400, cfg.Chunking.ChunkOverlap)
	assert.Equal(t, 100, cfg.Embedding.BatchSize)
	assert.Equal(t, 30000, cfg.Embedding.MaxInputChars)
	assert.Equal(t, 3, cfg.Retrieval.OverFetchFactor)
	assert.InDelta(t, 0.7, cfg.Retrieval.DenseWeight, 1e-9)
	assert.InDelta(t, 0.3, cfg.Retrieval.SparseWeight, 1e-9)
	assert.InDelta(t, 0.7, cfg.Retrieval.MMRLambda, 1e-9)
	assert.InDelta(t, 0.7, cfg.Verification.MinCitationCoverage, 1e-9)
	assert.Equal(t, "chromem", cfg.VectorStore.Backend)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.QueryTimeout)
}

func TestParse_ExplicitZeroes(t *testing.T) {
	yml := `
embedding:
  max_retries: 0
generation:
  temperature: 0
chunking:
  chunk_size: 1000
  chunk_overlap: 0
`
	cfg, err := Parse([]byte(yml))
	require.NoError(t, err)
	assert.Zero(t, cfg.Embedding.MaxRetries)
	assert.Zero(t, cfg.Generation.Temperature)
	assert.Zero(t, cfg.Chunking.ChunkOverlap)
	assert.Equal(t, 1000, cfg.Chunking.ChunkSize)

	cfg, err = Parse([]byte("generation:\n  model: llama3.1\n"))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, cfg.Generation.Temperature, 1e-9)
	assert.Equal(t, 3, cfg.Embedding.MaxRetries)
	assert.Equal(t, 400, cfg.Chunking.ChunkOverlap)

	def := Default()
	assert.InDelta(t, 0.1, def.Generation.Temperature, 1e-9)
	assert.Equal(t, 400, def.Chunking.ChunkOverlap)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
embedding:
  provider: openai
  model: text-embedding-3-small
  dimensions: 1536
  batch_size: 50
  retry_backoff: 2s
chunking:
  chunk_size: 1000
  chunk_overlap: 100
retrieval:
  top_k: 8
  disable_hybrid: true
expansion:
  acronyms:
    ARR: Annual Recurring Revenue
query_timeout: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 50, cfg.Embedding.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Embedding.RetryBackoff)
	assert.Equal(t, 1000, cfg.Chunking.ChunkSize)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.True(t, cfg.Retrieval.DisableHybrid)
	assert.Equal(t, "Annual Recurring Revenue", cfg.Expansion.Acronyms["ARR"])
	assert.Equal(t, 15*time.Second, cfg.QueryTimeout)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"overlap not below chunk size", "chunking:\n  chunk_size: 500\n  chunk_overlap: 500\n"},
		{"unknown backend", "vector_store:\n  backend: faiss\n"},
		{"milvus without address", "vector_store:\n  backend: milvus\nembedding:\n  dimensions: 768\n"},
		{"pgvector on sqlite", "vector_store:\n  backend: pgvector\nembedding:\n  dimensions: 768\n"},
		{"redis without addr", "cache:\n  backend: redis\n"},
		{"bad temperature", "generation:\n  temperature: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			assert.Error(t, err)
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RAG_DATABASE_DSN", "file:other.db")

	cfg, err := Parse([]byte("embedding:\n  provider: openai\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Embedding.Key)
	assert.Empty(t, cfg.Generation.Key)
	assert.Equal(t, "file:other.db", cfg.Database.DSN)
}
