package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 768, cfg.Embeddings.Dimension)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 800, cfg.Ingestion.ChunkSize)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexray.yaml")
	content := []byte(`
store: memory
llm:
  provider: openai
  model: gpt-4o-mini
timeouts:
  completion: 45s
retrieval:
  top_k: 4
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("LEXRAY_LLM__MODEL", "gpt-4.1")
	t.Setenv("LEXRAY_RETRIEVAL__TOP_K", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "gpt-4.1", cfg.LLM.Model)
	assert.Equal(t, 7, cfg.Retrieval.TopK)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Completion)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Embedding)
}

func TestLoadConventionalEnv(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://db:5432/docs")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://db:5432/docs", cfg.PostgresDSN)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
}

func TestValidate(t *testing.T) {
	t.Run("Should reject unknown provider", func(t *testing.T) {
		cfg := Default()
		cfg.LLM.Provider = "palm"
		assert.Error(t, cfg.Validate())
	})

	t.Run("Should reject non-positive dimension", func(t *testing.T) {
		cfg := Default()
		cfg.Embeddings.Dimension = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("Should reject overlap larger than chunk size", func(t *testing.T) {
		cfg := Default()
		cfg.Ingestion.ChunkOverlap = cfg.Ingestion.ChunkSize
		assert.Error(t, cfg.Validate())
	})

	t.Run("Should accept defaults", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})
}
