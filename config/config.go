// Package config loads LexRay settings from defaults, an optional YAML file
// and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	StorePostgres = "postgres"
	StoreMemory   = "memory"

	envPrefix = "LEXRAY_"
)

type Config struct {
	HTTPAddr    string `koanf:"http_addr"`
	Store       string `koanf:"store"`
	PostgresDSN string `koanf:"postgres_dsn"`

	LLM        LLMConfig       `koanf:"llm"`
	Embeddings EmbeddingConfig `koanf:"embeddings"`

	OllamaHost    string `koanf:"ollama_host"`
	OpenAIAPIKey  string `koanf:"openai_api_key"`
	OpenAIBaseURL string `koanf:"openai_base_url"`

	Retrieval RetrievalConfig `koanf:"retrieval"`
	Timeouts  TimeoutConfig   `koanf:"timeouts"`
	Retry     RetryConfig     `koanf:"retry"`
	Ingestion IngestionConfig `koanf:"ingestion"`
	Log       LogConfig       `koanf:"log"`
}

type LLMConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
}

type EmbeddingConfig struct {
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	Dimension int    `koanf:"dimension"`
	// CacheSize bounds the query embedding LRU; zero disables it.
	CacheSize int `koanf:"cache_size"`
}

type RetrievalConfig struct {
	TopK int `koanf:"top_k"`
	// EmbedTableQueries embeds the question even when table intent makes the
	// vector unnecessary, so diagnostics see the same calls as other intents.
	EmbedTableQueries bool `koanf:"embed_table_queries"`
}

type TimeoutConfig struct {
	Embedding  time.Duration `koanf:"embedding"`
	Retrieval  time.Duration `koanf:"retrieval"`
	Completion time.Duration `koanf:"completion"`
}

type RetryConfig struct {
	Attempts int           `koanf:"attempts"`
	Base     time.Duration `koanf:"base"`
	Max      time.Duration `koanf:"max"`
}

type IngestionConfig struct {
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`
	Concurrency  int `koanf:"concurrency"`
	BatchSize    int `koanf:"batch_size"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		Store:       StorePostgres,
		PostgresDSN: "postgres://localhost:5432/lexray?sslmode=disable",
		LLM: LLMConfig{
			Provider: ProviderOllama,
			Model:    "llama3.1:8b",
		},
		Embeddings: EmbeddingConfig{
			Provider:  ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 768,
			CacheSize: 512,
		},
		OllamaHost: "http://localhost:11434",
		Retrieval: RetrievalConfig{
			TopK:              10,
			EmbedTableQueries: true,
		},
		Timeouts: TimeoutConfig{
			Embedding:  30 * time.Second,
			Retrieval:  15 * time.Second,
			Completion: 120 * time.Second,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Base:     500 * time.Millisecond,
			Max:      10 * time.Second,
		},
		Ingestion: IngestionConfig{
			ChunkSize:    800,
			ChunkOverlap: 100,
			Concurrency:  4,
			BatchSize:    16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load layers an optional YAML file and LEXRAY_* environment variables over
// Default. Nested keys use a double underscore: LEXRAY_LLM__MODEL sets
// llm.model. The conventional POSTGRES_DSN, OPENAI_API_KEY, OPENAI_BASE_URL
// and OLLAMA_HOST variables are honoured when the prefixed ones are unset.
func Load(path string) (Config, error) {
	cfg := Default()
	applyConventionalEnv(&cfg)

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("access config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env overrides: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func applyConventionalEnv(cfg *Config) {
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
}

var validProviders = map[string]bool{
	ProviderOllama: true,
	ProviderOpenAI: true,
}

// Validate reports the first setting that would make the services unusable.
func (c Config) Validate() error {
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("invalid llm provider %q: must be one of ollama, openai", c.LLM.Provider)
	}
	if !validProviders[c.Embeddings.Provider] {
		return fmt.Errorf("invalid embeddings provider %q: must be one of ollama, openai", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings dimension must be positive")
	}
	if c.Store != StorePostgres && c.Store != StoreMemory {
		return fmt.Errorf("invalid store %q: must be one of postgres, memory", c.Store)
	}
	if c.Store == StorePostgres && c.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required for the postgres store")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval top_k must be positive")
	}
	if c.Timeouts.Embedding <= 0 || c.Timeouts.Retrieval <= 0 || c.Timeouts.Completion <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry attempts must be non-negative")
	}
	if c.Ingestion.ChunkSize <= 0 || c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("ingestion chunk_overlap must be smaller than a positive chunk_size")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
