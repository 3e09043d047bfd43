package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fabfab/lexray/chat"
	"github.com/fabfab/lexray/chunks"
	"github.com/fabfab/lexray/config"
	"github.com/fabfab/lexray/database"
	"github.com/fabfab/lexray/embeddings"
	"github.com/fabfab/lexray/ingestion"
	"github.com/fabfab/lexray/llm"
	"github.com/fabfab/lexray/metrics"
)

// app owns the long-lived clients shared by every command.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	store    chunks.Store
	// embedder serves document ingestion; queries adds the LRU cache on top.
	embedder embeddings.Embedder
	queries  embeddings.Embedder
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(cfg.Log, nil)}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.embedder, err = embeddings.NewProviderEmbedder(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	a.queries, err = embeddings.WithCache(a.embedder, cfg.Embeddings.CacheSize)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case config.StoreMemory:
		store, err := chunks.NewMemoryStore(a.cfg.Embeddings.Dimension)
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		a.store = store
		a.logger.Warn().Msg("using the in-memory store; chunks are lost on exit")
	default:
		pool, err := database.NewPostgresPool(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		if err := database.EnsureRAGSchema(ctx, pool, a.cfg.Embeddings.Dimension); err != nil {
			pool.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.pool = pool
		a.store = chunks.NewPostgresStore(pool, a.cfg.Embeddings.Dimension)
	}
	return nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) documents() *ingestion.Service {
	return ingestion.NewService(a.store, a.embedder, a.logger.With().Str("component", "ingestion").Logger(), ingestion.OptionsFromConfig(a.cfg.Ingestion))
}

// answers builds the question answering service. recorder may be nil.
func (a *app) answers(recorder *metrics.Recorder) (*chat.Service, error) {
	client, err := llm.NewClient(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	logger := a.logger.With().Str("component", "chat").Logger()
	opts := []chat.Option{
		chat.WithConfig(chatConfig(a.cfg)),
		chat.WithObserver(chat.LogObserver(logger)),
	}
	if recorder != nil {
		opts = append(opts, chat.WithObserver(recorder))
	}
	return chat.NewService(a.store, a.queries, client, logger, opts...), nil
}

func chatConfig(cfg config.Config) chat.Config {
	return chat.Config{
		TopK:              cfg.Retrieval.TopK,
		EmbedTableQueries: cfg.Retrieval.EmbedTableQueries,
		EmbeddingTimeout:  cfg.Timeouts.Embedding,
		RetrievalTimeout:  cfg.Timeouts.Retrieval,
		CompletionTimeout: cfg.Timeouts.Completion,
	}
}
