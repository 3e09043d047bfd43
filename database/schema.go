package database

import (
	"context"
	"fmt"
)

// ChunksTable holds one row per stored chunk.
const ChunksTable = "document_chunks"

func EnsureRAGSchema(ctx context.Context, db DB, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if db == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id UUID PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			chunk_text TEXT NOT NULL,
			chunk_type TEXT NOT NULL DEFAULT 'text' CHECK (chunk_type IN ('text', 'table')),
			page_number INT,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, chunk_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks(document_id, chunk_index)",
		"CREATE INDEX IF NOT EXISTS idx_document_chunks_type ON document_chunks(document_id, chunk_type)",
		"CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding ON document_chunks USING ivfflat (embedding vector_cosine_ops)",
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

// TruncateChunks removes every stored chunk for every document.
func TruncateChunks(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, "TRUNCATE "+ChunksTable); err != nil {
		return fmt.Errorf("truncate %s: %w", ChunksTable, err)
	}
	return nil
}
