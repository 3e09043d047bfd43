package chunks

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/lexray/database"
)

const (
	defaultTopK   = 10
	ivfflatProbes = 10
)

const (
	selectColumns = "document_id, chunk_index, chunk_text, chunk_type, COALESCE(page_number, 0)"

	vectorSearchSQL = `SELECT ` + selectColumns + `, 1 - (embedding <=> $1) AS similarity
		FROM document_chunks
		WHERE document_id = $2
		ORDER BY embedding <=> $1 ASC
		LIMIT $3`

	orderedScanSQL = `SELECT ` + selectColumns + `
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC
		LIMIT $2`

	fullScanSQL = `SELECT ` + selectColumns + `
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index ASC`

	fullScanTablesFirstSQL = `SELECT ` + selectColumns + `
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY CASE WHEN chunk_type = 'table' THEN 0 ELSE 1 END, chunk_index ASC`

	countSQL = `SELECT COUNT(*) FROM document_chunks WHERE document_id = $1`

	statsSQL = `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE chunk_type = 'table'),
			COALESCE(SUM(CHAR_LENGTH(chunk_text)), 0)
		FROM document_chunks
		WHERE document_id = $1`

	insertSQL = `INSERT INTO document_chunks (id, document_id, chunk_index, chunk_text, chunk_type, page_number, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	deleteSQL = `DELETE FROM document_chunks WHERE document_id = $1`
)

// PostgresStore keeps chunks in the document_chunks table and searches them
// with pgvector's cosine distance operator.
type PostgresStore struct {
	db        database.DB
	dimension int
}

func NewPostgresStore(db database.DB, dimension int) *PostgresStore {
	return &PostgresStore{db: db, dimension: dimension}
}

func (s *PostgresStore) InsertBatch(ctx context.Context, batch []Chunk) (err error) {
	if len(batch) == 0 {
		return nil
	}
	if err := Validate(batch, s.dimension); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer finishTx(ctx, tx, &err)

	return insertChunks(ctx, tx, batch)
}

func (s *PostgresStore) VectorSearch(ctx context.Context, documentID string, embedding []float32, topK int) (results []Retrieved, err error) {
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(embedding), s.dimension)
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer finishTx(ctx, tx, &err)

	if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", ivfflatProbes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := tx.Query(ctx, vectorSearchSQL, pgvector.NewVector(embedding), documentID, topK)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	results, err = collect(rows, true)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return Distinct(results), nil
	}

	var count int
	if err = tx.QueryRow(ctx, countSQL, documentID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	if count == 0 {
		return nil, ErrNoChunks
	}
	return results, nil
}

func (s *PostgresStore) OrderedScan(ctx context.Context, documentID string, topK int) ([]Retrieved, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	rows, err := s.db.Query(ctx, orderedScanSQL, documentID, topK)
	if err != nil {
		return nil, fmt.Errorf("query ordered chunks: %w", err)
	}
	return nonEmpty(collect(rows, false))
}

func (s *PostgresStore) FullScan(ctx context.Context, documentID string, tablesFirst bool) ([]Retrieved, error) {
	query := fullScanSQL
	if tablesFirst {
		query = fullScanTablesFirstSQL
	}
	rows, err := s.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("query all chunks: %w", err)
	}
	return nonEmpty(collect(rows, false))
}

func (s *PostgresStore) Stats(ctx context.Context, documentID string) (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(ctx, statsSQL, documentID).Scan(&st.TotalChunks, &st.TableChunks, &st.TotalCharacters); err != nil {
		return Stats{}, fmt.Errorf("query chunk stats: %w", err)
	}
	if st.TotalChunks == 0 {
		return st, ErrNoChunks
	}
	st.TextChunks = st.TotalChunks - st.TableChunks
	st.AvgChunkSize = float64(st.TotalCharacters) / float64(st.TotalChunks)
	return st, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	tag, err := s.db.Exec(ctx, deleteSQL, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReplaceDocument swaps a document's chunks inside one transaction, so a
// failed insert leaves the previous chunks in place.
func (s *PostgresStore) ReplaceDocument(ctx context.Context, documentID string, batch []Chunk) (replaced int, err error) {
	if err := validateReplacement(documentID, batch, s.dimension); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer finishTx(ctx, tx, &err)

	tag, err := tx.Exec(ctx, deleteSQL, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	if err = insertChunks(ctx, tx, batch); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func insertChunks(ctx context.Context, tx pgx.Tx, batch []Chunk) error {
	for i := range batch {
		c := &batch[i]
		var page *int
		if c.PageNumber > 0 {
			page = &c.PageNumber
		}
		if _, err := tx.Exec(ctx, insertSQL,
			uuid.New(), c.DocumentID, c.Index, c.Text, string(c.Type), page, pgvector.NewVector(c.Embedding),
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.Key(), err)
		}
	}
	return nil
}

func collect(rows pgx.Rows, withSimilarity bool) ([]Retrieved, error) {
	defer rows.Close()

	results := make([]Retrieved, 0)
	for rows.Next() {
		var (
			item      Retrieved
			chunkType string
		)
		dest := []any{&item.DocumentID, &item.Index, &item.Text, &chunkType, &item.PageNumber}
		if withSimilarity {
			dest = append(dest, &item.Similarity)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		item.Type = Type(chunkType)
		if !withSimilarity {
			item.Similarity = SentinelSimilarity
		}
		item.Distance = 1 - item.Similarity
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chunk rows: %w", err)
	}
	return results, nil
}

func nonEmpty(results []Retrieved, err error) ([]Retrieved, error) {
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoChunks
	}
	return Distinct(results), nil
}

func finishTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			*err = fmt.Errorf("rollback failed: %w; original error: %v", rbErr, *err)
		}
		return
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		*err = fmt.Errorf("commit: %w", commitErr)
	}
}

var _ Store = (*PostgresStore)(nil)
