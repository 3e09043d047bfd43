// Package chunks stores document chunks with their embeddings and serves the
// three retrieval primitives the answer pipeline builds on.
package chunks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Type string

const (
	TypeText  Type = "text"
	TypeTable Type = "table"
)

// SentinelSimilarity is reported for chunks returned by a scan rather than by
// vector search.
const SentinelSimilarity = 0.5

var (
	ErrNoChunks          = errors.New("document has no stored chunks")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidChunk      = errors.New("invalid chunk")
)

type Chunk struct {
	DocumentID string
	Index      int
	Text       string
	Type       Type
	// PageNumber is 1-based; zero means unknown.
	PageNumber int
	Embedding  []float32
}

// Retrieved is a stored chunk annotated with its relevance to a query.
// Embedding is never populated.
type Retrieved struct {
	Chunk
	Similarity float64
	Distance   float64
}

// Key identifies a chunk across documents.
func (c Chunk) Key() string {
	return fmt.Sprintf("%s#%d", c.DocumentID, c.Index)
}

func (c Chunk) IsTable() bool {
	return c.Type == TypeTable
}

type Stats struct {
	TotalChunks     int     `json:"totalChunks"`
	TableChunks     int     `json:"tableChunks"`
	TextChunks      int     `json:"textChunks"`
	TotalCharacters int     `json:"totalCharacters"`
	AvgChunkSize    float64 `json:"avgChunkSize"`
}

// Store is the chunk persistence boundary. Every read is scoped to one
// document and fails with ErrNoChunks when that document has nothing stored.
type Store interface {
	InsertBatch(ctx context.Context, chunks []Chunk) error
	// VectorSearch returns up to topK chunks by descending cosine similarity.
	// An empty result with a nil error means the index produced no candidates.
	VectorSearch(ctx context.Context, documentID string, embedding []float32, topK int) ([]Retrieved, error)
	// OrderedScan returns the first topK chunks by chunk index.
	OrderedScan(ctx context.Context, documentID string, topK int) ([]Retrieved, error)
	// FullScan returns every chunk, table chunks first when tablesFirst is set,
	// then by chunk index.
	FullScan(ctx context.Context, documentID string, tablesFirst bool) ([]Retrieved, error)
	Stats(ctx context.Context, documentID string) (Stats, error)
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	// ReplaceDocument atomically swaps every chunk of documentID for batch and
	// reports how many chunks were removed. On error the old chunks remain.
	ReplaceDocument(ctx context.Context, documentID string, batch []Chunk) (int, error)
}

// Validate checks a batch before it is written.
func Validate(batch []Chunk, dimension int) error {
	seen := make(map[string]struct{}, len(batch))
	for i := range batch {
		c := &batch[i]
		if strings.TrimSpace(c.DocumentID) == "" {
			return fmt.Errorf("%w: chunk %d has no document id", ErrInvalidChunk, i)
		}
		if c.Index < 0 {
			return fmt.Errorf("%w: chunk %d has negative index", ErrInvalidChunk, i)
		}
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: chunk %s has empty text", ErrInvalidChunk, c.Key())
		}
		if c.Type != TypeText && c.Type != TypeTable {
			return fmt.Errorf("%w: chunk %s has type %q", ErrInvalidChunk, c.Key(), c.Type)
		}
		if len(c.Embedding) != dimension {
			return fmt.Errorf("%w: chunk %s has %d dimensions, want %d", ErrDimensionMismatch, c.Key(), len(c.Embedding), dimension)
		}
		if _, ok := seen[c.Key()]; ok {
			return fmt.Errorf("%w: duplicate chunk %s", ErrInvalidChunk, c.Key())
		}
		seen[c.Key()] = struct{}{}
	}
	return nil
}

// validateReplacement checks a batch that is about to replace documentID.
func validateReplacement(documentID string, batch []Chunk, dimension int) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidChunk)
	}
	for i := range batch {
		if batch[i].DocumentID != documentID {
			return fmt.Errorf("%w: chunk %s does not belong to %s", ErrInvalidChunk, batch[i].Key(), documentID)
		}
	}
	return Validate(batch, dimension)
}

// Distinct drops repeated chunks, keeping the first occurrence.
func Distinct(results []Retrieved) []Retrieved {
	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		key := r.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// SortForScan orders chunks by index, optionally placing tables first.
func SortForScan(results []Retrieved, tablesFirst bool) {
	sort.SliceStable(results, func(i, j int) bool {
		if tablesFirst && results[i].IsTable() != results[j].IsTable() {
			return results[i].IsTable()
		}
		return results[i].Index < results[j].Index
	})
}

func scanned(c Chunk) Retrieved {
	c.Embedding = nil
	return Retrieved{Chunk: c, Similarity: SentinelSimilarity, Distance: 1 - SentinelSimilarity}
}

func statsFor(items []Chunk) Stats {
	var st Stats
	for i := range items {
		st.TotalChunks++
		if items[i].IsTable() {
			st.TableChunks++
		} else {
			st.TextChunks++
		}
		st.TotalCharacters += len([]rune(items[i].Text))
	}
	if st.TotalChunks > 0 {
		st.AvgChunkSize = float64(st.TotalCharacters) / float64(st.TotalChunks)
	}
	return st
}
