package chunks

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

const memoryCollection = "document_chunks"

// MemoryStore keeps chunks in process. Similarity search is delegated to an
// in-memory chromem-go collection; scans read the per-document chunk lists.
type MemoryStore struct {
	mu         sync.RWMutex
	dimension  int
	collection *chromem.Collection
	docs       map[string][]Chunk
}

func NewMemoryStore(dimension int) (*MemoryStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	// Embeddings are always supplied, so the collection never calls an embedding func.
	collection, err := chromem.NewDB().GetOrCreateCollection(memoryCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create chromem collection: %w", err)
	}
	return &MemoryStore{
		dimension:  dimension,
		collection: collection,
		docs:       make(map[string][]Chunk),
	}, nil
}

func (s *MemoryStore) InsertBatch(ctx context.Context, batch []Chunk) error {
	if len(batch) == 0 {
		return nil
	}
	if err := Validate(batch, s.dimension); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range batch {
		for _, existing := range s.docs[batch[i].DocumentID] {
			if existing.Index == batch[i].Index {
				return fmt.Errorf("%w: chunk %s already stored", ErrInvalidChunk, batch[i].Key())
			}
		}
	}

	if err := s.collection.AddDocuments(ctx, toDocuments(batch), 1); err != nil {
		return fmt.Errorf("add chromem documents: %w", err)
	}

	for i := range batch {
		c := batch[i]
		c.Embedding = nil
		s.docs[c.DocumentID] = append(s.docs[c.DocumentID], c)
	}
	return nil
}

func (s *MemoryStore) VectorSearch(ctx context.Context, documentID string, embedding []float32, topK int) ([]Retrieved, error) {
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, want %d", ErrDimensionMismatch, len(embedding), s.dimension)
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.docs[documentID]
	if len(stored) == 0 {
		return nil, ErrNoChunks
	}
	n := min(topK, len(stored))

	hits, err := s.collection.QueryEmbedding(ctx, embedding, n, map[string]string{"document_id": documentID}, nil)
	if err != nil {
		return nil, fmt.Errorf("query chromem collection: %w", err)
	}

	byIndex := make(map[string]Chunk, len(stored))
	for _, c := range stored {
		byIndex[strconv.Itoa(c.Index)] = c
	}

	results := make([]Retrieved, 0, len(hits))
	for _, hit := range hits {
		c, ok := byIndex[hit.Metadata["chunk_index"]]
		if !ok {
			continue
		}
		similarity := clamp01(float64(hit.Similarity))
		results = append(results, Retrieved{Chunk: c, Similarity: similarity, Distance: 1 - similarity})
	}
	return Distinct(results), nil
}

func (s *MemoryStore) OrderedScan(_ context.Context, documentID string, topK int) ([]Retrieved, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	results, err := s.scan(documentID, false)
	if err != nil {
		return nil, err
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *MemoryStore) FullScan(_ context.Context, documentID string, tablesFirst bool) ([]Retrieved, error) {
	return s.scan(documentID, tablesFirst)
}

func (s *MemoryStore) Stats(_ context.Context, documentID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.docs[documentID]
	if len(stored) == 0 {
		return Stats{}, ErrNoChunks
	}
	return statsFor(stored), nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.docs[documentID])
	if removed == 0 {
		return 0, nil
	}
	if err := s.collection.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return 0, fmt.Errorf("delete chromem documents: %w", err)
	}
	delete(s.docs, documentID)
	return removed, nil
}

// ReplaceDocument swaps a document's chunks under one write lock. When the
// new chunks cannot be added the previous ones are restored.
func (s *MemoryStore) ReplaceDocument(ctx context.Context, documentID string, batch []Chunk) (int, error) {
	if err := validateReplacement(documentID, batch, s.dimension); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.docs[documentID]
	backup := make([]chromem.Document, 0, len(old))
	for _, c := range old {
		doc, err := s.collection.GetByID(ctx, c.Key())
		if err != nil {
			return 0, fmt.Errorf("read chromem document: %w", err)
		}
		backup = append(backup, doc)
	}

	where := map[string]string{"document_id": documentID}
	if len(backup) > 0 {
		if err := s.collection.Delete(ctx, where, nil); err != nil {
			return 0, fmt.Errorf("delete chromem documents: %w", err)
		}
	}
	if len(batch) > 0 {
		if err := s.collection.AddDocuments(ctx, toDocuments(batch), 1); err != nil {
			s.restore(ctx, where, backup)
			return 0, fmt.Errorf("add chromem documents: %w", err)
		}
	}

	replacement := make([]Chunk, len(batch))
	for i := range batch {
		replacement[i] = batch[i]
		replacement[i].Embedding = nil
	}
	if len(replacement) == 0 {
		delete(s.docs, documentID)
	} else {
		s.docs[documentID] = replacement
	}
	return len(old), nil
}

// restore puts back the documents removed by a failed replacement.
func (s *MemoryStore) restore(ctx context.Context, where map[string]string, backup []chromem.Document) {
	ctx = context.WithoutCancel(ctx)
	_ = s.collection.Delete(ctx, where, nil)
	if len(backup) > 0 {
		_ = s.collection.AddDocuments(ctx, backup, 1)
	}
}

func (s *MemoryStore) scan(documentID string, tablesFirst bool) ([]Retrieved, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.docs[documentID]
	if len(stored) == 0 {
		return nil, ErrNoChunks
	}
	results := make([]Retrieved, len(stored))
	for i, c := range stored {
		results[i] = scanned(c)
	}
	SortForScan(results, tablesFirst)
	return results, nil
}

func toDocuments(batch []Chunk) []chromem.Document {
	docs := make([]chromem.Document, len(batch))
	for i := range batch {
		c := batch[i]
		docs[i] = chromem.Document{
			ID:      c.Key(),
			Content: c.Text,
			Metadata: map[string]string{
				"document_id": c.DocumentID,
				"chunk_index": strconv.Itoa(c.Index),
			},
			Embedding: append([]float32(nil), c.Embedding...),
		}
	}
	return docs
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

var _ Store = (*MemoryStore)(nil)
