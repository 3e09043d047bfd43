package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/fabfab/lexray/chunks"
	"github.com/fabfab/lexray/llm"
)

type fakeStore struct {
	mu     sync.Mutex
	chunks []chunks.Chunk
	calls  []string

	// emptyVector makes VectorSearch return no rows for a non-empty document.
	emptyVector bool
	// emptyOrdered does the same for OrderedScan.
	emptyOrdered bool
	// duplicateVector repeats every vector hit once.
	duplicateVector bool
	// block makes every read wait for context cancellation.
	block bool
}

func (f *fakeStore) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStore) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStore) document(ctx context.Context, documentID string) ([]chunks.Chunk, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var out []chunks.Chunk
	for _, c := range f.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, chunks.ErrNoChunks
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (f *fakeStore) InsertBatch(_ context.Context, batch []chunks.Chunk) error {
	f.record("insert")
	f.chunks = append(f.chunks, batch...)
	return nil
}

func (f *fakeStore) VectorSearch(ctx context.Context, documentID string, _ []float32, topK int) ([]chunks.Retrieved, error) {
	f.record("vector")
	docs, err := f.document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if f.emptyVector {
		return nil, nil
	}
	if len(docs) > topK {
		docs = docs[:topK]
	}
	var out []chunks.Retrieved
	for i, c := range docs {
		similarity := 0.9 - 0.1*float64(i)
		hit := chunks.Retrieved{Chunk: c, Similarity: similarity, Distance: 1 - similarity}
		out = append(out, hit)
		if f.duplicateVector {
			out = append(out, hit)
		}
	}
	return out, nil
}

func (f *fakeStore) OrderedScan(ctx context.Context, documentID string, topK int) ([]chunks.Retrieved, error) {
	f.record("ordered")
	docs, err := f.document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if f.emptyOrdered {
		return nil, nil
	}
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return sentinel(docs), nil
}

func (f *fakeStore) FullScan(ctx context.Context, documentID string, tablesFirst bool) ([]chunks.Retrieved, error) {
	f.record("full")
	docs, err := f.document(ctx, documentID)
	if err != nil {
		return nil, err
	}
	out := sentinel(docs)
	chunks.SortForScan(out, tablesFirst)
	return out, nil
}

func (f *fakeStore) Stats(ctx context.Context, documentID string) (chunks.Stats, error) {
	docs, err := f.document(ctx, documentID)
	if err != nil {
		return chunks.Stats{}, err
	}
	var stats chunks.Stats
	for _, c := range docs {
		stats.TotalChunks++
		if c.IsTable() {
			stats.TableChunks++
		} else {
			stats.TextChunks++
		}
		stats.TotalCharacters += len(c.Text)
	}
	stats.AvgChunkSize = float64(stats.TotalCharacters) / float64(stats.TotalChunks)
	return stats, nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, documentID string) (int, error) {
	kept := f.chunks[:0]
	removed := 0
	for _, c := range f.chunks {
		if c.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	f.chunks = kept
	return removed, nil
}

func (f *fakeStore) ReplaceDocument(ctx context.Context, documentID string, batch []chunks.Chunk) (int, error) {
	removed, err := f.DeleteDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	f.chunks = append(f.chunks, batch...)
	return removed, nil
}

func sentinel(docs []chunks.Chunk) []chunks.Retrieved {
	out := make([]chunks.Retrieved, len(docs))
	for i, c := range docs {
		out[i] = chunks.Retrieved{Chunk: c, Similarity: chunks.SentinelSimilarity, Distance: 1 - chunks.SentinelSimilarity}
	}
	return out
}

func textChunks(documentID string, texts ...string) []chunks.Chunk {
	out := make([]chunks.Chunk, len(texts))
	for i, text := range texts {
		out[i] = chunks.Chunk{DocumentID: documentID, Index: i, Text: text, Type: chunks.TypeText, PageNumber: 1}
	}
	return out
}

type fakeEmbedder struct {
	mu     sync.Mutex
	inputs []string
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, texts...)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

// fakeLLM replays responses in order; the last response repeats.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	deltas    []string
	// blockAfter stalls GenerateStream after this many deltas until the
	// context is cancelled. Zero disables it.
	blockAfter int
	prompts    [][]llm.Message
	options    []llm.GenerateOptions
}

func (f *fakeLLM) next(messages []llm.Message, opts llm.GenerateOptions) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, messages)
	f.options = append(f.options, opts)
	return len(f.prompts) - 1
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeLLM) Prompt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var parts []string
	for _, m := range f.prompts[i] {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func (f *fakeLLM) Options(i int) llm.GenerateOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.options[i]
}

func (f *fakeLLM) Generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	idx := f.next(messages, opts)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if len(f.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions, fn func(string) error) (llm.StreamStats, error) {
	idx := f.next(messages, opts)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return llm.StreamStats{}, f.errs[idx]
	}
	for i, delta := range f.deltas {
		if f.blockAfter > 0 && i == f.blockAfter {
			<-ctx.Done()
			return llm.StreamStats{Chunks: i}, ctx.Err()
		}
		if err := fn(delta); err != nil {
			return llm.StreamStats{Chunks: i}, err
		}
	}
	return llm.StreamStats{Chunks: len(f.deltas), FinishReason: "stop"}, nil
}

// generateOnlyLLM hides GenerateStream.
type generateOnlyLLM struct {
	answer string
}

func (g generateOnlyLLM) Generate(context.Context, []llm.Message, llm.GenerateOptions) (string, error) {
	return g.answer, nil
}
