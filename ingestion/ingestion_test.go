package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/lexray/chunks"
)

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatPDF, DetectFormat("contract.PDF"))
	assert.Equal(t, FormatText, DetectFormat("notes.md"))
	assert.Equal(t, FormatText, DetectFormat("/tmp/a.txt"))
	assert.Equal(t, FormatUnknown, DetectFormat("sheet.xlsx"))
}

func TestDetectTables(t *testing.T) {
	t.Run("Should extract pipe tables and drop separator rows", func(t *testing.T) {
		raw := "Payment terms below.\n| Date | Amount |\n|------|--------|\n| 1 March | 500 |\n| 1 April | 700 |\nEnd of schedule."
		tables, text := DetectTables(raw)

		require.Len(t, tables, 1)
		assert.Equal(t, "Date\tAmount\n1 March\t500\n1 April\t700", tables[0])
		assert.Equal(t, "Payment terms below.\nEnd of schedule.", text)
	})

	t.Run("Should extract tab and wide space tables", func(t *testing.T) {
		raw := "Name\tRole\nAnn\tBuyer\n\nItem      Qty     Price\nBolt      10      0.5\n"
		tables, _ := DetectTables(raw)

		require.Len(t, tables, 2)
		assert.Equal(t, "Name\tRole\nAnn\tBuyer", tables[0])
		assert.Equal(t, "Item\tQty\tPrice\nBolt\t10\t0.5", tables[1])
	})

	t.Run("Should leave single aligned lines in the text", func(t *testing.T) {
		raw := "Signed by:     Ann\nThe parties agree."
		tables, text := DetectTables(raw)

		assert.Empty(t, tables)
		assert.Equal(t, raw, text)
	})
}

func TestCleanText(t *testing.T) {
	raw := "Hello\u200b   world\r\n\r\n\r\n\r\n\tSecond   paragraph  \nline"
	assert.Equal(t, "Hello world\n\nSecond paragraph\nline", CleanText(raw))
}

func TestChunkText(t *testing.T) {
	t.Run("Should keep short text whole", func(t *testing.T) {
		assert.Equal(t, []string{"One sentence."}, ChunkText("  One sentence.  ", 800, 100))
		assert.Empty(t, ChunkText("   ", 800, 100))
	})

	t.Run("Should split long text at sentence boundaries with overlap", func(t *testing.T) {
		var sb strings.Builder
		for i := 0; i < 60; i++ {
			fmt.Fprintf(&sb, "Sentence number %d is here. ", i)
		}
		text := strings.TrimSpace(sb.String())

		pieces := ChunkText(text, 200, 50)
		require.Greater(t, len(pieces), 5)
		for i, piece := range pieces {
			assert.LessOrEqual(t, utf8.RuneCountInString(piece), 200)
			assert.Contains(t, text, piece)
			if i < len(pieces)-1 {
				assert.True(t, strings.HasSuffix(piece, "."), piece)
			}
		}
		assert.True(t, strings.HasPrefix(text, pieces[0]))
		assert.True(t, strings.HasSuffix(text, pieces[len(pieces)-1]))
	})

	t.Run("Should make progress without sentence boundaries", func(t *testing.T) {
		pieces := ChunkText(strings.Repeat("x", 1000), 300, 100)
		require.Len(t, pieces, 5)
		assert.Len(t, pieces[0], 300)
	})
}

func TestBuildChunks(t *testing.T) {
	pages := []Page{
		{Number: 1, Text: "Intro text.\n| A | B |\n| 1 | 2 |"},
		{Number: 2, Text: "More text.\nX\tY\n3\t4"},
	}
	got := BuildChunks("doc-1", pages, 800, 100)

	require.Len(t, got, 4)
	assert.Equal(t, chunks.Chunk{DocumentID: "doc-1", Index: 0, Text: "[TABLE 1]\nA\tB\n1\t2", Type: chunks.TypeTable, PageNumber: 1}, got[0])
	assert.Equal(t, chunks.Chunk{DocumentID: "doc-1", Index: 1, Text: "[TABLE 2]\nX\tY\n3\t4", Type: chunks.TypeTable, PageNumber: 2}, got[1])
	assert.Equal(t, chunks.Chunk{DocumentID: "doc-1", Index: 2, Text: "Intro text.", Type: chunks.TypeText, PageNumber: 1}, got[2])
	assert.Equal(t, chunks.Chunk{DocumentID: "doc-1", Index: 3, Text: "More text.", Type: chunks.TypeText, PageNumber: 2}, got[3])
}

type stubEmbedder struct {
	calls atomic.Int32
	err   error
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{1, float32(len(text) % 7), 0.5}
	}
	return out, nil
}

func newTestService(t *testing.T, embedder *stubEmbedder) (*Service, *chunks.MemoryStore) {
	t.Helper()
	store, err := chunks.NewMemoryStore(3)
	require.NoError(t, err)
	return NewService(store, embedder, zerolog.Nop(), Options{ChunkSize: 100, ChunkOverlap: 20, Concurrency: 2, BatchSize: 2}), store
}

// failingStore rejects every replacement and counts standalone deletes.
type failingStore struct {
	*chunks.MemoryStore
	err     error
	deletes atomic.Int32
}

func (f *failingStore) ReplaceDocument(context.Context, string, []chunks.Chunk) (int, error) {
	return 0, f.err
}

func (f *failingStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	f.deletes.Add(1)
	return f.MemoryStore.DeleteDocument(ctx, documentID)
}

const sampleDocument = "Master services agreement.\nThis agreement is governed by the laws of Delaware. The notice period is thirty days.\n" +
	"| Milestone | Due |\n| Kickoff | March |\n| Delivery | June |\n" +
	"\fSecond page. Fees are payable monthly in arrears. Late payments accrue interest at two percent."

func TestServiceIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("Should store table and text chunks", func(t *testing.T) {
		embedder := &stubEmbedder{}
		svc, store := newTestService(t, embedder)

		result, err := svc.Ingest(ctx, Document{ID: "msa", Name: "msa.txt", Data: []byte(sampleDocument)})
		require.NoError(t, err)

		assert.Equal(t, "msa", result.DocumentID)
		assert.Equal(t, 2, result.Pages)
		assert.Equal(t, 1, result.TableChunks)
		assert.Equal(t, result.Chunks, result.TableChunks+result.TextChunks)
		assert.Zero(t, result.Replaced)
		assert.Equal(t, int32((result.Chunks+1)/2), embedder.calls.Load())

		scanned, err := store.FullScan(ctx, "msa", true)
		require.NoError(t, err)
		require.Len(t, scanned, result.Chunks)
		assert.True(t, scanned[0].IsTable())
		assert.True(t, strings.HasPrefix(scanned[0].Text, "[TABLE 1]\nMilestone\tDue"))
	})

	t.Run("Should replace chunks when a document is ingested again", func(t *testing.T) {
		svc, store := newTestService(t, &stubEmbedder{})

		first, err := svc.Ingest(ctx, Document{ID: "msa", Name: "msa.txt", Data: []byte(sampleDocument)})
		require.NoError(t, err)
		second, err := svc.Ingest(ctx, Document{ID: "msa", Name: "msa.txt", Data: []byte("Only one short page now.")})
		require.NoError(t, err)

		assert.Equal(t, first.Chunks, second.Replaced)
		stats, err := store.Stats(ctx, "msa")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.TotalChunks)
	})

	t.Run("Should keep the previous chunks when storing a new version fails", func(t *testing.T) {
		svc, store := newTestService(t, &stubEmbedder{})
		first, err := svc.Ingest(ctx, Document{ID: "msa", Name: "msa.txt", Data: []byte(sampleDocument)})
		require.NoError(t, err)

		failing := &failingStore{MemoryStore: store, err: errors.New("insert failed")}
		retry := NewService(failing, &stubEmbedder{}, zerolog.Nop(), Options{ChunkSize: 100, ChunkOverlap: 20, Concurrency: 2, BatchSize: 2})

		_, err = retry.Ingest(ctx, Document{ID: "msa", Name: "msa.txt", Data: []byte("Only one short page now.")})
		require.ErrorContains(t, err, "insert failed")
		assert.Zero(t, failing.deletes.Load())

		stats, err := store.Stats(ctx, "msa")
		require.NoError(t, err)
		assert.Equal(t, first.Chunks, stats.TotalChunks)
	})

	t.Run("Should generate an id when none is given", func(t *testing.T) {
		svc, _ := newTestService(t, &stubEmbedder{})
		result, err := svc.Ingest(ctx, Document{Name: "a.md", Data: []byte("Some text.")})
		require.NoError(t, err)
		assert.NotEmpty(t, result.DocumentID)
	})

	t.Run("Should store nothing when embedding fails", func(t *testing.T) {
		svc, store := newTestService(t, &stubEmbedder{err: errors.New("embedder down")})

		_, err := svc.Ingest(ctx, Document{ID: "msa", Name: "msa.txt", Data: []byte(sampleDocument)})
		require.Error(t, err)

		_, err = store.FullScan(ctx, "msa", true)
		require.ErrorIs(t, err, chunks.ErrNoChunks)
	})

	t.Run("Should reject unsupported and empty documents", func(t *testing.T) {
		svc, _ := newTestService(t, &stubEmbedder{})

		_, err := svc.Ingest(ctx, Document{ID: "x", Name: "sheet.xlsx", Data: []byte("a")})
		require.ErrorIs(t, err, ErrUnsupportedFormat)

		_, err = svc.Ingest(ctx, Document{ID: "x", Name: "blank.txt", Data: []byte(" \n\f \n")})
		require.ErrorIs(t, err, ErrEmptyDocument)
	})
}

func TestServiceIngestFileAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, &stubEmbedder{})

	path := filepath.Join(t.TempDir(), "lease.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o600))

	result, err := svc.IngestFile(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, "lease", result.DocumentID)

	removed, err := svc.Delete(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, result.Chunks, removed)

	_, err = store.OrderedScan(ctx, "lease", 5)
	require.ErrorIs(t, err, chunks.ErrNoChunks)
}
