package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/lexray/chunks"
	"github.com/fabfab/lexray/config"
	"github.com/fabfab/lexray/embeddings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEmptyDocument     = errors.New("document has no extractable text")
)

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	// Concurrency bounds the embedding batches in flight.
	Concurrency int
	BatchSize   int
}

func OptionsFromConfig(cfg config.IngestionConfig) Options {
	return Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		Concurrency:  cfg.Concurrency,
		BatchSize:    cfg.BatchSize,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = min(defaultChunkOverlap, o.ChunkSize/2)
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	return o
}

type Service struct {
	store    chunks.Store
	embedder embeddings.Embedder
	logger   zerolog.Logger
	opts     Options
}

func NewService(store chunks.Store, embedder embeddings.Embedder, logger zerolog.Logger, opts Options) *Service {
	return &Service{
		store:    store,
		embedder: embedder,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// Document is an uploaded payload. An empty ID gets a generated one; an
// empty Format is detected from Name.
type Document struct {
	ID     string
	Name   string
	Format DocumentFormat
	Data   []byte
}

type Result struct {
	DocumentID  string `json:"documentId"`
	Pages       int    `json:"pages"`
	Chunks      int    `json:"chunks"`
	TableChunks int    `json:"tableChunks"`
	TextChunks  int    `json:"textChunks"`
	Replaced    int    `json:"replaced"`
}

// Ingest parses, chunks and embeds a document and stores its chunks,
// replacing any chunks previously stored under the same id.
func (s *Service) Ingest(ctx context.Context, doc Document) (Result, error) {
	if s.embedder == nil {
		return Result{}, fmt.Errorf("embedder not configured")
	}
	started := time.Now()

	format := doc.Format
	if format == FormatUnknown {
		format = DetectFormat(doc.Name)
	}
	parser, err := parserFor(format)
	if err != nil {
		return Result{}, err
	}

	documentID := strings.TrimSpace(doc.ID)
	if documentID == "" {
		documentID = uuid.NewString()
	}
	log := s.logger.With().Str("document_id", documentID).Str("name", doc.Name).Logger()

	pages, err := parser.Parse(ctx, doc.Data)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", format, err)
	}

	batch := BuildChunks(documentID, pages, s.opts.ChunkSize, s.opts.ChunkOverlap)
	if len(batch) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyDocument, doc.Name)
	}

	if err := s.embedChunks(ctx, batch); err != nil {
		return Result{}, err
	}

	replaced, err := s.store.ReplaceDocument(ctx, documentID, batch)
	if err != nil {
		return Result{}, fmt.Errorf("store chunks: %w", err)
	}

	result := Result{DocumentID: documentID, Pages: len(pages), Chunks: len(batch), Replaced: replaced}
	for _, c := range batch {
		if c.IsTable() {
			result.TableChunks++
		} else {
			result.TextChunks++
		}
	}

	log.Info().
		Int("pages", result.Pages).
		Int("chunks", result.Chunks).
		Int("table_chunks", result.TableChunks).
		Int("replaced", replaced).
		Dur("duration", time.Since(started)).
		Msg("document ingested")
	return result, nil
}

// IngestFile reads a document from disk. The file name doubles as the
// document id when documentID is empty.
func (s *Service) IngestFile(ctx context.Context, path, documentID string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read file: %w", err)
	}

	name := filepath.Base(path)
	if documentID == "" {
		documentID = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return s.Ingest(ctx, Document{ID: documentID, Name: name, Data: data})
}

func (s *Service) Delete(ctx context.Context, documentID string) (int, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return 0, fmt.Errorf("document id is required")
	}
	removed, err := s.store.DeleteDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("document_id", documentID).Int("chunks", removed).Msg("document deleted")
	return removed, nil
}

// embedChunks fills in the embeddings in place, running up to
// opts.Concurrency batches at once.
func (s *Service) embedChunks(ctx context.Context, batch []chunks.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for start := 0; start < len(batch); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(batch))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, c := range batch[start:end] {
				texts = append(texts, c.Text)
			}

			vectors, err := s.embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("generate embeddings for chunks %d-%d: %w", start, end-1, err)
			}
			if len(vectors) != len(texts) {
				return fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(texts), len(vectors))
			}
			for i, vec := range vectors {
				batch[start+i].Embedding = vec
			}
			return nil
		})
	}
	return g.Wait()
}
