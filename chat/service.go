package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabfab/lexray/chunks"
	"github.com/fabfab/lexray/embeddings"
	"github.com/fabfab/lexray/llm"
)

const sectionSeparator = "\n\n---\n\n"

type Config struct {
	TopK int
	// EmbedTableQueries embeds table questions even though full scans ignore
	// the vector; the result is only logged.
	EmbedTableQueries bool
	EmbeddingTimeout  time.Duration
	RetrievalTimeout  time.Duration
	CompletionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TopK:              defaultTopK,
		EmbedTableQueries: true,
		EmbeddingTimeout:  30 * time.Second,
		RetrievalTimeout:  15 * time.Second,
		CompletionTimeout: 120 * time.Second,
	}
}

type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithObserver registers an observer notified after every answer.
func WithObserver(observer Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observers = append(s.observers, observer)
		}
	}
}

type Service struct {
	store     chunks.Store
	embedder  embeddings.Embedder
	retriever *Retriever
	tables    *TableBuilder
	completer completer
	observers []Observer
	cfg       Config
	logger    zerolog.Logger
}

// Request asks a question about one document. An empty Intent lets the
// classifier decide.
type Request struct {
	DocumentID string
	Question   string
	Intent     Intent
}

func NewService(store chunks.Store, embedder embeddings.Embedder, llmClient llm.Client, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		embedder: embedder,
		cfg:      DefaultConfig(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.retriever = NewRetriever(store, s.cfg.RetrievalTimeout, logger)
	s.tables = NewTableBuilder(llmClient, s.cfg.CompletionTimeout, logger)
	s.completer = completer{client: llmClient, timeout: s.cfg.CompletionTimeout}
	return s
}

// plan is everything resolved before composition starts.
type plan struct {
	documentID string
	question   string
	intent     Intent
	strategy   Strategy
	retrieved  []chunks.Retrieved
	// noRelevant is set when the document exists but retrieval found nothing.
	noRelevant bool
}

// Answer composes a complete answer. Table extraction problems never fail
// the call; embedding, retrieval and text completion failures do.
func (s *Service) Answer(ctx context.Context, req Request) (AnswerResult, error) {
	started := time.Now()

	p, err := s.prepare(ctx, req)
	if err == nil {
		var result AnswerResult
		result, err = s.compose(ctx, p)
		s.notify(ctx, newAnswerEvent(p, result, false, started, err))
		return result, err
	}
	s.notify(ctx, newAnswerEvent(p, AnswerResult{}, false, started, err))
	return AnswerResult{}, err
}

func (s *Service) prepare(ctx context.Context, req Request) (plan, error) {
	p := plan{
		documentID: strings.TrimSpace(req.DocumentID),
		question:   strings.TrimSpace(req.Question),
	}
	if p.documentID == "" {
		return p, invalidInput("document id is required")
	}
	if p.question == "" {
		return p, invalidInput("question is required")
	}
	if req.Intent != "" && !req.Intent.Valid() {
		return p, invalidInput("unknown intent %q", req.Intent)
	}

	p.intent = ResolveIntent(p.question, req.Intent)
	log := s.logger.With().Str("document_id", p.documentID).Str("intent", string(p.intent)).Logger()

	query := SanitizeQuery(p.question)
	var embedding []float32
	switch {
	case p.intent != IntentTable:
		vec, err := s.embed(ctx, query)
		if err != nil {
			return p, err
		}
		embedding = vec
	case s.cfg.EmbedTableQueries:
		vec, err := s.embed(ctx, query)
		if err != nil {
			log.Warn().Err(err).Msg("table query embedding failed")
		} else {
			log.Debug().Int("dimension", len(vec)).Msg("embedded table query")
		}
	}

	retrieved, strategy, err := s.retriever.Retrieve(ctx, RetrieveRequest{
		DocumentID: p.documentID,
		Intent:     p.intent,
		Embedding:  embedding,
		TopK:       s.cfg.TopK,
	})
	p.strategy = strategy
	if errors.Is(err, ErrNoRelevantChunks) {
		log.Info().Str("strategy", string(strategy)).Msg("no relevant chunks")
		p.noRelevant = true
		return p, nil
	}
	if err != nil {
		return p, err
	}
	p.retrieved = retrieved
	return p, nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := withTimeout(ctx, s.cfg.EmbeddingTimeout)
	defer cancel()

	vec, err := embeddings.EmbedOne(callCtx, s.embedder, text)
	if err == nil {
		return vec, nil
	}
	if timedOut(ctx, callCtx) {
		return nil, fmt.Errorf("%w: %w: %w", ErrRetrievalTimeout, ErrEmbedding, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
}

func (s *Service) compose(ctx context.Context, p plan) (AnswerResult, error) {
	if p.noRelevant {
		return notFound(p), nil
	}
	if p.intent == IntentTable {
		return s.buildTable(ctx, p), nil
	}

	answer, err := s.completer.generate(ctx, textMessages(p.question, p.retrieved), textOptions)
	if err != nil {
		return AnswerResult{}, err
	}
	return textResult(strings.TrimSpace(answer), p.intent, p.strategy, chunkRefs(p.retrieved)), nil
}

func (s *Service) buildTable(ctx context.Context, p plan) AnswerResult {
	result := s.tables.Build(ctx, p.question, p.documentID, p.retrieved)
	result.Strategy = p.strategy
	return result
}

func notFound(p plan) AnswerResult {
	return textResult(NoRelevantInformationMessage, p.intent, p.strategy, []ChunkRef{})
}

func textMessages(question string, retrieved []chunks.Retrieved) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt()},
		{Role: llm.RoleUser, Content: formatUserPrompt(question, textContext(retrieved))},
	}
}

func textContext(retrieved []chunks.Retrieved) string {
	sections := make([]string, len(retrieved))
	for i, r := range retrieved {
		similarity := r.Similarity
		if similarity <= 0 {
			similarity = chunks.SentinelSimilarity
		}
		sections[i] = fmt.Sprintf("[Section %d - Relevance: %.1f%%]\n%s", i+1, similarity*100, r.Text)
	}
	return strings.Join(sections, sectionSeparator)
}

func systemPrompt() string {
	return "You are a document assistant. Answer strictly from the supplied document context. If the context does not contain the answer, say that the document does not cover it instead of guessing. Quote figures, dates and names exactly as they appear, and mention the Section numbers you relied on."
}

func formatUserPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Document context:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nQuestion:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nBegin with the direct answer. Keep it concise and use markdown lists only when the answer has several parts.")
	return sb.String()
}
