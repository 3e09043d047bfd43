package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabfab/lexray/chunks"
)

type Strategy string

const (
	StrategyFullScan       Strategy = "full_scan"
	StrategyOrderedScan    Strategy = "ordered_scan"
	StrategyVectorSearch   Strategy = "vector_search"
	StrategyVectorFallback Strategy = "vector_search_fallback"
)

const defaultTopK = 10

type RetrieveRequest struct {
	DocumentID string
	Intent     Intent
	// Embedding is required for IntentSpecific and ignored otherwise.
	Embedding []float32
	TopK      int
}

// Retriever picks a store primitive per intent:
// table questions read the whole document with tables first, whole-document
// questions read the opening chunks, and pointed questions use vector search,
// falling back to the opening chunks when the index yields nothing.
type Retriever struct {
	store   chunks.Store
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRetriever(store chunks.Store, timeout time.Duration, logger zerolog.Logger) *Retriever {
	return &Retriever{store: store, timeout: timeout, logger: logger}
}

func (r *Retriever) Retrieve(ctx context.Context, req RetrieveRequest) ([]chunks.Retrieved, Strategy, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	log := r.logger.With().Str("document_id", req.DocumentID).Str("intent", string(req.Intent)).Logger()

	var (
		results  []chunks.Retrieved
		strategy Strategy
		err      error
	)

	switch req.Intent {
	case IntentTable:
		strategy = StrategyFullScan
		results, err = r.call(ctx, func(ctx context.Context) ([]chunks.Retrieved, error) {
			return r.store.FullScan(ctx, req.DocumentID, true)
		})
	case IntentGeneric:
		strategy = StrategyOrderedScan
		results, err = r.orderedScan(ctx, req.DocumentID, topK)
	default:
		if len(req.Embedding) == 0 {
			return nil, StrategyVectorSearch, invalidInput("vector search needs a query embedding")
		}
		strategy = StrategyVectorSearch
		results, err = r.call(ctx, func(ctx context.Context) ([]chunks.Retrieved, error) {
			return r.store.VectorSearch(ctx, req.DocumentID, req.Embedding, topK)
		})
		if err == nil && len(results) == 0 {
			log.Warn().Msg("vector search returned no rows, falling back to ordered scan")
			strategy = StrategyVectorFallback
			results, err = r.orderedScan(ctx, req.DocumentID, topK)
		}
	}
	if err != nil {
		return nil, strategy, err
	}

	results = chunks.Distinct(results)
	if len(results) == 0 {
		return nil, strategy, ErrNoRelevantChunks
	}

	log.Debug().Str("strategy", string(strategy)).Int("chunks", len(results)).Msg("retrieved chunks")
	return results, strategy, nil
}

func (r *Retriever) orderedScan(ctx context.Context, documentID string, topK int) ([]chunks.Retrieved, error) {
	return r.call(ctx, func(ctx context.Context) ([]chunks.Retrieved, error) {
		return r.store.OrderedScan(ctx, documentID, topK)
	})
}

func (r *Retriever) call(ctx context.Context, fn func(context.Context) ([]chunks.Retrieved, error)) ([]chunks.Retrieved, error) {
	callCtx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	results, err := fn(callCtx)
	if err == nil {
		return results, nil
	}
	if errors.Is(err, chunks.ErrNoChunks) {
		return nil, err
	}
	if timedOut(ctx, callCtx) {
		return nil, fmt.Errorf("%w: %w", ErrRetrievalTimeout, err)
	}
	return nil, fmt.Errorf("retrieve chunks: %w", err)
}
