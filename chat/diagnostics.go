package chat

import (
	"context"
	"strings"

	"github.com/fabfab/lexray/chunks"
)

// Diagnostics reports what the pipeline would do with a question without
// calling the model. Failures of individual checks are recorded, not
// returned.
type Diagnostics struct {
	Question        string               `json:"question"`
	DocumentID      string               `json:"documentId"`
	IntentDetection IntentDiagnostics    `json:"intentDetection"`
	Embedding       EmbeddingDiagnostics `json:"embeddingCheck"`
	Retrieval       RetrievalDiagnostics `json:"retrievalCheck"`
	Stats           *chunks.Stats        `json:"stats,omitempty"`
}

type IntentDiagnostics struct {
	Intent         Intent    `json:"intent"`
	IsTableRequest bool      `json:"isTableRequest"`
	SanitizedQuery string    `json:"sanitizedQuery"`
	TableKind      TableKind `json:"tableKind,omitempty"`
}

type EmbeddingDiagnostics struct {
	Success   bool   `json:"success"`
	Dimension int    `json:"dimension"`
	Error     string `json:"error,omitempty"`
}

type RetrievalDiagnostics struct {
	Strategy        Strategy `json:"strategy"`
	ChunksRetrieved int      `json:"chunksRetrieved"`
	TableChunks     int      `json:"tableChunks"`
	TextChunks      int      `json:"textChunks"`
	Error           string   `json:"error,omitempty"`
}

func (s *Service) Diagnose(ctx context.Context, question, documentID string) (Diagnostics, error) {
	question = strings.TrimSpace(question)
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return Diagnostics{}, invalidInput("document id is required")
	}
	if question == "" {
		return Diagnostics{}, invalidInput("question is required")
	}

	intent := ClassifyIntent(question)
	d := Diagnostics{
		Question:   question,
		DocumentID: documentID,
		IntentDetection: IntentDiagnostics{
			Intent:         intent,
			IsTableRequest: intent == IntentTable,
			SanitizedQuery: SanitizeQuery(question),
		},
	}
	if intent == IntentTable {
		d.IntentDetection.TableKind = ClassifyTable(question).Kind
	}

	embedding, err := s.embed(ctx, d.IntentDetection.SanitizedQuery)
	if err != nil {
		d.Embedding.Error = err.Error()
	} else {
		d.Embedding.Success = true
		d.Embedding.Dimension = len(embedding)
	}

	retrieved, strategy, err := s.retriever.Retrieve(ctx, RetrieveRequest{
		DocumentID: documentID,
		Intent:     intent,
		Embedding:  embedding,
		TopK:       s.cfg.TopK,
	})
	d.Retrieval.Strategy = strategy
	if err != nil {
		d.Retrieval.Error = err.Error()
	}
	d.Retrieval.ChunksRetrieved = len(retrieved)
	for _, r := range retrieved {
		if r.IsTable() {
			d.Retrieval.TableChunks++
		} else {
			d.Retrieval.TextChunks++
		}
	}

	if stats, err := s.store.Stats(ctx, documentID); err == nil {
		d.Stats = &stats
	} else {
		s.logger.Debug().Err(err).Str("document_id", documentID).Msg("document stats unavailable")
	}
	return d, nil
}
