package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/lexray/chunks"
	"github.com/fabfab/lexray/embeddings"
)

func newTestService(store chunks.Store, embedder embeddings.Embedder, client *fakeLLM, opts ...Option) *Service {
	return NewService(store, embedder, client, zerolog.Nop(), opts...)
}

func TestServiceAnswer(t *testing.T) {
	ctx := context.Background()

	t.Run("Should answer a specific question from vector hits", func(t *testing.T) {
		store := &fakeStore{chunks: textChunks("doc-1",
			"This agreement is governed by the laws of Delaware.",
			"The notice period is 30 days.",
			"Fees are payable monthly.",
		)}
		client := &fakeLLM{responses: []string{"  The governing law is Delaware law.\n"}}
		svc := newTestService(store, &fakeEmbedder{}, client)

		result, err := svc.Answer(ctx, Request{DocumentID: "doc-1", Question: "What is the governing law?"})
		require.NoError(t, err)

		assert.Equal(t, KindText, result.Kind)
		assert.Equal(t, IntentSpecific, result.Intent)
		assert.Equal(t, StrategyVectorSearch, result.Strategy)
		assert.Equal(t, "The governing law is Delaware law.", result.Text)
		require.Len(t, result.Sources, 3)
		assert.InDelta(t, 0.9, result.Sources[0].Similarity, 1e-9)
		assert.Contains(t, client.Prompt(0), "[Section 1 - Relevance: 90.0%]")
		assert.InDelta(t, 0.7, client.Options(0).Temperature, 1e-6)
		assert.False(t, client.Options(0).JSON)
	})

	t.Run("Should build a table from a full scan", func(t *testing.T) {
		store := &fakeStore{chunks: mixedDocument("doc-2", 2, 5)}
		embedder := &fakeEmbedder{}
		client := &fakeLLM{responses: []string{`{"table": {"title": "Payment schedule", "columns": ["Key Point", "Description"], "rows": [["March", "500"], ["April", "700"]]}}`}}
		svc := newTestService(store, embedder, client)

		result, err := svc.Answer(ctx, Request{DocumentID: "doc-2", Question: "Show payment schedule in tabular format"})
		require.NoError(t, err)

		assert.Equal(t, KindTable, result.Kind)
		assert.Equal(t, IntentTable, result.Intent)
		assert.Equal(t, StrategyFullScan, result.Strategy)
		require.NotNil(t, result.Table)
		assert.Equal(t, ClassifyTable("Show payment schedule in tabular format").Columns, result.Table.Columns)
		assert.Len(t, result.Sources, 7)
		assert.Equal(t, []string{"full"}, store.Calls())
		assert.Equal(t, []string{"Show payment schedule"}, embedder.Inputs())

		prompt := client.Prompt(0)
		assert.Contains(t, prompt, "[Section 1 - Type: table]")
		assert.Contains(t, prompt, "[Section 2 - Type: table]")
		assert.Contains(t, prompt, "[Section 3 - Type: text]")
	})

	t.Run("Should not embed table questions when disabled", func(t *testing.T) {
		store := &fakeStore{chunks: mixedDocument("doc-2", 1, 1)}
		embedder := &fakeEmbedder{}
		client := &fakeLLM{responses: []string{`{"columns": ["A"], "rows": [["x"]]}`}}
		cfg := DefaultConfig()
		cfg.EmbedTableQueries = false
		svc := newTestService(store, embedder, client, WithConfig(cfg))

		_, err := svc.Answer(ctx, Request{DocumentID: "doc-2", Question: "anything", Intent: IntentTable})
		require.NoError(t, err)
		assert.Empty(t, embedder.Inputs())
	})

	t.Run("Should answer table questions when the embedding fails", func(t *testing.T) {
		store := &fakeStore{chunks: mixedDocument("doc-2", 1, 1)}
		client := &fakeLLM{responses: []string{`{"columns": ["A"], "rows": [["x"]]}`}}
		svc := newTestService(store, &fakeEmbedder{err: errors.New("embedder down")}, client)

		result, err := svc.Answer(ctx, Request{DocumentID: "doc-2", Question: "facts in a table"})
		require.NoError(t, err)
		assert.Equal(t, KindTable, result.Kind)
	})

	t.Run("Should fail with no chunks for an unprocessed document", func(t *testing.T) {
		store := &fakeStore{}
		client := &fakeLLM{responses: []string{"never"}}
		svc := newTestService(store, &fakeEmbedder{}, client)

		for _, q := range []string{"What is the governing law?", "Summarize the document", "Fees in a table"} {
			_, err := svc.Answer(ctx, Request{DocumentID: "empty-doc", Question: q})
			assert.ErrorIs(t, err, ErrNoChunks, q)
		}
		assert.Zero(t, client.Calls())
	})

	t.Run("Should return the not found message when retrieval is empty", func(t *testing.T) {
		store := &fakeStore{chunks: textChunks("doc-1", "a"), emptyVector: true, emptyOrdered: true}
		client := &fakeLLM{responses: []string{"never"}}
		svc := newTestService(store, &fakeEmbedder{}, client)

		result, err := svc.Answer(ctx, Request{DocumentID: "doc-1", Question: "What is the fee?"})
		require.NoError(t, err)
		assert.Equal(t, KindText, result.Kind)
		assert.Equal(t, NoRelevantInformationMessage, result.Text)
		assert.Empty(t, result.Sources)
		assert.Zero(t, client.Calls())
	})

	t.Run("Should reject invalid requests", func(t *testing.T) {
		svc := newTestService(&fakeStore{}, &fakeEmbedder{}, &fakeLLM{})
		for _, req := range []Request{
			{DocumentID: "", Question: "What?"},
			{DocumentID: "doc-1", Question: "   "},
			{DocumentID: "doc-1", Question: "What?", Intent: Intent("chart")},
		} {
			_, err := svc.Answer(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		}
	})

	t.Run("Should propagate embedding failures", func(t *testing.T) {
		store := &fakeStore{chunks: textChunks("doc-1", "a")}
		svc := newTestService(store, &fakeEmbedder{err: errors.New("embedder down")}, &fakeLLM{})

		_, err := svc.Answer(ctx, Request{DocumentID: "doc-1", Question: "What is the fee?"})
		require.ErrorIs(t, err, ErrEmbedding)
		assert.Empty(t, store.Calls())
	})

	t.Run("Should propagate completion failures", func(t *testing.T) {
		store := &fakeStore{chunks: textChunks("doc-1", "a")}
		client := &fakeLLM{errs: []error{errors.New("model crashed")}}
		svc := newTestService(store, &fakeEmbedder{}, client)

		_, err := svc.Answer(ctx, Request{DocumentID: "doc-1", Question: "What is the fee?"})
		require.ErrorIs(t, err, ErrCompletion)
	})

	t.Run("Should treat a blank completion as a failure", func(t *testing.T) {
		store := &fakeStore{chunks: textChunks("doc-1", "a")}
		client := &fakeLLM{responses: []string{" \n "}}
		svc := newTestService(store, &fakeEmbedder{}, client)

		_, err := svc.Answer(ctx, Request{DocumentID: "doc-1", Question: "What is the fee?"})
		require.ErrorIs(t, err, ErrCompletion)
	})
}

func TestServiceObservers(t *testing.T) {
	events := make(chan AnswerEvent, 1)
	store := &fakeStore{chunks: textChunks("doc-1", "a", "b")}
	client := &fakeLLM{responses: []string{"answer"}}
	svc := newTestService(store, &fakeEmbedder{}, client,
		WithObserver(ObserverFunc(func(context.Context, AnswerEvent) { panic("observer bug") })),
		WithObserver(ObserverFunc(func(ctx context.Context, event AnswerEvent) {
			assert.NoError(t, ctx.Err())
			events <- event
		})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	result, err := svc.Answer(ctx, Request{DocumentID: "doc-1", Question: "Summarize the document"})
	cancel()
	require.NoError(t, err)
	assert.Equal(t, "answer", result.Text)

	select {
	case event := <-events:
		assert.Equal(t, "doc-1", event.DocumentID)
		assert.Equal(t, IntentGeneric, event.Intent)
		assert.Equal(t, StrategyOrderedScan, event.Strategy)
		assert.Equal(t, KindText, event.Kind)
		assert.Len(t, event.Sources, 2)
		assert.False(t, event.Streamed)
		assert.NoError(t, event.Err)
	case <-time.After(time.Second):
		t.Fatal("observer was not notified")
	}
}

func TestServiceDiagnose(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{chunks: mixedDocument("doc-2", 2, 3)}
	svc := newTestService(store, &fakeEmbedder{}, &fakeLLM{})

	d, err := svc.Diagnose(ctx, "Create a timeline of events in a table", "doc-2")
	require.NoError(t, err)

	assert.Equal(t, IntentTable, d.IntentDetection.Intent)
	assert.True(t, d.IntentDetection.IsTableRequest)
	assert.Equal(t, TableTimeline, d.IntentDetection.TableKind)
	assert.True(t, strings.HasPrefix(d.IntentDetection.SanitizedQuery, "Create a timeline"))
	assert.True(t, d.Embedding.Success)
	assert.Equal(t, 3, d.Embedding.Dimension)
	assert.Equal(t, StrategyFullScan, d.Retrieval.Strategy)
	assert.Equal(t, 5, d.Retrieval.ChunksRetrieved)
	assert.Equal(t, 2, d.Retrieval.TableChunks)
	assert.Equal(t, 3, d.Retrieval.TextChunks)
	require.NotNil(t, d.Stats)
	assert.Equal(t, 5, d.Stats.TotalChunks)

	d, err = svc.Diagnose(ctx, "What is the fee?", "missing")
	require.NoError(t, err)
	assert.Contains(t, d.Retrieval.Error, chunks.ErrNoChunks.Error())
	assert.Nil(t, d.Stats)

	_, err = svc.Diagnose(ctx, "", "doc-2")
	require.ErrorIs(t, err, ErrInvalidInput)
}
