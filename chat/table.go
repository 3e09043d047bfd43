package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/fabfab/lexray/chunks"
	"github.com/fabfab/lexray/llm"
)

type TableStage string

const (
	TableStagePrimary  TableStage = "primary"
	TableStageFallback TableStage = "fallback"
	TableStageFailed   TableStage = "failed"
	TableStageNoData   TableStage = "no_data"
)

type TableKind string

const (
	TableGeneral    TableKind = "general"
	TableTimeline   TableKind = "timeline"
	TableFacts      TableKind = "facts"
	TableSummary    TableKind = "summary"
	TableKeyPoints  TableKind = "keypoints"
	TableComparison TableKind = "comparison"
)

const (
	// Below this much context an empty table is believable and no second call is made.
	fallbackMinContext = 100
	fallbackMaxContext = 10000
)

// TableShape is the column layout suggested to the model for a question.
type TableShape struct {
	Kind    TableKind
	Columns []string
	Hint    string
}

// ClassifyTable picks a column layout from the wording of a table request.
func ClassifyTable(question string) TableShape {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "timeline") || strings.Contains(q, "events"):
		return TableShape{TableTimeline, []string{"Date", "Event", "Description"}, "Extract chronological events with their dates"}
	case strings.Contains(q, "facts"):
		return TableShape{TableFacts, []string{"Fact", "Source/Reference"}, "Extract factual statements and where they are stated"}
	case strings.Contains(q, "summary") || strings.Contains(q, "overview"):
		return TableShape{TableSummary, []string{"Topic", "Summary"}, "Summarize the main topics and themes"}
	case strings.Contains(q, "important") || strings.Contains(q, "key point"):
		return TableShape{TableKeyPoints, []string{"Key Point", "Details"}, "Extract the most important points with their details"}
	case strings.Contains(q, "compare") || strings.Contains(q, "comparison"):
		return TableShape{TableComparison, []string{"Aspect", "Item 1", "Item 2"}, "Compare the items or concepts side by side"}
	default:
		return TableShape{TableGeneral, []string{"Key Point", "Description"}, "Extract key points and important information"}
	}
}

// TableBuilder turns retrieved chunks into a structured table. It never
// fails: extraction problems degrade to a placeholder table.
type TableBuilder struct {
	completer completer
	logger    zerolog.Logger
}

func NewTableBuilder(client llm.Client, timeout time.Duration, logger zerolog.Logger) *TableBuilder {
	return &TableBuilder{
		completer: completer{client: client, timeout: timeout},
		logger:    logger,
	}
}

func (b *TableBuilder) Build(ctx context.Context, question, documentID string, retrieved []chunks.Retrieved) AnswerResult {
	log := b.logger.With().Str("document_id", documentID).Logger()

	if len(retrieved) == 0 {
		return tableResult(StructuredTable{Title: "No Data Found", Columns: []string{}, Rows: [][]string{}}, []ChunkRef{}, TableStageNoData)
	}

	shape := ClassifyTable(question)
	blob := tableContext(retrieved)
	sources := chunkRefs(retrieved)
	log.Debug().Str("table_kind", string(shape.Kind)).Int("context_chars", utf8.RuneCountInString(blob)).Msg("building table")

	table, err := b.extract(ctx, primaryTableMessages(question, blob, shape), tableOptions, shape)
	switch {
	case err == nil && len(table.Rows) > 0:
		return tableResult(table, sources, TableStagePrimary)
	case err == nil && utf8.RuneCountInString(blob) <= fallbackMinContext:
		return tableResult(table, sources, TableStagePrimary)
	case err != nil:
		log.Warn().Err(err).Msg("primary table extraction failed")
	default:
		log.Warn().Msg("primary table extraction returned no rows")
	}

	if ctx.Err() != nil {
		return extractionFailed()
	}

	fallback, err := b.extract(ctx, fallbackTableMessages(truncateRunes(blob, fallbackMaxContext), shape), tableFallbackOptions, shape)
	if err != nil || len(fallback.Rows) == 0 {
		log.Error().Err(err).Msg("fallback table extraction failed")
		return extractionFailed()
	}
	return tableResult(fallback, sources, TableStageFallback)
}

func (b *TableBuilder) extract(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions, shape TableShape) (StructuredTable, error) {
	raw, err := b.completer.generate(ctx, messages, opts)
	if err != nil {
		return StructuredTable{}, err
	}
	parsed, err := ParseTable(raw)
	if err != nil {
		return StructuredTable{}, err
	}
	return normalizeTable(parsed, shape.Columns), nil
}

func extractionFailed() AnswerResult {
	return tableResult(StructuredTable{
		Title:   "Extraction Failed",
		Columns: []string{"Status", "Details"},
		Rows: [][]string{
			{"Error", "Failed to extract structured data from the document"},
			{"Suggestion", "Try asking a more specific question or request text format instead"},
		},
	}, []ChunkRef{}, TableStageFailed)
}

func tableResult(t StructuredTable, sources []ChunkRef, stage TableStage) AnswerResult {
	return AnswerResult{
		Kind:         KindTable,
		Table:        &t,
		FallbackText: t.Markdown(),
		Sources:      sources,
		Intent:       IntentTable,
		Strategy:     StrategyFullScan,
		TableStage:   stage,
	}
}

func tableContext(retrieved []chunks.Retrieved) string {
	sections := make([]string, len(retrieved))
	for i, r := range retrieved {
		chunkType := r.Type
		if chunkType == "" {
			chunkType = chunks.TypeText
		}
		header := fmt.Sprintf("[Section %d - Type: %s]", i+1, chunkType)
		if r.PageNumber > 0 {
			header = fmt.Sprintf("[Section %d - Page %d - Type: %s]", i+1, r.PageNumber, chunkType)
		}
		sections[i] = header + "\n" + r.Text
	}
	return strings.Join(sections, sectionSeparator)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func primaryTableMessages(question, blob string, shape TableShape) []llm.Message {
	columns, _ := json.Marshal(shape.Columns)

	var sb strings.Builder
	sb.WriteString("USER REQUEST: ")
	sb.WriteString(question)
	sb.WriteString("\n\nEXTRACTION GOAL: ")
	sb.WriteString(shape.Hint)
	sb.WriteString("\n\nDOCUMENT CONTENT:\n")
	sb.WriteString(blob)
	sb.WriteString("\n\nINSTRUCTIONS:\n")
	sb.WriteString("1. Read the whole document content and extract the information relevant to the request.\n")
	sb.WriteString("2. Each row is one distinct piece of information; keep cells short but informative.\n")
	fmt.Fprintf(&sb, "3. For a %s table use columns like %s.\n", shape.Kind, columns)
	sb.WriteString("4. Every row has exactly as many cells as there are columns.\n")
	sb.WriteString("5. If the document has any relevant content, return at least some rows; return empty rows only when nothing applies.\n\n")
	sb.WriteString("Respond with this JSON object and nothing else:\n")
	fmt.Fprintf(&sb, `{"answer_type": "table", "table": {"title": "<title for the request>", "columns": %s, "rows": [["...", "..."]]}}`, columns)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: "You extract structured tables from documents. You reply with a single valid JSON object, without markdown or commentary."},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

func fallbackTableMessages(blob string, shape TableShape) []llm.Message {
	columns, _ := json.Marshal(shape.Columns)

	var sb strings.Builder
	sb.WriteString("Extract key information from this text as JSON.\n\nTEXT:\n")
	sb.WriteString(blob)
	fmt.Fprintf(&sb, "\n\nCreate a simple table with columns %s and at least 5 distinct rows.\n", columns)
	fmt.Fprintf(&sb, `Return only: {"title": "Summary", "columns": %s, "rows": [["...", "..."]]}`, columns)

	return []llm.Message{{Role: llm.RoleUser, Content: sb.String()}}
}
