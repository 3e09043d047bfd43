package chat

import (
	"strings"

	"github.com/fabfab/lexray/chunks"
)

type AnswerKind string

const (
	KindText  AnswerKind = "text"
	KindTable AnswerKind = "table"
)

// NoRelevantInformationMessage answers questions whose retrieval came back empty.
const NoRelevantInformationMessage = "I could not find relevant information in the document. Please try rephrasing your question."

// ChunkRef points at a chunk an answer was composed from.
type ChunkRef struct {
	DocumentID string
	ChunkIndex int
	Similarity float64
}

// StructuredTable is a validated table: every row has len(Columns) cells and
// no two rows are equal after trimming and case folding.
type StructuredTable struct {
	Title   string
	Columns []string
	Rows    [][]string
}

// AnswerResult is either a text answer (Kind == KindText, Text set) or a
// table answer (Kind == KindTable, Table and FallbackText set).
type AnswerResult struct {
	Kind         AnswerKind
	Text         string
	Table        *StructuredTable
	FallbackText string
	Sources      []ChunkRef
	Intent       Intent
	Strategy     Strategy
	TableStage   TableStage
}

// Markdown renders the table for clients that cannot display structured data.
func (t StructuredTable) Markdown() string {
	var sb strings.Builder
	if t.Title != "" {
		sb.WriteString("**")
		sb.WriteString(t.Title)
		sb.WriteString("**\n\n")
	}
	if len(t.Columns) == 0 {
		return strings.TrimSpace(sb.String())
	}

	writeRow := func(cells []string) {
		sb.WriteString("|")
		for _, cell := range cells {
			sb.WriteString(" ")
			sb.WriteString(escapeCell(cell))
			sb.WriteString(" |")
		}
		sb.WriteString("\n")
	}

	writeRow(t.Columns)
	sb.WriteString("|")
	sb.WriteString(strings.Repeat(" --- |", len(t.Columns)))
	sb.WriteString("\n")
	for _, row := range t.Rows {
		writeRow(row)
	}
	return strings.TrimSpace(sb.String())
}

func escapeCell(cell string) string {
	cell = strings.ReplaceAll(cell, "|", `\|`)
	return strings.Join(strings.Fields(cell), " ")
}

func chunkRefs(retrieved []chunks.Retrieved) []ChunkRef {
	refs := make([]ChunkRef, len(retrieved))
	for i, r := range retrieved {
		similarity := r.Similarity
		if similarity <= 0 {
			similarity = chunks.SentinelSimilarity
		}
		refs[i] = ChunkRef{DocumentID: r.DocumentID, ChunkIndex: r.Index, Similarity: similarity}
	}
	return refs
}

func textResult(text string, intent Intent, strategy Strategy, sources []ChunkRef) AnswerResult {
	return AnswerResult{Kind: KindText, Text: text, Sources: sources, Intent: intent, Strategy: strategy}
}
