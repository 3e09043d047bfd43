package ingestion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/fabfab/lexray/chunks"
)

const (
	defaultChunkSize    = 800
	defaultChunkOverlap = 100
	// A chunk may end early at a sentence boundary found in its last runes.
	sentenceSearchWindow = 150
)

var (
	zeroWidthReplacer = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "")
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
	spacesPattern     = regexp.MustCompile(`[ \t]+`)
)

// CleanText normalizes extracted text: unix newlines, no zero-width
// characters, single spaces and at most one blank line in a row.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = zeroWidthReplacer.Replace(text)
	text = spacesPattern.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// ChunkText splits text into windows of at most size runes that overlap by
// overlap runes, preferring to end each window after a sentence.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	out := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); {
		end := min(start+size, len(runes))
		if end < len(runes) {
			if cut := sentenceEnd(runes[start:end]); cut > 0 {
				end = start + cut
			}
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end >= len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// sentenceEnd returns the offset just past the last sentence terminator
// followed by whitespace inside the search window, or 0.
func sentenceEnd(window []rune) int {
	floor := max(len(window)-sentenceSearchWindow, 0)
	for i := len(window) - 2; i >= floor; i-- {
		switch window[i] {
		case '.', '!', '?':
			if unicode.IsSpace(window[i+1]) {
				return i + 1
			}
		}
	}
	return 0
}

// BuildChunks turns parsed pages into ordered chunks: every detected table
// first, each as one unsplit chunk, then the text chunks. Indices are
// sequential from zero.
func BuildChunks(documentID string, pages []Page, size, overlap int) []chunks.Chunk {
	var tables, texts []chunks.Chunk
	for _, page := range pages {
		found, rest := DetectTables(page.Text)
		for _, table := range found {
			tables = append(tables, chunks.Chunk{
				Text:       fmt.Sprintf("[TABLE %d]\n%s", len(tables)+1, table),
				Type:       chunks.TypeTable,
				PageNumber: page.Number,
			})
		}
		for _, piece := range ChunkText(CleanText(rest), size, overlap) {
			texts = append(texts, chunks.Chunk{
				Text:       piece,
				Type:       chunks.TypeText,
				PageNumber: page.Number,
			})
		}
	}

	all := append(tables, texts...)
	for i := range all {
		all[i].DocumentID = documentID
		all[i].Index = i
	}
	return all
}
