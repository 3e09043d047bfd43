package chat

import (
	"regexp"
	"sort"
	"strings"
)

const minSanitizedLength = 3

// Presentation phrases that describe how to answer rather than what to find.
var formattingPhrases = []string{
	"in tabular format",
	"in a table",
	"in table format",
	"as a table",
	"in table",
	"tabular format",
	"table format",
	"in tabular",
	"show in table",
	"display in table",
	"present in table",
	"format as table",
	"in points",
	"as points",
	"in bullet points",
	"as bullet points",
	"in list format",
	"as a list",
	"in markdown",
	"markdown format",
	"structured format",
	"structure it",
	"structure as",
	"format it",
	"format as",
	"present it",
	"display it",
	"show it",
	"give me points",
	"provide points",
	"list the points",
}

var (
	formattingPatterns = compileFormattingPatterns(formattingPhrases)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

func compileFormattingPatterns(phrases []string) []*regexp.Regexp {
	sorted := append([]string(nil), phrases...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	patterns := make([]*regexp.Regexp, len(sorted))
	for i, phrase := range sorted {
		words := strings.Fields(phrase)
		for j := range words {
			words[j] = regexp.QuoteMeta(words[j])
		}
		patterns[i] = regexp.MustCompile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
	}
	return patterns
}

// SanitizeQuery strips presentation phrases so the embedding reflects the
// subject of the question. When too little survives, the trimmed question is
// returned unchanged. SanitizeQuery(SanitizeQuery(q)) == SanitizeQuery(q).
func SanitizeQuery(question string) string {
	original := strings.TrimSpace(question)

	cleaned := original
	for {
		next := cleaned
		for _, p := range formattingPatterns {
			next = p.ReplaceAllString(next, " ")
		}
		if next == cleaned {
			break
		}
		cleaned = next
	}
	cleaned = strings.TrimSpace(whitespacePattern.ReplaceAllString(cleaned, " "))

	if len(cleaned) < minSanitizedLength {
		return original
	}
	return cleaned
}
