package chat

import "strings"

type Intent string

const (
	IntentSpecific Intent = "specific"
	IntentGeneric  Intent = "generic"
	IntentTable    Intent = "table"
)

// Table phrases are checked first and win over everything else.
var tableKeywords = []string{
	"tabular format",
	"table format",
	"in table",
	"in a table",
	"as table",
	"as a table",
	"tabular",
	"timeline",
	"events timeline",
	"facts table",
	"summary table",
	"document summary table",
	"in tabular",
	"show in table",
	"display in table",
	"create a table",
	"make a table",
	"generate a table",
	"output as table",
	"present as table",
	"format as table",
	"table of",
	"list in table",
}

// Whole-document requests. Interrogatives such as "what is" are absent on
// purpose: "What is the governing law?" is a pointed question.
var genericKeywords = []string{
	"summarize",
	"summarise",
	"summary",
	"overview",
	"key points",
	"important points",
	"main points",
	"highlights",
	"overall",
	"entire document",
	"whole document",
}

// formatWords are matched as whole words so "information" or "notable" do
// not count as a format request.
var formatWords = map[string]struct{}{
	"table": {}, "tables": {}, "tabular": {}, "format": {}, "formatted": {},
}

var interrogatives = map[string]struct{}{
	"who": {}, "what": {}, "when": {}, "where": {}, "why": {}, "how": {}, "which": {},
}

const shortQueryTokens = 5

// ClassifyIntent maps a question to a retrieval strategy:
//
//  1. any table phrase → IntentTable
//  2. any whole-document phrase → IntentGeneric
//  3. at most five words, a formatting word and no interrogative → IntentGeneric
//  4. anything else, including empty input → IntentSpecific
func ClassifyIntent(question string) Intent {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return IntentSpecific
	}

	if containsAnyPhrase(q, tableKeywords) {
		return IntentTable
	}
	if containsAnyPhrase(q, genericKeywords) {
		return IntentGeneric
	}
	if isShortFormatRequest(q) {
		return IntentGeneric
	}
	return IntentSpecific
}

// ResolveIntent honours an explicit intent and classifies otherwise.
func ResolveIntent(question string, explicit Intent) Intent {
	if explicit.Valid() {
		return explicit
	}
	return ClassifyIntent(question)
}

func (i Intent) Valid() bool {
	switch i {
	case IntentSpecific, IntentGeneric, IntentTable:
		return true
	}
	return false
}

// ParseIntent accepts the intent names clients send. An empty string or
// "auto" yields the zero Intent, which ResolveIntent treats as unset.
func ParseIntent(raw string) (Intent, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return "", nil
	case "table", "tabular":
		return IntentTable, nil
	case "generic", "summary":
		return IntentGeneric, nil
	case "specific", "text":
		return IntentSpecific, nil
	default:
		return "", invalidInput("unknown intent %q", raw)
	}
}

func (i Intent) String() string {
	if i == "" {
		return "auto"
	}
	return string(i)
}

func containsAnyPhrase(q string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

func isShortFormatRequest(q string) bool {
	words := strings.Fields(q)
	if len(words) > shortQueryTokens {
		return false
	}

	mentionsFormat := false
	for _, raw := range words {
		word := strings.Trim(raw, ".,;:!?\"'()")
		if _, ok := interrogatives[word]; ok {
			return false
		}
		if _, ok := formatWords[word]; ok {
			mentionsFormat = true
		}
	}
	return mentionsFormat
}
