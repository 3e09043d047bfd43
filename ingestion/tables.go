package ingestion

import (
	"regexp"
	"strings"
)

const minTableRows = 2

var (
	wideGapPattern      = regexp.MustCompile(`\S {3,}\S`)
	wideGapSplitPattern = regexp.MustCompile(` {3,}`)
	separatorRowPattern = regexp.MustCompile(`^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?$`)
	nbspReplacer        = strings.NewReplacer("\u00a0", " ")
)

// DetectTables pulls table-like runs out of raw page text. A run is at least
// two consecutive lines that are pipe, tab or wide-space separated; each run
// is returned as tab-separated rows. The remaining lines are returned as text.
// Run this before CleanText, which collapses the separators it relies on.
func DetectTables(raw string) (tables []string, text string) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	var (
		rest []string
		run  []string
	)
	flush := func() {
		if len(run) >= minTableRows {
			rows := make([]string, 0, len(run))
			for _, line := range run {
				if cells := splitCells(line); len(cells) > 0 {
					rows = append(rows, strings.Join(cells, "\t"))
				}
			}
			tables = append(tables, strings.Join(rows, "\n"))
		} else {
			rest = append(rest, run...)
		}
		run = run[:0]
	}

	for _, line := range lines {
		if isTableLine(line) {
			run = append(run, line)
			continue
		}
		flush()
		rest = append(rest, line)
	}
	flush()

	return tables, strings.Join(rest, "\n")
}

func isTableLine(line string) bool {
	line = nbspReplacer.Replace(line)
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if separatorRowPattern.MatchString(trimmed) {
		return true
	}
	switch {
	case strings.Count(trimmed, "|") >= 2:
		return true
	case strings.Contains(trimmed, "\t"):
		return len(splitCells(trimmed)) >= 2
	default:
		return wideGapPattern.MatchString(trimmed)
	}
}

// splitCells returns the trimmed cells of a table line; separator rows have
// none.
func splitCells(line string) []string {
	line = strings.TrimSpace(nbspReplacer.Replace(line))
	if separatorRowPattern.MatchString(line) {
		return nil
	}

	var parts []string
	switch {
	case strings.Contains(line, "|"):
		parts = strings.Split(strings.Trim(line, "|"), "|")
	case strings.Contains(line, "\t"):
		parts = strings.Split(line, "\t")
	default:
		parts = wideGapSplitPattern.Split(line, -1)
	}

	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		if cell := strings.TrimSpace(p); cell != "" {
			cells = append(cells, cell)
		}
	}
	return cells
}
