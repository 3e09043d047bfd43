package chat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const defaultTableTitle = "Document Summary"

var (
	fenceOpenPattern  = regexp.MustCompile("(?m)^\\s*```(?:json|JSON)?\\s*")
	fenceClosePattern = regexp.MustCompile("(?m)```\\s*$")
)

// ParseTable reads a model completion into a table. It tolerates code fences,
// prose around the JSON object and both the {"table": {...}} envelope and a
// bare {"title", "columns", "rows"} object. Anything without array-valued
// columns and rows is rejected with ErrTableExtraction.
func ParseTable(raw string) (StructuredTable, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = fenceOpenPattern.ReplaceAllString(cleaned, "")
	cleaned = fenceClosePattern.ReplaceAllString(cleaned, "")

	object, ok := outermostObject(cleaned)
	if !ok {
		return StructuredTable{}, fmt.Errorf("%w: no JSON object in completion", ErrTableExtraction)
	}
	if !gjson.Valid(object) {
		return StructuredTable{}, fmt.Errorf("%w: completion is not valid JSON", ErrTableExtraction)
	}

	root := gjson.Parse(object)
	if nested := root.Get("table"); nested.IsObject() {
		root = nested
	}

	columns := root.Get("columns")
	rows := root.Get("rows")
	if !columns.IsArray() || !rows.IsArray() {
		return StructuredTable{}, fmt.Errorf("%w: columns and rows must be arrays", ErrTableExtraction)
	}

	table := StructuredTable{Title: strings.TrimSpace(root.Get("title").String())}
	for _, col := range columns.Array() {
		table.Columns = append(table.Columns, cellString(col))
	}
	for _, row := range rows.Array() {
		table.Rows = append(table.Rows, rowCells(row, table.Columns))
	}
	return table, nil
}

// outermostObject returns the first balanced {...} span, skipping braces
// inside string literals.
func outermostObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func rowCells(row gjson.Result, columns []string) []string {
	switch {
	case row.IsArray():
		items := row.Array()
		cells := make([]string, len(items))
		for i, item := range items {
			cells[i] = cellString(item)
		}
		return cells
	case row.IsObject():
		return objectCells(row, columns)
	default:
		return []string{cellString(row)}
	}
}

// objectCells maps {"Column": value} rows onto the column order, falling back
// to the object's own key order when no key names a column.
func objectCells(row gjson.Result, columns []string) []string {
	byKey := make(map[string]string)
	var ordered []string
	row.ForEach(func(key, value gjson.Result) bool {
		cell := cellString(value)
		byKey[strings.ToLower(strings.TrimSpace(key.String()))] = cell
		ordered = append(ordered, cell)
		return true
	})

	cells := make([]string, len(columns))
	matched := false
	for i, col := range columns {
		if v, ok := byKey[strings.ToLower(col)]; ok {
			cells[i] = v
			matched = true
		}
	}
	if matched {
		return cells
	}
	return ordered
}

func cellString(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return strings.TrimSpace(v.Str)
	default:
		return strings.TrimSpace(v.Raw)
	}
}

// normalizeTable fixes the row width to the column count, drops empty and
// duplicate rows and fills in missing columns and title.
func normalizeTable(t StructuredTable, fallbackColumns []string) StructuredTable {
	columns := make([]string, 0, len(t.Columns))
	for _, col := range t.Columns {
		columns = append(columns, strings.TrimSpace(col))
	}
	if len(columns) == 0 {
		columns = append(columns, fallbackColumns...)
	}

	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = defaultTableTitle
	}

	width := len(columns)
	seen := make(map[string]struct{}, len(t.Rows))
	rows := make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		cells := make([]string, width)
		copy(cells, row)

		key, empty := rowKey(cells)
		if empty {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, cells)
	}

	return StructuredTable{Title: title, Columns: columns, Rows: rows}
}

func rowKey(cells []string) (string, bool) {
	parts := make([]string, len(cells))
	empty := true
	for i, cell := range cells {
		parts[i] = strings.ToLower(strings.TrimSpace(cell))
		if parts[i] != "" {
			empty = false
		}
	}
	return strings.Join(parts, "\x1f"), empty
}
