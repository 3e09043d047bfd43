package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Page is the raw text of one page. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

type DocumentParser interface {
	Parse(ctx context.Context, data []byte) ([]Page, error)
}

func parserFor(format DocumentFormat) (DocumentParser, error) {
	switch format {
	case FormatPDF:
		return pdfParser{}, nil
	case FormatText:
		return textParser{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

type pdfParser struct{}

func (pdfParser) Parse(ctx context.Context, data []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := make([]Page, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract pdf text from page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

type textParser struct{}

func (textParser) Parse(_ context.Context, data []byte) ([]Page, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	pages := make([]Page, 0)
	for i, text := range strings.Split(content, "\f") {
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: text})
	}
	return pages, nil
}
