package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// DocumentPayload is the raw material handed to a parser.
type DocumentPayload struct {
	Path string
	Data []byte
}

// ParsedDocument is the normalized output of a parser: plain text plus the
// metadata that could be recovered from the source.
type ParsedDocument struct {
	Title   string
	Authors []string
	Year    int
	Text    string
}

type DocumentParser interface {
	Parse(ctx context.Context, payload DocumentPayload) (*ParsedDocument, error)
}

// ParserFor returns the parser for a detected format, or nil when the format
// is unsupported.
func ParserFor(format DocumentFormat) DocumentParser {
	switch format {
	case FormatMarkdown:
		return markdownParser{}
	case FormatPlainText:
		return plainTextParser{}
	case FormatPDF:
		return pdfParser{}
	case FormatCSV:
		return csvParser{}
	default:
		return nil
	}
}

type markdownParser struct{}

func (markdownParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	content := normalizePlainText(string(payload.Data))
	title := ExtractTitle(content, filepath.Base(payload.Path))

	return &ParsedDocument{
		Title:   title,
		Authors: extractAuthors(content),
		Year:    extractYear(content),
		Text:    content,
	}, nil
}

type plainTextParser struct{}

func (plainTextParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	content := normalizePlainText(string(payload.Data))
	title := firstNonEmptyLine(content)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(payload.Path), filepath.Ext(payload.Path))
	}

	return &ParsedDocument{
		Title:   title,
		Authors: extractAuthors(content),
		Year:    extractYear(content),
		Text:    content,
	}, nil
}

type pdfParser struct{}

func (pdfParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	reader := bytes.NewReader(payload.Data)
	doc, err := pdf.NewReader(reader, int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	content := normalizePlainText(buf.String())
	title := firstNonEmptyLine(content)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(payload.Path), filepath.Ext(payload.Path))
	}

	return &ParsedDocument{
		Title:   title,
		Authors: extractAuthors(content),
		Year:    extractYear(content),
		Text:    content,
	}, nil
}

type csvParser struct{}

func (csvParser) Parse(_ context.Context, payload DocumentPayload) (*ParsedDocument, error) {
	reader := csv.NewReader(bytes.NewReader(payload.Data))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(payload.Path), filepath.Ext(payload.Path))
	if len(records) == 0 {
		return &ParsedDocument{Title: title}, nil
	}

	headers := records[0]
	rows := records[1:]

	paragraphs := make([]string, 0, len(rows))
	for idx, row := range rows {
		paragraphs = append(paragraphs, formatCSVRow(headers, row, idx))
	}

	return &ParsedDocument{
		Title: title,
		Text:  strings.Join(paragraphs, "\n\n"),
	}, nil
}

// ExtractTitle returns the first markdown heading, or the fallback when the
// content has none.
func ExtractTitle(content, fallback string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return fallback
}

var (
	authorsLineRE = regexp.MustCompile(`(?im)^\s*authors?\s*:\s*(.+)$`)
	yearRE        = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// extractAuthors reads a leading "Authors: a, b" line when present. Metadata
// recovery is best effort, the corpus works fine without it.
func extractAuthors(content string) []string {
	match := authorsLineRE.FindStringSubmatch(content)
	if match == nil {
		return nil
	}

	parts := strings.Split(match[1], ",")
	authors := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			authors = append(authors, name)
		}
	}
	return authors
}

// extractYear picks the first plausible publication year from the opening of
// the document.
func extractYear(content string) int {
	head := content
	if len(head) > 2000 {
		head = head[:2000]
	}
	match := yearRE.FindString(head)
	if match == "" {
		return 0
	}
	year, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}
	return year
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(content string) string {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	builder.WriteString(fmt.Sprintf("Row %d", idx+1))
	if len(headers) > 0 {
		builder.WriteString("\n")
	}

	limit := len(headers)
	if len(row) < limit {
		limit = len(row)
	}

	for i := 0; i < limit; i++ {
		header := strings.TrimSpace(headers[i])
		value := strings.TrimSpace(row[i])
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(value)
		if i < limit-1 {
			builder.WriteString("\n")
		}
	}

	if len(row) > len(headers) {
		for i := len(headers); i < len(row); i++ {
			builder.WriteString("\n")
			builder.WriteString(fmt.Sprintf("Extra %d: %s", i+1, strings.TrimSpace(row[i])))
		}
	}

	return builder.String()
}
