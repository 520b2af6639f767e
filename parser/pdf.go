package parser

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser extracts text, headings, and tables from PDF reports using
// layout heuristics: all-caps or numbered short lines become headings,
// runs of delimiter-dense lines become tables, everything else is text.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*Document, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	doc := &Document{PageCount: totalPages}

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		doc.Elements = append(doc.Elements, splitPageIntoElements(text, i)...)
	}

	mergeContinuationTables(doc)
	return doc, nil
}

// splitPageIntoElements breaks one page's text into typed elements.
func splitPageIntoElements(text string, pageNum int) []Element {
	lines := strings.Split(text, "\n")
	var elements []Element
	var textBuf []string
	var tableBuf []string
	caption := ""

	flushText := func() {
		if len(textBuf) == 0 {
			return
		}
		block := strings.TrimSpace(strings.Join(textBuf, "\n"))
		textBuf = textBuf[:0]
		if block != "" {
			elements = append(elements, Element{Kind: KindText, Text: block, PageNumber: pageNum})
		}
	}
	flushTable := func() {
		if len(tableBuf) == 0 {
			return
		}
		t := linesToTable(tableBuf, caption, pageNum)
		tableBuf = tableBuf[:0]
		caption = ""
		if t != nil {
			elements = append(elements, Element{Kind: KindTable, Table: t, PageNumber: pageNum})
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		switch {
		case isTableRow(trimmed):
			flushText()
			tableBuf = append(tableBuf, trimmed)
		case isTableCaption(trimmed) && len(tableBuf) == 0:
			flushText()
			flushTable()
			caption = trimmed
		case isLikelyHeading(trimmed):
			flushTable()
			flushText()
			elements = append(elements, Element{
				Kind:       KindHeading,
				Text:       trimmed,
				Level:      detectHeadingLevel(trimmed),
				PageNumber: pageNum,
			})
		default:
			flushTable()
			textBuf = append(textBuf, trimmed)
		}
	}
	flushTable()
	flushText()

	return elements
}

// isTableRow detects delimiter-dense lines: pipes, tabs, or three or
// more multi-space column gaps.
func isTableRow(line string) bool {
	if strings.Count(line, "|") >= 2 || strings.Count(line, "\t") >= 2 {
		return true
	}
	return len(columnGapRe.FindAllString(line, -1)) >= 3
}

var (
	columnGapRe   = regexp.MustCompile(`\s{2,}`)
	tableCaption  = regexp.MustCompile(`(?i)^(table|tabla)\s+\d`)
	numericCellRe = regexp.MustCompile(`^[\d.,%()\s€$-]+$`)
)

func isTableCaption(line string) bool {
	return len(line) < 120 && tableCaption.MatchString(line)
}

// linesToTable converts a run of table-looking lines into a Table.
// The first row is treated as the header when it has no numeric-only
// cells; otherwise the table has no header rows.
func linesToTable(lines []string, caption string, pageNum int) *Table {
	rows := make([][]string, 0, len(lines))
	for _, line := range lines {
		cells := splitRow(line)
		if len(cells) == 0 {
			continue
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return nil
	}

	t := &Table{Caption: caption, PageNumber: pageNum}
	if len(rows) > 1 && !rowLooksNumeric(rows[0]) {
		t.HeaderRows = rows[:1]
		t.Rows = rows[1:]
	} else {
		t.Rows = rows
	}
	return t
}

// splitRow splits a table line into cells on pipes, tabs, or multi-space gaps.
func splitRow(line string) []string {
	var parts []string
	switch {
	case strings.Contains(line, "|"):
		parts = strings.Split(line, "|")
	case strings.Contains(line, "\t"):
		parts = strings.Split(line, "\t")
	default:
		parts = columnGapRe.Split(line, -1)
	}
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cells = append(cells, p)
		}
	}
	return cells
}

func rowLooksNumeric(cells []string) bool {
	numeric := 0
	for _, c := range cells {
		if numericCellRe.MatchString(c) {
			numeric++
		}
	}
	return numeric > len(cells)/2
}

func isLikelyHeading(line string) bool {
	// All caps and short.
	if len(line) < 100 && len(line) > 2 && line == strings.ToUpper(line) && strings.IndexFunc(line, isLetter) >= 0 {
		return true
	}
	// Numbered section like "1.", "1.1", "3.9.1".
	if len(line) < 120 && len(line) > 0 && line[0] >= '0' && line[0] <= '9' &&
		strings.Contains(line[:min(10, len(line))], ".") {
		return true
	}
	lower := strings.ToLower(line)
	if len(line) < 120 {
		for _, prefix := range []string{"section ", "chapter ", "part ", "appendix ", "annex "} {
			if strings.HasPrefix(lower, prefix) {
				return true
			}
		}
	}
	return false
}

func isLetter(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
}

func detectHeadingLevel(heading string) int {
	// Count dots in numbering to determine depth.
	parts := strings.SplitN(heading, " ", 2)
	if len(parts) > 0 {
		if dots := strings.Count(parts[0], "."); dots > 0 {
			return dots
		}
	}
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}

// mergeContinuationTables joins a table that ends one page with a
// same-shape table that opens the next page. The merged table keeps the
// first table's header and records the extra page numbers.
func mergeContinuationTables(doc *Document) {
	out := doc.Elements[:0]
	for _, el := range doc.Elements {
		if el.Kind == KindTable && len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.Kind == KindTable && el.Table.Caption == "" &&
				el.PageNumber == prev.Table.lastPage()+1 &&
				columnCount(prev.Table) == columnCount(el.Table) {
				prev.Table.Rows = append(prev.Table.Rows, el.Table.Rows...)
				prev.Table.ContinuationPages = append(prev.Table.ContinuationPages, el.PageNumber)
				continue
			}
		}
		out = append(out, el)
	}
	doc.Elements = out
}

func (t *Table) lastPage() int {
	if len(t.ContinuationPages) > 0 {
		return t.ContinuationPages[len(t.ContinuationPages)-1]
	}
	return t.PageNumber
}

func columnCount(t *Table) int {
	if len(t.HeaderRows) > 0 {
		return len(t.HeaderRows[0])
	}
	if len(t.Rows) > 0 {
		return len(t.Rows[0])
	}
	return 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
