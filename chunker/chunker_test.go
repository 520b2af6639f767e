package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/raglite/raglite/parser"
	"github.com/raglite/raglite/store"
)

// wordTok counts one token per whitespace-delimited word, which makes
// budget arithmetic in tests exact.
type wordTok struct{}

func (wordTok) Count(text string) int { return len(strings.Fields(text)) }

func newTestChunker(cfg Config) *Chunker {
	return New(cfg, wordTok{}, nil)
}

// sentenceText builds n sentences of wordsPer words each.
func sentenceText(n, wordsPer int) string {
	var b strings.Builder
	w := 0
	for i := 0; i < n; i++ {
		for j := 0; j < wordsPer; j++ {
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			w++
			b.WriteString(fmt.Sprintf("w%d", w))
		}
		b.WriteString(".")
	}
	return b.String()
}

func TestEmptyDocument(t *testing.T) {
	c := newTestChunker(Config{})
	chunks := c.Chunk("doc", "empty.pdf", &parser.Document{})
	if len(chunks) != 0 {
		t.Fatalf("got %d chunks, want 0", len(chunks))
	}
	if chunks := c.Chunk("doc", "nil.pdf", nil); len(chunks) != 0 {
		t.Fatalf("nil document: got %d chunks, want 0", len(chunks))
	}
}

func TestTextWindowing(t *testing.T) {
	c := newTestChunker(Config{ChunkSize: 10, Overlap: 2, SentenceSlack: 3})
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindText, Text: sentenceText(6, 5), PageNumber: 1},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Ordinal != i {
			t.Errorf("chunk %d has ordinal %d", i, ch.Ordinal)
		}
		if want := store.ChunkID("doc", i); ch.ID != want {
			t.Errorf("chunk %d id = %s, want %s", i, ch.ID, want)
		}
		if ch.TokenCount > 10 {
			t.Errorf("chunk %d has %d tokens, budget 10", i, ch.TokenCount)
		}
		// Every chunk ends on a sentence boundary here: sentences are 5
		// words and the slack covers the 10-token window remainder.
		if !strings.HasSuffix(ch.Text, ".") {
			t.Errorf("chunk %d does not end at a sentence boundary: %q", i, ch.Text)
		}
	}
	// Consecutive chunks share overlap words.
	first := strings.Fields(chunks[0].Text)
	second := strings.Fields(chunks[1].Text)
	if first[len(first)-1] != second[1] {
		t.Errorf("no overlap between chunks: %q then %q", chunks[0].Text, chunks[1].Text)
	}
}

func TestChunkingIsDeterministic(t *testing.T) {
	c := newTestChunker(Config{ChunkSize: 10, Overlap: 2, SentenceSlack: 3})
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindText, Text: sentenceText(8, 4), PageNumber: 2},
	}}
	a := c.Chunk("doc", "report.pdf", doc)
	b := c.Chunk("doc", "report.pdf", doc)
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Text != b[i].Text {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestOversizedSentenceEmittedWhole(t *testing.T) {
	c := newTestChunker(Config{ChunkSize: 10, Overlap: 2, SentenceSlack: 3})
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindText, Text: sentenceText(1, 25), PageNumber: 1},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].TokenCount != 25 {
		t.Errorf("token count = %d, want 25", chunks[0].TokenCount)
	}
}

func TestHeadingPrefixesNextChunk(t *testing.T) {
	c := newTestChunker(Config{ChunkSize: 50, Overlap: 5, SentenceSlack: 5})
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindHeading, Text: "4.2 Cost Analysis", Level: 2, PageNumber: 46},
		{Kind: parser.KindText, Text: "Variable costs decreased year over year.", PageNumber: 46},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !strings.HasPrefix(chunks[0].Text, "4.2 Cost Analysis\n\n") {
		t.Errorf("heading not prefixed: %q", chunks[0].Text)
	}
}

func TestPagesTrackedAcrossElements(t *testing.T) {
	c := newTestChunker(Config{ChunkSize: 100, Overlap: 5, SentenceSlack: 5})
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindText, Text: "Revenue grew in the first half.", PageNumber: 12},
		{Kind: parser.KindText, Text: "Margins tightened in the second half.", PageNumber: 13},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0].Pages) != 2 || chunks[0].Pages[0] != 12 || chunks[0].Pages[1] != 13 {
		t.Errorf("pages = %v, want [12 13]", chunks[0].Pages)
	}
}

func testTable(nRows, wordsPerRow int) *parser.Table {
	t := &parser.Table{
		Caption:    "Table 7: Costs",
		HeaderRows: [][]string{{"Metric", "FY2023", "FY2024"}},
		PageNumber: 46,
	}
	for i := 0; i < nRows; i++ {
		row := make([]string, wordsPerRow)
		for j := range row {
			row[j] = fmt.Sprintf("c%d_%d", i, j)
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func TestSmallTableSingleChunk(t *testing.T) {
	c := newTestChunker(Config{MaxTableTokens: 100})
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindTable, Table: testTable(5, 3), PageNumber: 46},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	ch := chunks[0]
	if !ch.IsTable {
		t.Error("IsTable = false")
	}
	if ch.TablePart != "" {
		t.Errorf("TablePart = %q, want empty for unsplit table", ch.TablePart)
	}
	if !strings.HasPrefix(ch.Text, "Table 7: Costs\nMetric | FY2023 | FY2024\n") {
		t.Errorf("table text = %q", ch.Text)
	}
	if len(ch.Pages) != 1 || ch.Pages[0] != 46 {
		t.Errorf("pages = %v, want [46]", ch.Pages)
	}
}

func TestTableExactlyAtBudgetStaysWhole(t *testing.T) {
	tbl := testTable(4, 3)
	rendered := renderTable(tbl.Caption, tbl.HeaderRows, tbl.Rows)
	budget := wordTok{}.Count(rendered)

	c := newTestChunker(Config{MaxTableTokens: budget})
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindTable, Table: tbl, PageNumber: 46},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	if len(chunks) != 1 {
		t.Fatalf("table at budget: got %d chunks, want 1", len(chunks))
	}

	// One token over the budget forces a split.
	c = newTestChunker(Config{MaxTableTokens: budget - 1})
	chunks = c.Chunk("doc", "report.pdf", doc)
	if len(chunks) < 2 {
		t.Fatalf("table over budget: got %d chunks, want at least 2", len(chunks))
	}
}

func TestLargeTableSplitsRowAligned(t *testing.T) {
	c := newTestChunker(Config{MaxTableTokens: 30})
	tbl := testTable(20, 4)
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindTable, Table: tbl, PageNumber: 46},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	total := len(chunks)
	var rowsSeen int
	for i, ch := range chunks {
		if !ch.IsTable {
			t.Fatalf("chunk %d IsTable = false", i)
		}
		if ch.TokenCount > 30 {
			t.Errorf("part %d has %d tokens, budget 30", i, ch.TokenCount)
		}
		wantFirst := fmt.Sprintf("Table 7: Costs (Part %d of %d)", i+1, total)
		lines := strings.Split(ch.Text, "\n")
		if lines[0] != wantFirst {
			t.Errorf("part %d caption = %q, want %q", i, lines[0], wantFirst)
		}
		if lines[1] != "Metric | FY2023 | FY2024" {
			t.Errorf("part %d missing repeated header: %q", i, lines[1])
		}
		// Rows are never split: every data line is a complete 4-cell row.
		for _, line := range lines[2:] {
			if got := len(strings.Split(line, " | ")); got != 4 {
				t.Errorf("part %d has a partial row %q", i, line)
			}
			rowsSeen++
		}
		if ch.TableCaption != "Table 7: Costs" {
			t.Errorf("part %d caption field = %q", i, ch.TableCaption)
		}
	}
	if rowsSeen != len(tbl.Rows) {
		t.Errorf("parts carry %d rows, table has %d", rowsSeen, len(tbl.Rows))
	}
}

func TestOversizedRowBecomesOwnPart(t *testing.T) {
	c := newTestChunker(Config{MaxTableTokens: 20})
	tbl := testTable(2, 3)
	big := make([]string, 40)
	for i := range big {
		big[i] = fmt.Sprintf("x%d", i)
	}
	tbl.Rows = append(tbl.Rows, big)
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindTable, Table: tbl, PageNumber: 46},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	var found bool
	for _, ch := range chunks {
		if strings.Contains(ch.Text, "x39") {
			found = true
			if !strings.Contains(ch.Text, "x0 | x1") {
				t.Errorf("oversized row was split: %q", ch.Text)
			}
		}
	}
	if !found {
		t.Error("oversized row missing from output")
	}
}

func TestTableContinuationPages(t *testing.T) {
	c := newTestChunker(Config{MaxTableTokens: 100})
	tbl := testTable(5, 3)
	tbl.ContinuationPages = []int{47}
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindTable, Table: tbl, PageNumber: 46},
	}}
	chunks := c.Chunk("doc", "report.pdf", doc)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0].Pages) != 2 || chunks[0].Pages[0] != 46 || chunks[0].Pages[1] != 47 {
		t.Errorf("pages = %v, want [46 47]", chunks[0].Pages)
	}
}
