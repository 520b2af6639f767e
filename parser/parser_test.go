package parser

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Page splitting
// ---------------------------------------------------------------------------

func TestSplitPageTextAndHeading(t *testing.T) {
	text := "OPERATIONAL REVIEW\nRevenue grew in the quarter.\nMargins improved on lower fuel costs."
	elements := splitPageIntoElements(text, 3)

	if len(elements) != 2 {
		t.Fatalf("got %d elements, want 2", len(elements))
	}
	if elements[0].Kind != KindHeading {
		t.Errorf("elements[0].Kind = %q, want %q", elements[0].Kind, KindHeading)
	}
	if elements[0].Level != 1 {
		t.Errorf("heading level = %d, want 1", elements[0].Level)
	}
	if elements[1].Kind != KindText {
		t.Errorf("elements[1].Kind = %q, want %q", elements[1].Kind, KindText)
	}
	for _, el := range elements {
		if el.PageNumber != 3 {
			t.Errorf("PageNumber = %d, want 3", el.PageNumber)
		}
	}
}

func TestSplitPageDetectsPipeTable(t *testing.T) {
	text := strings.Join([]string{
		"Table 12: Cost breakdown",
		"Metric | Aug 2025 | Jul 2025",
		"Variable cost per ton | 23.2 | 24.1",
		"Fixed cost per ton | 11.0 | 11.2",
	}, "\n")

	elements := splitPageIntoElements(text, 46)
	if len(elements) != 1 {
		t.Fatalf("got %d elements, want 1 table", len(elements))
	}
	tb := elements[0].Table
	if tb == nil {
		t.Fatal("Table is nil")
	}
	if tb.Caption != "Table 12: Cost breakdown" {
		t.Errorf("Caption = %q", tb.Caption)
	}
	if len(tb.HeaderRows) != 1 {
		t.Fatalf("got %d header rows, want 1", len(tb.HeaderRows))
	}
	if tb.HeaderRows[0][0] != "Metric" {
		t.Errorf("header cell = %q, want Metric", tb.HeaderRows[0][0])
	}
	if len(tb.Rows) != 2 {
		t.Errorf("got %d rows, want 2", len(tb.Rows))
	}
	if got := elements[0].Pages(); len(got) != 1 || got[0] != 46 {
		t.Errorf("Pages() = %v, want [46]", got)
	}
}

func TestSplitRowMultiSpace(t *testing.T) {
	cells := splitRow("Revenue    120.5    118.2    +1.9%")
	want := []string{"Revenue", "120.5", "118.2", "+1.9%"}
	if len(cells) != len(want) {
		t.Fatalf("got %d cells, want %d (%v)", len(cells), len(want), cells)
	}
	for i := range want {
		if cells[i] != want[i] {
			t.Errorf("cells[%d] = %q, want %q", i, cells[i], want[i])
		}
	}
}

func TestNumericFirstRowHasNoHeader(t *testing.T) {
	tb := linesToTable([]string{"23.2 | 24.1", "11.0 | 11.2"}, "", 1)
	if tb == nil {
		t.Fatal("table is nil")
	}
	if len(tb.HeaderRows) != 0 {
		t.Errorf("got %d header rows, want 0 for numeric first row", len(tb.HeaderRows))
	}
	if len(tb.Rows) != 2 {
		t.Errorf("got %d rows, want 2", len(tb.Rows))
	}
}

// ---------------------------------------------------------------------------
// Multi-page table merging
// ---------------------------------------------------------------------------

func TestMergeContinuationTables(t *testing.T) {
	doc := &Document{Elements: []Element{
		{Kind: KindTable, PageNumber: 5, Table: &Table{
			Caption:    "Table 1: Volumes",
			HeaderRows: [][]string{{"Plant", "Tons"}},
			Rows:       [][]string{{"Alhandra", "1200"}},
			PageNumber: 5,
		}},
		{Kind: KindTable, PageNumber: 6, Table: &Table{
			HeaderRows: [][]string{{"Plant", "Tons"}},
			Rows:       [][]string{{"Souselas", "900"}},
			PageNumber: 6,
		}},
	}}

	mergeContinuationTables(doc)

	if len(doc.Elements) != 1 {
		t.Fatalf("got %d elements, want 1 merged table", len(doc.Elements))
	}
	tb := doc.Elements[0].Table
	if len(tb.Rows) != 2 {
		t.Errorf("merged rows = %d, want 2", len(tb.Rows))
	}
	if len(tb.ContinuationPages) != 1 || tb.ContinuationPages[0] != 6 {
		t.Errorf("ContinuationPages = %v, want [6]", tb.ContinuationPages)
	}
	if got := doc.Elements[0].Pages(); len(got) != 2 {
		t.Errorf("Pages() = %v, want two pages", got)
	}
}

func TestMergeSkipsCaptionedTable(t *testing.T) {
	doc := &Document{Elements: []Element{
		{Kind: KindTable, PageNumber: 5, Table: &Table{
			Rows: [][]string{{"a", "b"}}, PageNumber: 5,
		}},
		{Kind: KindTable, PageNumber: 6, Table: &Table{
			Caption: "Table 2: Other", Rows: [][]string{{"c", "d"}}, PageNumber: 6,
		}},
	}}

	mergeContinuationTables(doc)
	if len(doc.Elements) != 2 {
		t.Fatalf("got %d elements, want 2 (captioned table must not merge)", len(doc.Elements))
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, format := range []string{"pdf", "xlsx"} {
		if _, err := r.Get(format); err != nil {
			t.Errorf("Get(%q) error: %v", format, err)
		}
	}
	if _, err := r.Get("docx"); err == nil {
		t.Error("Get(docx) should fail")
	}
}
