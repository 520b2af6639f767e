package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecords(docID string) []ChunkRecord {
	chunks := []Chunk{
		{
			DocumentID: docID, DocumentName: "report.pdf", Ordinal: 0,
			Text:  "Variable cost per ton was 23.2 EUR in August 2025 for Portugal Cement.",
			Pages: []int{46}, IsTable: true, TablePart: "1 of 1", TokenCount: 18,
		},
		{
			DocumentID: docID, DocumentName: "report.pdf", Ordinal: 1,
			Text:  "Variable costs increased due to higher fuel and electricity prices.",
			Pages: []int{12}, TokenCount: 11,
		},
	}
	records := make([]ChunkRecord, len(chunks))
	for i, c := range chunks {
		c.ID = ChunkID(docID, c.Ordinal)
		records[i] = ChunkRecord{Chunk: c}
	}
	records[0].Metadata = Metadata{
		CompanyName:    "Portugal Cement",
		MetricCategory: "cost",
		TimePeriod:     "August 2025",
		DataFormat:     "table",
	}
	return records
}

func TestChunkIDDeterministic(t *testing.T) {
	a := ChunkID("abc123", 7)
	b := ChunkID("abc123", 7)
	if a != b {
		t.Errorf("ChunkID not deterministic: %q vs %q", a, b)
	}
	if ChunkID("abc123", 8) == a {
		t.Error("different ordinals must produce different ids")
	}
	if ChunkID("def456", 7) == a {
		t.Error("different documents must produce different ids")
	}
}

func TestUpsertAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "doc1", Path: "/tmp/report.pdf", Name: "report.pdf", PageCount: 50}
	if err := s.UpsertChunks(ctx, doc, testRecords("doc1")); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	n, err := s.CountByDocument(ctx, "doc1")
	if err != nil {
		t.Fatalf("CountByDocument: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	hits, err := s.SearchTables(ctx, "variable cost per ton", 5, nil)
	if err != nil {
		t.Fatalf("SearchTables: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected search hits")
	}
	// Table boost: the table chunk outranks the narrative chunk.
	if !hits[0].Chunk.IsTable {
		t.Errorf("top hit should be the table chunk, got %q", hits[0].Chunk.Text)
	}
	if hits[0].Chunk.Page() != 46 {
		t.Errorf("top hit page = %d, want 46", hits[0].Chunk.Page())
	}
	if hits[0].Score <= 0 {
		t.Errorf("score = %f, want > 0", hits[0].Score)
	}
}

func TestSearchTablesOnlyFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "doc1", Path: "/tmp/report.pdf", Name: "report.pdf", PageCount: 50}
	if err := s.UpsertChunks(ctx, doc, testRecords("doc1")); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	hits, err := s.SearchTables(ctx, "variable cost", 5, &Filter{TablesOnly: true})
	if err != nil {
		t.Fatalf("SearchTables: %v", err)
	}
	for _, h := range hits {
		if !h.Chunk.IsTable {
			t.Errorf("TablesOnly filter returned non-table chunk %s", h.Chunk.ID)
		}
	}
}

func TestReplaceOnReingest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "doc1", Path: "/tmp/report.pdf", Name: "report.pdf", PageCount: 50}
	if err := s.UpsertChunks(ctx, doc, testRecords("doc1")); err != nil {
		t.Fatalf("first UpsertChunks: %v", err)
	}

	// Re-ingest with a single chunk: the old set must be fully replaced.
	replacement := testRecords("doc1")[:1]
	if err := s.UpsertChunks(ctx, doc, replacement); err != nil {
		t.Fatalf("second UpsertChunks: %v", err)
	}

	n, _ := s.CountByDocument(ctx, "doc1")
	if n != 1 {
		t.Errorf("count after re-ingest = %d, want 1", n)
	}
	got, err := s.GetDocument(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", got.ChunkCount)
	}
}

func TestDeleteByDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "doc1", Path: "/tmp/report.pdf", Name: "report.pdf", PageCount: 50}
	if err := s.UpsertChunks(ctx, doc, testRecords("doc1")); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}
	if err := s.DeleteByDocument(ctx, "doc1"); err != nil {
		t.Fatalf("DeleteByDocument: %v", err)
	}

	n, _ := s.CountByDocument(ctx, "doc1")
	if n != 0 {
		t.Errorf("count after delete = %d, want 0", n)
	}
	hits, err := s.SearchTables(ctx, "variable cost", 5, nil)
	if err != nil {
		t.Fatalf("SearchTables: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits after delete, want 0", len(hits))
	}
}

func TestAllChunksOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "doc1", Path: "/tmp/report.pdf", Name: "report.pdf", PageCount: 50}
	if err := s.UpsertChunks(ctx, doc, testRecords("doc1")); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	chunks, err := s.AllChunks(ctx)
	if err != nil {
		t.Fatalf("AllChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Errorf("chunks[%d].Ordinal = %d, want %d", i, c.Ordinal, i)
		}
	}
}

func TestSanitizeFTS(t *testing.T) {
	if got := sanitizeFTS(""); got != "" {
		t.Errorf("sanitizeFTS(\"\") = %q, want empty", got)
	}
	if got := sanitizeFTS(`(per) ton!`); got != "\"per ton\" OR per OR ton" {
		t.Errorf("operator stripping: got %q", got)
	}
	// Multi-word input yields phrase OR terms.
	got := sanitizeFTS("variable cost")
	want := "\"variable cost\" OR variable OR cost"
	if got != want {
		t.Errorf("sanitizeFTS = %q, want %q", got, want)
	}
}
