package bm25

import (
	"testing"

	"github.com/raglite/raglite/store"
)

func docChunks() []store.Chunk {
	return []store.Chunk{
		{ID: "c1", Text: "Variable cost per ton was 23.2 EUR in fiscal 2024."},
		{ID: "c2", Text: "Headcount in the logistics division grew by 4 percent."},
		{ID: "c3", Text: "Total production volume reached 1.2 million tons."},
	}
}

func TestSearchRanksExactTerms(t *testing.T) {
	x := New()
	x.IndexDocument("doc-a", docChunks())

	hits := x.Search("variable cost per ton", 10)
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].ChunkID != "c1" {
		t.Errorf("top hit = %s, want c1", hits[0].ChunkID)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("scores not descending at %d", i)
		}
	}
}

func TestSearchEmptyQueryAndIndex(t *testing.T) {
	x := New()
	if hits := x.Search("anything", 5); hits != nil {
		t.Errorf("empty index returned %v", hits)
	}
	x.IndexDocument("doc-a", docChunks())
	if hits := x.Search("", 5); hits != nil {
		t.Errorf("empty query returned %v", hits)
	}
	if hits := x.Search("!!! ???", 5); hits != nil {
		t.Errorf("punctuation-only query returned %v", hits)
	}
}

func TestTokenizeNumbersAndCase(t *testing.T) {
	got := tokenize("EBITDA grew 12.5% in Q3")
	want := []string{"ebitda", "grew", "12", "5", "in", "q3"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReindexReplacesDocument(t *testing.T) {
	x := New()
	x.IndexDocument("doc-a", docChunks())
	if x.Len() != 3 {
		t.Fatalf("len = %d, want 3", x.Len())
	}

	x.IndexDocument("doc-a", []store.Chunk{
		{ID: "c9", Text: "Revised revenue figures for fiscal 2025."},
	})
	if x.Len() != 1 {
		t.Fatalf("after reindex len = %d, want 1", x.Len())
	}
	if hits := x.Search("variable cost", 5); len(hits) != 0 {
		t.Errorf("old chunks still searchable: %v", hits)
	}
	hits := x.Search("revenue fiscal 2025", 5)
	if len(hits) != 1 || hits[0].ChunkID != "c9" {
		t.Errorf("new chunk not found: %v", hits)
	}
}

func TestRemoveDocument(t *testing.T) {
	x := New()
	x.IndexDocument("doc-a", docChunks())
	x.IndexDocument("doc-b", []store.Chunk{{ID: "c4", Text: "Quarterly margin analysis."}})

	x.RemoveDocument("doc-a")
	if x.Len() != 1 {
		t.Fatalf("len = %d, want 1", x.Len())
	}
	if hits := x.Search("margin analysis", 5); len(hits) != 1 || hits[0].ChunkID != "c4" {
		t.Errorf("doc-b lost after removing doc-a: %v", hits)
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	x := New()
	x.IndexDocument("doc-a", []store.Chunk{
		{ID: "b", Text: "identical words here"},
		{ID: "a", Text: "identical words here"},
	})
	hits := x.Search("identical words", 5)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != "a" || hits[1].ChunkID != "b" {
		t.Errorf("tie order = %s, %s, want a, b", hits[0].ChunkID, hits[1].ChunkID)
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	x := New()
	x.IndexDocument("doc-a", docChunks())
	if err := x.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	y := New()
	if err := y.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if y.Len() != x.Len() {
		t.Fatalf("loaded len = %d, want %d", y.Len(), x.Len())
	}
	a := x.Search("variable cost per ton", 5)
	b := y.Search("variable cost per ton", 5)
	if len(a) != len(b) {
		t.Fatalf("result counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ChunkID != b[i].ChunkID || a[i].Score != b[i].Score {
			t.Errorf("hit %d differs after reload", i)
		}
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	x := New()
	if err := x.Load(t.TempDir()); err != nil {
		t.Fatalf("Load on empty dir: %v", err)
	}
	if x.Len() != 0 {
		t.Errorf("len = %d, want 0", x.Len())
	}
}
