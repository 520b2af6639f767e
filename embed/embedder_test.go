package embed

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeEmbedder fails batches larger than one when batchErr is set, and
// fails individual texts listed in badTexts.
type fakeEmbedder struct {
	dim      int
	batchErr bool
	badTexts map[string]bool
	calls    int
}

func (f *fakeEmbedder) Dim() int { return f.dim }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.batchErr && len(texts) > 1 {
		return nil, errors.New("batch too large")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.badTexts[t] {
			return nil, errors.New("unembeddable text")
		}
		vec := make([]float32, f.dim)
		vec[0] = float32(len(t))
		out[i] = vec
	}
	return out, nil
}

func TestEmbedAllPreservesOrder(t *testing.T) {
	f := &fakeEmbedder{dim: 4}
	b := NewBatcher(f, 2, nil)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, failed, err := b.EmbedAll(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if v[0] != float32(len(texts[i])) {
			t.Errorf("vector %d = %v, out of order", i, v[0])
		}
		if failed[i] {
			t.Errorf("text %d marked failed", i)
		}
	}
	// 5 texts, batch size 2 -> 3 calls.
	if f.calls != 3 {
		t.Errorf("calls = %d, want 3", f.calls)
	}
}

func TestBatchFailureFallsBackToSingles(t *testing.T) {
	f := &fakeEmbedder{dim: 4, batchErr: true, badTexts: map[string]bool{"bad": true}}
	b := NewBatcher(f, 3, nil)

	vectors, failed, err := b.EmbedAll(context.Background(), []string{"good", "bad", "fine"})
	if err != nil {
		t.Fatalf("EmbedAll: %v", err)
	}
	if failed[0] || failed[2] {
		t.Error("healthy texts marked failed")
	}
	if !failed[1] {
		t.Error("bad text not marked failed")
	}
	for _, v := range vectors[1] {
		if v != 0 {
			t.Errorf("failed text vector = %v, want zeros", vectors[1])
		}
	}
	if len(vectors[1]) != 4 {
		t.Errorf("zero vector dim = %d, want 4", len(vectors[1]))
	}
}

func TestAllFailedReturnsError(t *testing.T) {
	f := &fakeEmbedder{dim: 4, batchErr: true, badTexts: map[string]bool{"x": true, "y": true}}
	b := NewBatcher(f, 2, nil)

	_, failed, err := b.EmbedAll(context.Background(), []string{"x", "y"})
	if err == nil {
		t.Fatal("want error when every text fails")
	}
	if !failed[0] || !failed[1] {
		t.Errorf("failed = %v, want all true", failed)
	}
}

func TestEmptyInput(t *testing.T) {
	b := NewBatcher(&fakeEmbedder{dim: 4}, 8, nil)
	vectors, failed, err := b.EmbedAll(context.Background(), nil)
	if err != nil || len(vectors) != 0 || len(failed) != 0 {
		t.Fatalf("empty input: vectors=%d failed=%d err=%v", len(vectors), len(failed), err)
	}
}

func TestTruncateForEmbed(t *testing.T) {
	long := strings.Repeat("word ", maxEmbedChars/4)
	got := truncateForEmbed(long)
	if len(got) > maxEmbedChars {
		t.Errorf("truncated length %d exceeds limit", len(got))
	}
	if strings.HasSuffix(got, "wor") {
		t.Error("truncation split a word")
	}
	if s := "short text"; truncateForEmbed(s) != s {
		t.Error("short text should be unchanged")
	}
}
