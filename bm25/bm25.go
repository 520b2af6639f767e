// Package bm25 maintains an in-process keyword index over chunks using
// BM25 scoring (k1=1.6, b=0.75). It complements dense retrieval for
// exact-term queries such as metric names and technical identifiers,
// and persists across restarts via a gob snapshot.
package bm25

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/raglite/raglite/store"
)

var tokenRegex = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

// Hit is one keyword match.
type Hit struct {
	ChunkID string
	Score   float64
}

// Index is a thread-safe BM25 index keyed by chunk id. Chunks are
// grouped by document so a re-ingest replaces the document's postings
// atomically under the index lock.
type Index struct {
	mu          sync.RWMutex
	k1          float64
	b           float64
	docFreq     map[string]int
	postings    map[string]map[string]int
	chunkLength map[string]int
	chunkTerms  map[string][]string
	docChunks   map[string][]string
	totalLength int
}

// New returns an empty index.
func New() *Index {
	return &Index{
		k1:          1.6,
		b:           0.75,
		docFreq:     make(map[string]int),
		postings:    make(map[string]map[string]int),
		chunkLength: make(map[string]int),
		chunkTerms:  make(map[string][]string),
		docChunks:   make(map[string][]string),
	}
}

// IndexDocument replaces all postings for a document with the given
// chunks. The swap happens under one lock, so concurrent searches see
// either the old or the new state, never a mix.
func (x *Index) IndexDocument(documentID string, chunks []store.Chunk) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(documentID)
	for _, ch := range chunks {
		x.addLocked(documentID, ch.ID, ch.Text)
	}
}

// RemoveDocument drops every chunk of a document from the index.
func (x *Index) RemoveDocument(documentID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(documentID)
}

// Len returns the number of indexed chunks.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunkLength)
}

// CountByDocument returns the number of indexed chunks for a document.
func (x *Index) CountByDocument(documentID string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docChunks[documentID])
}

func (x *Index) addLocked(documentID, chunkID, text string) {
	terms := tokenize(text)
	if len(terms) == 0 {
		return
	}
	x.chunkLength[chunkID] = len(terms)
	x.totalLength += len(terms)
	x.docChunks[documentID] = append(x.docChunks[documentID], chunkID)

	seen := make(map[string]struct{})
	var uniq []string
	for _, term := range terms {
		if _, ok := x.postings[term]; !ok {
			x.postings[term] = make(map[string]int)
		}
		x.postings[term][chunkID]++
		if _, ok := seen[term]; !ok {
			seen[term] = struct{}{}
			uniq = append(uniq, term)
			x.docFreq[term]++
		}
	}
	x.chunkTerms[chunkID] = uniq
}

func (x *Index) removeLocked(documentID string) {
	for _, chunkID := range x.docChunks[documentID] {
		for _, term := range x.chunkTerms[chunkID] {
			delete(x.postings[term], chunkID)
			if len(x.postings[term]) == 0 {
				delete(x.postings, term)
			}
			if x.docFreq[term]--; x.docFreq[term] <= 0 {
				delete(x.docFreq, term)
			}
		}
		x.totalLength -= x.chunkLength[chunkID]
		delete(x.chunkLength, chunkID)
		delete(x.chunkTerms, chunkID)
	}
	delete(x.docChunks, documentID)
}

// Search scores chunks against the query terms and returns up to limit
// hits ordered by score descending, chunk id ascending on ties.
func (x *Index) Search(query string, limit int) []Hit {
	terms := unique(tokenize(query))
	if len(terms) == 0 {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	docCount := len(x.chunkLength)
	if docCount == 0 {
		return nil
	}
	avgLen := float64(x.totalLength) / float64(docCount)

	scores := make(map[string]float64)
	for _, term := range terms {
		postings := x.postings[term]
		if len(postings) == 0 {
			continue
		}
		df := x.docFreq[term]
		idf := math.Log((float64(docCount)-float64(df)+0.5)/(float64(df)+0.5) + 1)
		for chunkID, tf := range postings {
			docLen := float64(x.chunkLength[chunkID])
			numerator := float64(tf) * (x.k1 + 1)
			denominator := float64(tf) + x.k1*(1-x.b+x.b*(docLen/avgLen))
			scores[chunkID] += idf * (numerator / denominator)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// ---------------------------------------------------------------------------
// persistence
// ---------------------------------------------------------------------------

// snapshot is the gob wire form of the index.
type snapshot struct {
	DocFreq     map[string]int
	Postings    map[string]map[string]int
	ChunkLength map[string]int
	ChunkTerms  map[string][]string
	DocChunks   map[string][]string
	TotalLength int
}

// SnapshotFile is the index file name under the data directory.
const SnapshotFile = "bm25.gob"

// Save writes the index to dir atomically (write temp file, rename).
func (x *Index) Save(dir string) error {
	x.mu.RLock()
	snap := snapshot{
		DocFreq:     x.docFreq,
		Postings:    x.postings,
		ChunkLength: x.chunkLength,
		ChunkTerms:  x.chunkTerms,
		DocChunks:   x.docChunks,
		TotalLength: x.totalLength,
	}
	path := filepath.Join(dir, SnapshotFile)
	tmp, err := os.CreateTemp(dir, SnapshotFile+".tmp*")
	if err != nil {
		x.mu.RUnlock()
		return fmt.Errorf("bm25: create snapshot: %w", err)
	}
	err = gob.NewEncoder(tmp).Encode(snap)
	x.mu.RUnlock()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("bm25: encode snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("bm25: replace snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot from dir. A missing snapshot leaves the index
// empty and returns nil.
func (x *Index) Load(dir string) error {
	f, err := os.Open(filepath.Join(dir, SnapshotFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bm25: open snapshot: %w", err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("bm25: decode snapshot: %w", err)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docFreq = orEmpty(snap.DocFreq)
	x.postings = snap.Postings
	if x.postings == nil {
		x.postings = make(map[string]map[string]int)
	}
	x.chunkLength = orEmpty(snap.ChunkLength)
	x.chunkTerms = snap.ChunkTerms
	if x.chunkTerms == nil {
		x.chunkTerms = make(map[string][]string)
	}
	x.docChunks = snap.DocChunks
	if x.docChunks == nil {
		x.docChunks = make(map[string][]string)
	}
	x.totalLength = snap.TotalLength
	return nil
}

func orEmpty(m map[string]int) map[string]int {
	if m == nil {
		return make(map[string]int)
	}
	return m
}

func tokenize(content string) []string {
	return tokenRegex.FindAllString(strings.ToLower(content), -1)
}

func unique(tokens []string) []string {
	if len(tokens) == 0 {
		return tokens
	}
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
