package retrieval

import (
	"fmt"
	"sort"

	"github.com/raglite/raglite/store"
)

// Fusion mode names accepted in configuration.
const (
	FusionWeightedSum = "weighted_sum"
	FusionRRF         = "rrf"
)

// Candidate is one pre-fusion hit from a single index. Scores must be
// in [0, 1]: cosine similarities arrive that way, lexical scores are
// min-max normalized against their batch first.
type Candidate struct {
	Chunk  store.Chunk
	Score  float64
	Source string // "vector" or "sql"
}

// Result is one fused, attributed result.
type Result struct {
	Chunk       store.Chunk
	Score       float64
	VectorScore float64
	SQLScore    float64
	Source      string // index whose payload won the dedupe
	Citation    string
}

// normalizeScores min-max normalizes a batch in place. An empty batch
// is left alone; a batch where every score is equal collapses to zeros
// so degenerate distributions cannot dominate fusion.
func normalizeScores(batch []Candidate) {
	if len(batch) == 0 {
		return
	}
	lo, hi := batch[0].Score, batch[0].Score
	for _, c := range batch[1:] {
		if c.Score < lo {
			lo = c.Score
		}
		if c.Score > hi {
			hi = c.Score
		}
	}
	if hi == lo {
		for i := range batch {
			batch[i].Score = 0
		}
		return
	}
	for i := range batch {
		batch[i].Score = (batch[i].Score - lo) / (hi - lo)
	}
}

// fuseWeighted merges the two candidate lists with
// fused = alpha*vector + (1-alpha)*sql. A chunk present in only one
// list contributes zero for the missing term. Duplicates collapse by
// chunk id with the vector-side payload taking precedence.
func fuseWeighted(vector, sql []Candidate, alpha float64) []Result {
	merged := make(map[string]*Result)
	order := make([]string, 0, len(vector)+len(sql))

	for _, c := range vector {
		id := c.Chunk.ID
		r, ok := merged[id]
		if !ok {
			r = &Result{Chunk: c.Chunk, Source: "vector"}
			merged[id] = r
			order = append(order, id)
		}
		if c.Score > r.VectorScore {
			r.VectorScore = c.Score
		}
	}
	for _, c := range sql {
		id := c.Chunk.ID
		r, ok := merged[id]
		if !ok {
			r = &Result{Chunk: c.Chunk, Source: "sql"}
			merged[id] = r
			order = append(order, id)
		}
		if c.Score > r.SQLScore {
			r.SQLScore = c.Score
		}
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		r := merged[id]
		r.Score = alpha*r.VectorScore + (1-alpha)*r.SQLScore
		r.Citation = citation(r.Chunk)
		out = append(out, *r)
	}
	sortResults(out)
	return out
}

// fuseRRF merges by reciprocal rank: score = sum of 1/(k + rank) over
// the lists a chunk appears in, rank counted from 1 in each list's
// score order. Used when score distributions are degenerate.
func fuseRRF(vector, sql []Candidate, k int) []Result {
	if k <= 0 {
		k = 60
	}
	merged := make(map[string]*Result)
	order := make([]string, 0, len(vector)+len(sql))

	rank := func(batch []Candidate, isVector bool) {
		sorted := make([]Candidate, len(batch))
		copy(sorted, batch)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Score != sorted[j].Score {
				return sorted[i].Score > sorted[j].Score
			}
			return sorted[i].Chunk.ID < sorted[j].Chunk.ID
		})
		for i, c := range sorted {
			id := c.Chunk.ID
			r, ok := merged[id]
			if !ok {
				src := "sql"
				if isVector {
					src = "vector"
				}
				r = &Result{Chunk: c.Chunk, Source: src}
				merged[id] = r
				order = append(order, id)
			}
			contribution := 1 / float64(k+i+1)
			r.Score += contribution
			if isVector {
				if c.Score > r.VectorScore {
					r.VectorScore = c.Score
				}
			} else if c.Score > r.SQLScore {
				r.SQLScore = c.Score
			}
		}
	}
	rank(vector, true)
	rank(sql, false)

	out := make([]Result, 0, len(order))
	for _, id := range order {
		r := merged[id]
		r.Citation = citation(r.Chunk)
		out = append(out, *r)
	}
	sortResults(out)
	return out
}

// sortResults orders by fused score descending, then vector score
// descending, then chunk ordinal ascending, then chunk id for a total
// order.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].VectorScore != results[j].VectorScore {
			return results[i].VectorScore > results[j].VectorScore
		}
		if results[i].Chunk.Ordinal != results[j].Chunk.Ordinal {
			return results[i].Chunk.Ordinal < results[j].Chunk.Ordinal
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
}

// citation renders the provenance string attached to every result.
func citation(c store.Chunk) string {
	s := fmt.Sprintf("%s, p. %d", c.DocumentName, c.Page())
	if c.TablePart != "" {
		s += fmt.Sprintf(" (part %s)", c.TablePart)
	}
	return s
}
