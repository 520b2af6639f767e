// Package retrieval classifies a query, fans out to the dense and
// structured indexes, fuses the ranked lists, and returns attributed
// passages. Sub-searches run under a shared deadline; a failed index
// degrades the query instead of failing it, and only the loss of every
// index surfaces as an error.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raglite/raglite/bm25"
	"github.com/raglite/raglite/classify"
	"github.com/raglite/raglite/embed"
	"github.com/raglite/raglite/store"
	"github.com/raglite/raglite/vectorstore"
)

var (
	// ErrEmptyQuery rejects blank queries before any index work.
	ErrEmptyQuery = errors.New("retrieval: empty query")
	// ErrNoIndex is returned when every index a query needed was
	// unavailable.
	ErrNoIndex = errors.New("retrieval: no index available")
)

// Config tunes the orchestrator.
type Config struct {
	TopK  int     // Default result count.
	Alpha float64 // Vector weight in weighted-sum fusion.
	// Deadline is the shared budget for the fan-out. Zero means the
	// 5 s default; a negative value expires immediately, canceling
	// both sub-searches.
	Deadline   time.Duration
	FusionMode string // FusionWeightedSum or FusionRRF.
	RRFK       int    // Rank constant for RRF.
}

// Engine is the retrieval orchestrator.
type Engine struct {
	classifier *classify.Classifier
	embedder   embed.Embedder
	vectors    vectorstore.VectorStore
	structured store.StructuredStore
	keyword    *bm25.Index
	cfg        Config
	log        *slog.Logger
}

// NewEngine wires the orchestrator. keyword may be nil to disable the
// BM25 merge.
func NewEngine(classifier *classify.Classifier, embedder embed.Embedder,
	vectors vectorstore.VectorStore, structured store.StructuredStore,
	keyword *bm25.Index, cfg Config, log *slog.Logger) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.6
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 5 * time.Second
	}
	if cfg.FusionMode == "" {
		cfg.FusionMode = FusionWeightedSum
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		classifier: classifier,
		embedder:   embedder,
		vectors:    vectors,
		structured: structured,
		keyword:    keyword,
		cfg:        cfg,
		log:        log,
	}
}

// Request is one retrieval call.
type Request struct {
	Query    string
	TopK     int
	Filter   *store.Filter
	Override classify.Classification // Skips classification when set.
}

// Trace records per-stage latencies for one query.
type Trace struct {
	ClassifyMS int64 `json:"classify_ms"`
	EmbedMS    int64 `json:"embed_ms"`
	VectorMS   int64 `json:"vector_ms"`
	SQLMS      int64 `json:"sql_ms"`
	FusionMS   int64 `json:"fusion_ms"`
}

// Response carries fused results plus the observability record.
type Response struct {
	Query          string
	Results        []Result
	Classification classify.Classification
	RetrievalMS    int64
	VectorHits     int
	SQLHits        int
	// Degraded names an index that was unavailable for this query
	// ("vector" or "sql"), empty when both answered.
	Degraded string
	// Fallbacks lists recovery events, e.g. "sql_empty_fallback".
	Fallbacks []string
	Trace     Trace
}

type subResult struct {
	cands   []Candidate
	err     error
	elapsed time.Duration
	embedMS int64
}

// Search runs the full classify, fan-out, fuse pipeline.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	started := time.Now()

	resp := &Response{Query: query}

	classifyStart := time.Now()
	if req.Override != "" {
		resp.Classification = req.Override
	} else {
		resp.Classification = e.classifier.Classify(query)
	}
	resp.Trace.ClassifyMS = time.Since(classifyStart).Milliseconds()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	var vector, sql []Candidate
	var vectorErr, sqlErr error

	switch resp.Classification {
	case classify.VectorOnly:
		vector, vectorErr = e.runVector(ctx, query, topK, req.Filter, resp)
		if vectorErr != nil {
			resp.Degraded = "vector"
			e.log.Warn("vector search unavailable, degrading to sql",
				"query", query, "err", vectorErr)
			sql, sqlErr = e.runSQL(ctx, query, topK, req.Filter, resp)
		}

	case classify.SQLOnly:
		sql, sqlErr = e.runSQL(ctx, query, topK, req.Filter, resp)
		switch {
		case sqlErr != nil:
			resp.Degraded = "sql"
			e.log.Warn("sql search unavailable, degrading to vector",
				"query", query, "err", sqlErr)
			vector, vectorErr = e.runVector(ctx, query, topK, req.Filter, resp)
		case len(sql) == 0:
			resp.Fallbacks = append(resp.Fallbacks, "sql_empty_fallback")
			e.log.Info("sql returned no rows, falling back to vector",
				"query", query, "reason", "empty_sql_results")
			vector, vectorErr = e.runVector(ctx, query, topK, req.Filter, resp)
		}

	default: // HYBRID and anything unknown
		vector, sql, vectorErr, sqlErr = e.runParallel(ctx, query, topK, req.Filter, resp)
		if vectorErr != nil {
			resp.Degraded = "vector"
			e.log.Warn("vector search failed in hybrid fan-out", "query", query, "err", vectorErr)
		}
		if sqlErr != nil {
			resp.Degraded = "sql"
			e.log.Warn("sql search failed in hybrid fan-out", "query", query, "err", sqlErr)
		}
	}

	if vectorErr != nil && sqlErr != nil {
		// The deadline expiring before either sub-search finished is an
		// empty result, not an index outage.
		if errors.Is(vectorErr, context.DeadlineExceeded) && errors.Is(sqlErr, context.DeadlineExceeded) {
			resp.Degraded = ""
			resp.Fallbacks = append(resp.Fallbacks, "deadline_expired")
			resp.Results = []Result{}
			resp.RetrievalMS = time.Since(started).Milliseconds()
			e.log.Warn("retrieval deadline expired before any index answered",
				"query", query, "deadline", e.cfg.Deadline)
			return resp, nil
		}
		return nil, fmt.Errorf("%w: vector: %v; sql: %v", ErrNoIndex, vectorErr, sqlErr)
	}

	resp.VectorHits = len(vector)
	resp.SQLHits = len(sql)

	fusionStart := time.Now()
	normalizeScores(sql)
	var fused []Result
	if e.cfg.FusionMode == FusionRRF {
		fused = fuseRRF(vector, sql, e.cfg.RRFK)
	} else {
		fused = fuseWeighted(vector, sql, e.cfg.Alpha)
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}
	resp.Results = fused
	resp.Trace.FusionMS = time.Since(fusionStart).Milliseconds()
	resp.RetrievalMS = time.Since(started).Milliseconds()

	e.log.Info("query served",
		"classification", resp.Classification,
		"vector_hits", resp.VectorHits,
		"sql_hits", resp.SQLHits,
		"results", len(resp.Results),
		"top_score", topScore(fused),
		"degraded", resp.Degraded,
		"elapsed_ms", resp.RetrievalMS)
	return resp, nil
}

// runParallel issues both sub-searches concurrently and joins them
// under the request deadline. Whatever completed is returned.
func (e *Engine) runParallel(ctx context.Context, query string, topK int, filter *store.Filter, resp *Response) (vector, sql []Candidate, vectorErr, sqlErr error) {
	vecCh := make(chan subResult, 1)
	sqlCh := make(chan subResult, 1)

	go func() {
		start := time.Now()
		cands, embedMS, err := e.vectorCandidates(ctx, query, topK, filter)
		vecCh <- subResult{cands: cands, err: err, elapsed: time.Since(start), embedMS: embedMS}
	}()
	go func() {
		start := time.Now()
		cands, err := e.sqlCandidates(ctx, query, topK, filter)
		sqlCh <- subResult{cands: cands, err: err, elapsed: time.Since(start)}
	}()

	return collectFanout(ctx, vecCh, sqlCh, resp)
}

// collectFanout joins the two sub-searches. When the deadline fires it
// drains each channel non-blocking first: a result that finished in the
// same instant is still a completed result, not a degraded side.
func collectFanout(ctx context.Context, vecCh, sqlCh chan subResult, resp *Response) (vector, sql []Candidate, vectorErr, sqlErr error) {
	takeVec := func(r subResult) {
		vector, vectorErr = r.cands, r.err
		resp.Trace.VectorMS = r.elapsed.Milliseconds()
		resp.Trace.EmbedMS = r.embedMS
	}
	takeSQL := func(r subResult) {
		sql, sqlErr = r.cands, r.err
		resp.Trace.SQLMS = r.elapsed.Milliseconds()
	}

	for i := 0; i < 2; i++ {
		select {
		case r := <-vecCh:
			takeVec(r)
		case r := <-sqlCh:
			takeSQL(r)
		case <-ctx.Done():
			if vector == nil && vectorErr == nil {
				select {
				case r := <-vecCh:
					takeVec(r)
				default:
					vectorErr = ctx.Err()
				}
			}
			if sql == nil && sqlErr == nil {
				select {
				case r := <-sqlCh:
					takeSQL(r)
				default:
					sqlErr = ctx.Err()
				}
			}
			return vector, sql, vectorErr, sqlErr
		}
	}
	return vector, sql, vectorErr, sqlErr
}

func (e *Engine) runVector(ctx context.Context, query string, topK int, filter *store.Filter, resp *Response) ([]Candidate, error) {
	start := time.Now()
	cands, embedMS, err := e.vectorCandidates(ctx, query, topK, filter)
	resp.Trace.VectorMS = time.Since(start).Milliseconds()
	resp.Trace.EmbedMS = embedMS
	return cands, err
}

func (e *Engine) runSQL(ctx context.Context, query string, topK int, filter *store.Filter, resp *Response) ([]Candidate, error) {
	start := time.Now()
	cands, err := e.sqlCandidates(ctx, query, topK, filter)
	resp.Trace.SQLMS = time.Since(start).Milliseconds()
	return cands, err
}

// vectorCandidates embeds the query, searches the dense index, and
// merges BM25 keyword hits into the same candidate list. Keyword scores
// are min-max normalized so they share the [0,1] scale with cosine
// similarity; a chunk found by both keeps the higher score.
func (e *Engine) vectorCandidates(ctx context.Context, query string, topK int, filter *store.Filter) ([]Candidate, int64, error) {
	embedStart := time.Now()
	vecs, err := e.embedder.Embed(ctx, []string{query})
	embedMS := time.Since(embedStart).Milliseconds()
	if err != nil {
		return nil, embedMS, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, embedMS, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}

	hits, err := e.vectors.Search(ctx, vecs[0], topK, toVectorFilter(filter))
	if err != nil {
		return nil, embedMS, err
	}

	cands := make([]Candidate, 0, len(hits))
	index := make(map[string]int, len(hits))
	for _, h := range hits {
		index[h.ChunkID] = len(cands)
		cands = append(cands, Candidate{
			Chunk:  chunkFromPayload(h.ChunkID, h.Payload),
			Score:  h.Score,
			Source: "vector",
		})
	}

	cands = e.dropOrphans(ctx, cands, index)
	cands = e.mergeKeywordHits(ctx, query, topK, filter, cands, index)
	return cands, embedMS, nil
}

// dropOrphans excludes vector hits whose chunk no longer exists in the
// structured store, so index drift never surfaces to callers. When the
// structured store cannot answer, the dense results stand unverified
// rather than degrade the query.
func (e *Engine) dropOrphans(ctx context.Context, cands []Candidate, index map[string]int) []Candidate {
	if len(cands) == 0 || e.structured == nil {
		return cands
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.Chunk.ID
	}
	known, err := e.structured.GetChunks(ctx, ids)
	if err != nil {
		e.log.Warn("orphan check unavailable, returning unverified vector hits", "err", err)
		return cands
	}
	exists := make(map[string]struct{}, len(known))
	for _, c := range known {
		exists[c.ID] = struct{}{}
	}
	if len(exists) == len(cands) {
		return cands
	}

	kept := make([]Candidate, 0, len(exists))
	clear(index)
	for _, c := range cands {
		if _, ok := exists[c.Chunk.ID]; !ok {
			e.log.Warn("orphaned_chunk",
				"chunk_id", c.Chunk.ID,
				"document_id", c.Chunk.DocumentID)
			continue
		}
		index[c.Chunk.ID] = len(kept)
		kept = append(kept, c)
	}
	return kept
}

// mergeKeywordHits folds BM25 results into the vector candidate list.
// Failures here never fail the query; the dense results stand alone.
func (e *Engine) mergeKeywordHits(ctx context.Context, query string, topK int, filter *store.Filter, cands []Candidate, index map[string]int) []Candidate {
	if e.keyword == nil {
		return cands
	}
	kwHits := e.keyword.Search(query, topK)
	if len(kwHits) == 0 {
		return cands
	}

	kw := make([]Candidate, 0, len(kwHits))
	var missing []string
	for _, h := range kwHits {
		kw = append(kw, Candidate{Chunk: store.Chunk{ID: h.ChunkID}, Score: h.Score, Source: "vector"})
		if _, ok := index[h.ChunkID]; !ok {
			missing = append(missing, h.ChunkID)
		}
	}
	normalizeScores(kw)

	resolved := map[string]store.Chunk{}
	if len(missing) > 0 && e.structured != nil {
		chunks, err := e.structured.GetChunks(ctx, missing)
		if err != nil {
			e.log.Warn("keyword hit resolution failed", "err", err)
		}
		for _, c := range chunks {
			resolved[c.ID] = c
		}
	}

	for _, c := range kw {
		if i, ok := index[c.Chunk.ID]; ok {
			if c.Score > cands[i].Score {
				cands[i].Score = c.Score
			}
			continue
		}
		full, ok := resolved[c.Chunk.ID]
		if !ok {
			continue
		}
		if filter != nil && filter.TablesOnly && !full.IsTable {
			continue
		}
		c.Chunk = full
		index[c.Chunk.ID] = len(cands)
		cands = append(cands, c)
	}
	return cands
}

func (e *Engine) sqlCandidates(ctx context.Context, query string, topK int, filter *store.Filter) ([]Candidate, error) {
	hits, err := e.structured.SearchTables(ctx, query, topK, filter)
	if err != nil {
		return nil, err
	}
	cands := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		cands = append(cands, Candidate{Chunk: h.Chunk, Score: h.Score, Source: "sql"})
	}
	return cands, nil
}

func toVectorFilter(f *store.Filter) *vectorstore.Filter {
	if f == nil {
		return nil
	}
	return &vectorstore.Filter{
		DocumentID:     f.DocumentID,
		CompanyName:    f.CompanyName,
		MetricCategory: f.MetricCategory,
		TimePeriod:     f.TimePeriod,
		TablesOnly:     f.TablesOnly,
	}
}

func chunkFromPayload(id string, p vectorstore.Payload) store.Chunk {
	pages := p.Pages
	if len(pages) == 0 && p.PageNumber > 0 {
		pages = []int{p.PageNumber}
	}
	return store.Chunk{
		ID:           id,
		DocumentID:   p.DocumentID,
		DocumentName: p.DocumentName,
		Ordinal:      p.ChunkOrdinal,
		Text:         p.Text,
		Pages:        pages,
		IsTable:      p.IsTable,
		TablePart:    p.TablePart,
	}
}

func topScore(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	return results[0].Score
}
