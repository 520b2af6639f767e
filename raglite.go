// Package raglite is a retrieval-augmented query engine for financial
// reports. Ingestion converts a PDF or spreadsheet into table-aware,
// metadata-enriched chunks indexed three ways (dense vectors, a
// relational full-text store, an in-process keyword index); retrieval
// classifies each query, fans out to the indexes in parallel, fuses the
// ranked lists, and returns cited passages.
package raglite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raglite/raglite/bm25"
	"github.com/raglite/raglite/chunker"
	"github.com/raglite/raglite/classify"
	"github.com/raglite/raglite/embed"
	"github.com/raglite/raglite/metadata"
	"github.com/raglite/raglite/parser"
	"github.com/raglite/raglite/retrieval"
	"github.com/raglite/raglite/store"
	"github.com/raglite/raglite/vectorstore"
)

// maxQueryLen bounds query size before any index work.
const maxQueryLen = 1024

// Engine is the main entry point.
type Engine interface {
	// Ingest parses, chunks, enriches, embeds, and indexes a document.
	// Re-ingesting identical content is a no-op; re-ingesting a changed
	// file at a known path atomically replaces the old chunk set.
	Ingest(ctx context.Context, path string) (*IngestResult, error)

	// Query classifies the question, searches the configured indexes,
	// and returns fused, cited passages.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// DeleteDocument removes a document from every index.
	DeleteDocument(ctx context.Context, documentID string) error

	// ListDocuments returns the registry of ingested documents.
	ListDocuments(ctx context.Context) ([]store.Document, error)

	// VerifyLinkage audits that a document has the same chunk count in
	// all three indexes.
	VerifyLinkage(ctx context.Context, documentID string) (*LinkageReport, error)

	// Ping reports index availability: nil when both primary stores
	// answer.
	Ping(ctx context.Context) error

	// Close cleanly shuts down the engine.
	Close() error
}

// IngestResult reports one completed ingestion.
type IngestResult struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	PageCount  int    `json:"page_count"`
	Skipped    bool   `json:"skipped,omitempty"` // content already ingested
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// QueryRequest is one retrieval call against the engine.
type QueryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
	// Filters narrows results by metadata; recognized keys are
	// document_id, company_name, metric_category, time_period,
	// fiscal_period, and tables_only ("true").
	Filters map[string]string `json:"filters,omitempty"`
	// ClassificationOverride skips the classifier when set to
	// VECTOR_ONLY, SQL_ONLY, or HYBRID.
	ClassificationOverride string `json:"classification_override,omitempty"`
}

// QueryResult is one cited passage.
type QueryResult struct {
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Source     string  `json:"source"` // "vector" or "sql"
	DocumentID string  `json:"document_id"`
	PageNumber int     `json:"page_number"`
	Citation   string  `json:"citation"`
	ChunkID    string  `json:"chunk_id"`
	TablePart  string  `json:"table_part,omitempty"`
}

// IndexHits counts per-index results before fusion.
type IndexHits struct {
	Vector int `json:"vector"`
	SQL    int `json:"sql"`
}

// QueryResponse is the full retrieval envelope.
type QueryResponse struct {
	Query          string          `json:"query"`
	Results        []QueryResult   `json:"results"`
	RetrievalMS    int64           `json:"retrieval_ms"`
	Classification string          `json:"classification"`
	IndexHits      IndexHits       `json:"index_hits"`
	Degraded       string          `json:"degraded_retrieval,omitempty"`
	Fallbacks      []string        `json:"fallbacks,omitempty"`
	Trace          retrieval.Trace `json:"trace"`
}

// LinkageReport is the result of the cross-index chunk count audit.
type LinkageReport struct {
	DocumentID       string `json:"document_id"`
	StructuredChunks int    `json:"structured_chunks"`
	VectorPoints     int    `json:"vector_points"`
	KeywordChunks    int    `json:"keyword_chunks"`
	Consistent       bool   `json:"consistent"`
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg        Config
	log        *slog.Logger
	parsers    *parser.Registry
	chunkr     *chunker.Chunker
	extractor  *metadata.Extractor
	batcher    *embed.Batcher
	vectors    vectorstore.VectorStore
	structured store.StructuredStore
	keyword    *bm25.Index
	retriever  *retrieval.Engine
	dataDir    string
}

// New builds a fully wired engine. External backends (Qdrant, Postgres)
// are used when configured; otherwise the embedded SQLite backends
// under DataDir serve the same interfaces.
func New(ctx context.Context, cfg Config, log *slog.Logger) (Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dataDir := cfg.resolveDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	var structured store.StructuredStore
	var err error
	if cfg.Postgres.URL != "" {
		structured, err = store.NewPostgres(ctx, cfg.Postgres.URL)
	} else {
		structured, err = store.NewSQLite(filepath.Join(dataDir, "chunks.db"))
	}
	if err != nil {
		return nil, fmt.Errorf("opening structured store: %w", err)
	}

	var vectors vectorstore.VectorStore
	if cfg.Qdrant.Host != "" {
		vectors, err = vectorstore.NewQdrantStore(ctx, vectorstore.QdrantOptions{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
			Dim:        cfg.EmbeddingDim,
		})
	} else {
		vectors, err = vectorstore.NewSQLiteStore(dataDir, cfg.EmbeddingDim)
	}
	if err != nil {
		structured.Close()
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	keyword := bm25.New()
	if err := keyword.Load(dataDir); err != nil {
		log.Warn("keyword index snapshot unreadable, rebuilding", "err", err)
	}
	if keyword.Len() == 0 {
		if err := rebuildKeywordIndex(ctx, keyword, structured); err != nil {
			log.Warn("keyword index rebuild failed", "err", err)
		}
	}

	embedder := embed.NewOpenAIEmbedder(embed.OpenAIOptions{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.EmbeddingModel,
		Dim:     cfg.EmbeddingDim,
		Timeout: time.Duration(cfg.EmbeddingTimeoutS) * time.Second,
	})
	batcher := embed.NewBatcher(embedder, cfg.EmbeddingBatch, log)

	extractor := metadata.New(metadata.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.MetadataModel,
		Concurrency: cfg.MetadataConcurrency,
		Timeout:     time.Duration(cfg.MetadataTimeoutS) * time.Second,
		Retries:     cfg.MetadataRetries,
	}, log)
	if !extractor.Enabled() {
		log.Warn("no LLM credentials configured, metadata extraction disabled")
	}

	retriever := retrieval.NewEngine(
		classify.New(cfg.ClassifierVersion),
		embedder, vectors, structured, keyword,
		retrieval.Config{
			TopK:       cfg.TopK,
			Alpha:      cfg.HybridAlpha,
			Deadline:   time.Duration(cfg.HybridDeadlineS) * time.Second,
			FusionMode: cfg.FusionMode,
			RRFK:       cfg.RRFK,
		}, log)

	return &engine{
		cfg:        cfg,
		log:        log,
		parsers:    parser.NewRegistry(),
		chunkr: chunker.New(chunker.Config{
			ChunkSize:      cfg.ChunkSize,
			Overlap:        cfg.ChunkOverlap,
			MaxTableTokens: cfg.MaxTableTokens,
		}, nil, log),
		extractor:  extractor,
		batcher:    batcher,
		vectors:    vectors,
		structured: structured,
		keyword:    keyword,
		retriever:  retriever,
		dataDir:    dataDir,
	}, nil
}

// Ingest runs the pipeline: parse, chunk, enrich + embed in parallel,
// then upsert all three indexes in parallel. The ingest commits only
// when every index accepted the document.
func (e *engine) Ingest(ctx context.Context, path string) (*IngestResult, error) {
	started := time.Now()
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	filename := filepath.Base(absPath)

	docID, err := fileHash(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	if existing, err := e.structured.GetDocument(ctx, docID); err == nil && existing != nil {
		e.log.Info("ingest: content unchanged, skipping", "file", filename, "doc_id", docID)
		return &IngestResult{
			DocumentID: docID,
			ChunkCount: existing.ChunkCount,
			PageCount:  existing.PageCount,
			Skipped:    true,
			ElapsedMS:  time.Since(started).Milliseconds(),
		}, nil
	}

	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))
	p, err := e.parsers.Get(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	e.log.Info("ingest: parsing document", "file", filename, "format", format, "doc_id", docID)
	parseStart := time.Now()
	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	e.log.Info("ingest: parsing complete",
		"file", filename, "elements", len(parsed.Elements), "pages", parsed.PageCount,
		"elapsed", time.Since(parseStart).Round(time.Millisecond))

	chunkStart := time.Now()
	chunks := e.chunkr.Chunk(docID, filename, parsed)
	e.log.Info("ingest: chunking complete",
		"file", filename, "chunks", len(chunks),
		"chunk_size", e.cfg.ChunkSize, "overlap", e.cfg.ChunkOverlap,
		"elapsed", time.Since(chunkStart).Round(time.Millisecond))

	// Metadata extraction and embedding hit different endpoints, so they
	// run concurrently.
	var (
		metas   []store.Metadata
		vecs    [][]float32
		failed  []bool
		texts   = make([]string, len(chunks))
		enrich  = time.Now()
		g, gctx = errgroup.WithContext(ctx)
	)
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	g.Go(func() error {
		metas = e.extractor.ExtractAll(gctx, docID, filename, chunks)
		return nil
	})
	g.Go(func() error {
		var eerr error
		vecs, failed, eerr = e.batcher.EmbedAll(gctx, texts)
		if eerr != nil {
			return fmt.Errorf("%w: %v", ErrEmbeddingFailed, eerr)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.log.Info("ingest: enrichment complete",
		"file", filename, "chunks", len(chunks),
		"metadata_enabled", e.extractor.Enabled(),
		"elapsed", time.Since(enrich).Round(time.Millisecond))

	doc := store.Document{
		ID:         docID,
		Path:       absPath,
		Name:       filename,
		PageCount:  parsed.PageCount,
		ChunkCount: len(chunks),
		IngestedAt: time.Now().UTC().Format(time.RFC3339),
	}
	records := make([]store.ChunkRecord, len(chunks))
	points := make([]vectorstore.Point, len(chunks))
	for i, ch := range chunks {
		records[i] = store.ChunkRecord{Chunk: ch, Metadata: metas[i]}
		points[i] = vectorstore.Point{
			ChunkID: ch.ID,
			Vector:  vecs[i],
			Payload: vectorstore.Payload{
				Text:           ch.Text,
				PageNumber:     ch.Page(),
				Pages:          ch.Pages,
				DocumentID:     ch.DocumentID,
				DocumentName:   ch.DocumentName,
				ChunkOrdinal:   ch.Ordinal,
				IsTable:        ch.IsTable,
				TablePart:      ch.TablePart,
				MetricCategory: metas[i].MetricCategory,
				TimePeriod:     metas[i].TimePeriod,
				CompanyName:    metas[i].CompanyName,
				EmbedFailed:    failed[i],
			},
		}
	}

	commitStart := time.Now()
	ug, ugctx := errgroup.WithContext(ctx)
	ug.Go(func() error {
		if err := e.vectors.DeleteByDocument(ugctx, docID); err != nil {
			return fmt.Errorf("vector delete: %w", err)
		}
		return e.vectors.Upsert(ugctx, points)
	})
	ug.Go(func() error {
		return e.structured.UpsertChunks(ugctx, doc, records)
	})
	ug.Go(func() error {
		e.keyword.IndexDocument(docID, chunks)
		return nil
	})
	if err := ug.Wait(); err != nil {
		e.discardStaged(docID)
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}

	// Same path, different content: drop the superseded document from
	// every index so re-ingest replaces rather than accumulates.
	if err := e.removeSupersededByPath(ctx, absPath, docID); err != nil {
		e.log.Warn("ingest: removing superseded document failed", "path", absPath, "err", err)
	}

	if err := e.keyword.Save(e.dataDir); err != nil {
		e.log.Warn("ingest: keyword snapshot save failed", "err", err)
	}
	e.log.Info("ingest: commit complete",
		"file", filename, "elapsed", time.Since(commitStart).Round(time.Millisecond))

	e.log.Info("ingest: document ready",
		"file", filename, "doc_id", docID,
		"chunks", len(chunks), "pages", parsed.PageCount,
		"total_elapsed", time.Since(started).Round(time.Millisecond))
	return &IngestResult{
		DocumentID: docID,
		ChunkCount: len(chunks),
		PageCount:  parsed.PageCount,
		ElapsedMS:  time.Since(started).Milliseconds(),
	}, nil
}

// Query validates the request and delegates to the retrieval
// orchestrator, mapping its errors into the package taxonomy.
func (e *engine) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrQueryEmpty
	}
	if len(query) > maxQueryLen {
		return nil, fmt.Errorf("%w: %d chars, max %d", ErrQueryTooLong, len(query), maxQueryLen)
	}

	resp, err := e.retriever.Search(ctx, retrieval.Request{
		Query:    query,
		TopK:     req.TopK,
		Filter:   filterFromMap(req.Filters),
		Override: classify.Classification(req.ClassificationOverride),
	})
	if err != nil {
		switch {
		case errors.Is(err, retrieval.ErrEmptyQuery):
			return nil, ErrQueryEmpty
		case errors.Is(err, retrieval.ErrNoIndex):
			return nil, fmt.Errorf("%w: %v", ErrNoIndexAvailable, err)
		default:
			return nil, err
		}
	}

	results := make([]QueryResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = QueryResult{
			Text:       r.Chunk.Text,
			Score:      r.Score,
			Source:     r.Source,
			DocumentID: r.Chunk.DocumentID,
			PageNumber: r.Chunk.Page(),
			Citation:   r.Citation,
			ChunkID:    r.Chunk.ID,
			TablePart:  r.Chunk.TablePart,
		}
	}
	return &QueryResponse{
		Query:          resp.Query,
		Results:        results,
		RetrievalMS:    resp.RetrievalMS,
		Classification: string(resp.Classification),
		IndexHits:      IndexHits{Vector: resp.VectorHits, SQL: resp.SQLHits},
		Degraded:       resp.Degraded,
		Fallbacks:      resp.Fallbacks,
		Trace:          resp.Trace,
	}, nil
}

func (e *engine) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := e.structured.GetDocument(ctx, documentID)
	if err != nil || doc == nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err := e.vectors.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if err := e.structured.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	e.keyword.RemoveDocument(documentID)
	if err := e.keyword.Save(e.dataDir); err != nil {
		e.log.Warn("keyword snapshot save failed", "err", err)
	}
	e.log.Info("document deleted", "doc_id", documentID, "file", doc.Name)
	return nil
}

func (e *engine) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return e.structured.ListDocuments(ctx)
}

func (e *engine) VerifyLinkage(ctx context.Context, documentID string) (*LinkageReport, error) {
	doc, err := e.structured.GetDocument(ctx, documentID)
	if err != nil || doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	structuredCount, err := e.structured.CountByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	vectorCount, err := e.vectors.CountByDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	report := &LinkageReport{
		DocumentID:       documentID,
		StructuredChunks: structuredCount,
		VectorPoints:     vectorCount,
		KeywordChunks:    e.keyword.CountByDocument(documentID),
	}
	report.Consistent = structuredCount == vectorCount && structuredCount == report.KeywordChunks
	if !report.Consistent {
		e.log.Warn("linkage audit found divergent chunk counts",
			"doc_id", documentID,
			"structured", structuredCount,
			"vector", vectorCount,
			"keyword", report.KeywordChunks)
	}
	return report, nil
}

func (e *engine) Ping(ctx context.Context) error {
	if err := e.structured.Ping(ctx); err != nil {
		return fmt.Errorf("structured store: %w", err)
	}
	if err := e.vectors.Ping(ctx); err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	return nil
}

func (e *engine) Close() error {
	if err := e.keyword.Save(e.dataDir); err != nil {
		e.log.Warn("keyword snapshot save failed on close", "err", err)
	}
	verr := e.vectors.Close()
	serr := e.structured.Close()
	if verr != nil {
		return verr
	}
	return serr
}

// discardStaged removes a half-committed document from every index
// after a failed ingest, so the sides that did accept it never serve
// its chunks. Runs on a fresh context: the failure that got us here may
// have been a cancellation.
func (e *engine) discardStaged(docID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.vectors.DeleteByDocument(ctx, docID); err != nil {
		e.log.Warn("ingest: discarding staged vectors failed", "doc_id", docID, "err", err)
	}
	if err := e.structured.DeleteByDocument(ctx, docID); err != nil {
		e.log.Warn("ingest: discarding staged chunks failed", "doc_id", docID, "err", err)
	}
	e.keyword.RemoveDocument(docID)
}

// removeSupersededByPath deletes any document registered at the same
// path with a different content hash.
func (e *engine) removeSupersededByPath(ctx context.Context, path, keepID string) error {
	docs, err := e.structured.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if d.Path != path || d.ID == keepID {
			continue
		}
		e.log.Info("ingest: replacing superseded document",
			"path", path, "old_doc_id", d.ID, "new_doc_id", keepID)
		if err := e.vectors.DeleteByDocument(ctx, d.ID); err != nil {
			return err
		}
		if err := e.structured.DeleteByDocument(ctx, d.ID); err != nil {
			return err
		}
		e.keyword.RemoveDocument(d.ID)
	}
	return nil
}

// rebuildKeywordIndex repopulates the BM25 index from the structured
// store, used when the snapshot is missing or unreadable.
func rebuildKeywordIndex(ctx context.Context, keyword *bm25.Index, structured store.StructuredStore) error {
	chunks, err := structured.AllChunks(ctx)
	if err != nil {
		return err
	}
	byDoc := make(map[string][]store.Chunk)
	for _, c := range chunks {
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
	}
	for docID, docChunks := range byDoc {
		keyword.IndexDocument(docID, docChunks)
	}
	return nil
}

func filterFromMap(m map[string]string) *store.Filter {
	if len(m) == 0 {
		return nil
	}
	return &store.Filter{
		DocumentID:     m["document_id"],
		CompanyName:    m["company_name"],
		MetricCategory: m["metric_category"],
		TimePeriod:     m["time_period"],
		FiscalPeriod:   m["fiscal_period"],
		TablesOnly:     m["tables_only"] == "true",
	}
}

// fileHash returns the SHA-256 hex digest of a file's contents.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
