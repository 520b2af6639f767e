// Package store defines the chunk data model shared by every index and
// the structured (relational) store used for metadata-filtered
// full-text retrieval over table chunks.
package store

import (
	"context"

	"github.com/google/uuid"
)

// chunkNamespace seeds deterministic chunk UUIDs. Fixed so re-ingesting
// identical content always produces identical ids.
var chunkNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ChunkID derives the stable chunk identifier from the owning document's
// content hash and the chunk's position in the document.
func ChunkID(documentID string, ordinal int) string {
	name := make([]byte, 0, len(documentID)+4)
	name = append(name, documentID...)
	name = append(name, byte(ordinal>>24), byte(ordinal>>16), byte(ordinal>>8), byte(ordinal))
	return uuid.NewSHA1(chunkNamespace, name).String()
}

// Document is a registry row for an ingested file.
type Document struct {
	ID         string `json:"id"` // content hash of the source file
	Path       string `json:"path"`
	Name       string `json:"name"`
	PageCount  int    `json:"page_count"`
	ChunkCount int    `json:"chunk_count"`
	IngestedAt string `json:"ingested_at"`
}

// Chunk is the unit of retrieval: a bounded text span or table part.
type Chunk struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	Ordinal      int    `json:"ordinal"`
	Text         string `json:"text"`
	TokenCount   int    `json:"token_count"`
	Pages        []int  `json:"pages"` // primary page first
	IsTable      bool   `json:"is_table"`
	TablePart    string `json:"table_part,omitempty"` // "2 of 5" for split tables
	TableCaption string `json:"table_caption,omitempty"`
}

// Page returns the chunk's primary source page.
func (c *Chunk) Page() int {
	if len(c.Pages) == 0 {
		return 0
	}
	return c.Pages[0]
}

// Range is a numeric span observed for a metric inside a chunk.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Metadata holds the per-chunk fields extracted by the LLM. Every field
// is optional; a failed extraction leaves all of them empty.
type Metadata struct {
	CompanyName      string           `json:"company_name,omitempty"`
	BusinessUnit     string           `json:"business_unit,omitempty"`
	MetricCategory   string           `json:"metric_category,omitempty"`
	MetricType       string           `json:"metric_type,omitempty"`
	TimePeriod       string           `json:"time_period,omitempty"`
	GeographicRegion string           `json:"geographic_region,omitempty"`
	Currency         string           `json:"currency,omitempty"`
	ReportType       string           `json:"report_type,omitempty"`
	DataFormat       string           `json:"data_format,omitempty"` // table, narrative, chart
	SemanticSummary  string           `json:"semantic_summary,omitempty"`
	KeyEntities      []string         `json:"key_entities,omitempty"`
	NumericRanges    map[string]Range `json:"numeric_ranges,omitempty"`
	FiscalPeriod     string           `json:"fiscal_period,omitempty"`
	DepartmentName   string           `json:"department_name,omitempty"`
}

// ChunkRecord pairs a chunk with its extracted metadata for storage.
type ChunkRecord struct {
	Chunk    Chunk
	Metadata Metadata
}

// Filter narrows a structured search to chunks matching metadata fields.
// Zero-valued fields are ignored.
type Filter struct {
	DocumentID     string
	CompanyName    string
	MetricCategory string
	TimePeriod     string
	FiscalPeriod   string
	TablesOnly     bool
}

// Hit is one structured-search result.
type Hit struct {
	Chunk Chunk
	Score float64 // raw lexical relevance, normalized later by fusion
}

// StructuredStore is the relational index over chunks and metadata.
type StructuredStore interface {
	// UpsertChunks atomically replaces a document's chunk set: within one
	// transaction, previous chunks for the document are deleted and the
	// new records inserted.
	UpsertChunks(ctx context.Context, doc Document, records []ChunkRecord) error

	// SearchTables runs a parameterized full-text search ranked by
	// lexical relevance, preferring table chunks.
	SearchTables(ctx context.Context, query string, topK int, filter *Filter) ([]Hit, error)

	// DeleteByDocument removes a document and all of its chunks.
	DeleteByDocument(ctx context.Context, documentID string) error

	// CountByDocument returns the number of stored chunks for a document.
	CountByDocument(ctx context.Context, documentID string) (int, error)

	// GetDocument returns the registry row for a document id.
	GetDocument(ctx context.Context, documentID string) (*Document, error)

	// ListDocuments returns all ingested documents, newest first.
	ListDocuments(ctx context.Context) ([]Document, error)

	// GetChunks returns the chunks for the given ids, in the order the
	// ids are given. Unknown ids are skipped.
	GetChunks(ctx context.Context, ids []string) ([]Chunk, error)

	// AllChunks streams every stored chunk, used to rebuild the keyword
	// index on startup.
	AllChunks(ctx context.Context) ([]Chunk, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
