// Package vectorstore provides the dense-vector index over chunks:
// cosine top-k search with payload filters, idempotent upserts keyed by
// chunk id, and per-document deletion for atomic re-ingest.
package vectorstore

import "context"

// Payload is the denormalized chunk data stored next to each vector so
// filtered retrieval needs no second round-trip.
type Payload struct {
	Text           string `json:"text"`
	PageNumber     int    `json:"page_number"`
	Pages          []int  `json:"pages,omitempty"`
	DocumentID     string `json:"document_id"`
	DocumentName   string `json:"document_name"`
	ChunkOrdinal   int    `json:"chunk_ordinal"`
	IsTable        bool   `json:"is_table"`
	TablePart      string `json:"table_part,omitempty"`
	MetricCategory string `json:"metric_category,omitempty"`
	TimePeriod     string `json:"time_period,omitempty"`
	CompanyName    string `json:"company_name,omitempty"`
	// EmbedFailed marks chunks whose embedding call failed; they carry a
	// zero vector and are excluded from search results.
	EmbedFailed bool `json:"embed_failed,omitempty"`
}

// Point is one vector with its chunk identity and payload.
type Point struct {
	ChunkID string
	Vector  []float32
	Payload Payload
}

// Filter narrows a search by payload fields. Zero values are ignored.
type Filter struct {
	DocumentID     string
	CompanyName    string
	MetricCategory string
	TimePeriod     string
	TablesOnly     bool
}

// Hit is one search result with cosine similarity in [0, 1].
type Hit struct {
	ChunkID string
	Score   float64
	Payload Payload
}

// VectorStore is the dense index over chunk embeddings.
type VectorStore interface {
	// Upsert writes points idempotently by chunk id.
	Upsert(ctx context.Context, points []Point) error

	// Search returns the top-k nearest chunks by cosine similarity,
	// optionally restricted by a payload filter. Chunks marked
	// EmbedFailed never appear in results.
	Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error)

	// DeleteByDocument removes every point belonging to a document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// CountByDocument returns the number of stored points for a document.
	CountByDocument(ctx context.Context, documentID string) (int, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// matches reports whether a payload passes the filter.
func (f *Filter) matches(p Payload) bool {
	if f == nil {
		return true
	}
	if f.DocumentID != "" && p.DocumentID != f.DocumentID {
		return false
	}
	if f.CompanyName != "" && p.CompanyName != f.CompanyName {
		return false
	}
	if f.MetricCategory != "" && p.MetricCategory != f.MetricCategory {
		return false
	}
	if f.TimePeriod != "" && p.TimePeriod != f.TimePeriod {
		return false
	}
	if f.TablesOnly && !p.IsTable {
		return false
	}
	return true
}
