package raglite

import "errors"

var (
	// ErrParseFailed is returned when the document parser cannot read a file.
	ErrParseFailed = errors.New("raglite: parsing failed")

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("raglite: unsupported document format")

	// ErrChunkingFailed is returned on internal chunker inconsistency
	// (missing page numbers, malformed tables).
	ErrChunkingFailed = errors.New("raglite: chunking failed")

	// ErrEmbeddingFailed is returned when every chunk in a document fails
	// embedding generation.
	ErrEmbeddingFailed = errors.New("raglite: embedding generation failed")

	// ErrStorageFailed is returned when an index upsert fails during ingest.
	// Previously ingested state is preserved.
	ErrStorageFailed = errors.New("raglite: storage failed")

	// ErrQueryEmpty is returned for empty or whitespace-only queries.
	ErrQueryEmpty = errors.New("raglite: query is empty")

	// ErrQueryTooLong is returned when a query exceeds the accepted length.
	ErrQueryTooLong = errors.New("raglite: query exceeds maximum length")

	// ErrNoIndexAvailable is returned when both the vector store and the
	// structured store are unreachable for a query.
	ErrNoIndexAvailable = errors.New("raglite: no retrieval index available")

	// ErrDocumentNotFound is returned when a document id does not exist.
	ErrDocumentNotFound = errors.New("raglite: document not found")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("raglite: invalid configuration")
)
