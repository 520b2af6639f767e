package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded structured store: chunk rows plus an FTS5
// index kept in sync by triggers. It is the default backend when no
// Postgres URL is configured and the backend the test suite runs on.
//
// The FTS5 virtual table requires building with `-tags sqlite_fts5`
// (and CGO_ENABLED=1); without the tag, opening the store fails with
// "no such module: fts5".
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the embedded store at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &SQLiteStore{db: db}, nil
}

const sqliteSchema = `
-- Document registry with hash identity
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    name TEXT NOT NULL,
    page_count INTEGER NOT NULL,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    ingested_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Chunks with extracted metadata columns
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    document_name TEXT NOT NULL,
    chunk_ordinal INTEGER NOT NULL,
    page_number INTEGER NOT NULL,
    pages JSON NOT NULL,
    content TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    is_table BOOLEAN NOT NULL DEFAULT 0,
    table_part TEXT,
    table_caption TEXT,
    company_name TEXT,
    business_unit TEXT,
    metric_category TEXT,
    metric_type TEXT,
    time_period TEXT,
    geographic_region TEXT,
    currency TEXT,
    report_type TEXT,
    data_format TEXT,
    semantic_summary TEXT,
    key_entities JSON,
    numeric_ranges JSON,
    fiscal_period TEXT,
    department_name TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Full-text search via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    content,
    content='chunks',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
    INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES (new.rowid, new.content);
END;

-- Indexes mirroring the server schema
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_company_metric ON chunks(company_name, metric_category);
CREATE INDEX IF NOT EXISTS idx_chunks_time_period ON chunks(time_period);
CREATE INDEX IF NOT EXISTS idx_chunks_is_table ON chunks(is_table);
`

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// UpsertChunks replaces the document's chunk set in one transaction.
func (s *SQLiteStore) UpsertChunks(ctx context.Context, doc Document, records []ChunkRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", doc.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, path, name, page_count, chunk_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				path = excluded.path,
				name = excluded.name,
				page_count = excluded.page_count,
				chunk_count = excluded.chunk_count,
				ingested_at = CURRENT_TIMESTAMP
		`, doc.ID, doc.Path, doc.Name, doc.PageCount, len(records)); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (chunk_id, document_id, document_name, chunk_ordinal,
				page_number, pages, content, token_count, is_table, table_part, table_caption,
				company_name, business_unit, metric_category, metric_type, time_period,
				geographic_region, currency, report_type, data_format, semantic_summary,
				key_entities, numeric_ranges, fiscal_period, department_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range records {
			c, m := rec.Chunk, rec.Metadata
			pages, _ := json.Marshal(c.Pages)
			entities, _ := json.Marshal(m.KeyEntities)
			ranges, _ := json.Marshal(m.NumericRanges)
			if _, err := stmt.ExecContext(ctx,
				c.ID, c.DocumentID, c.DocumentName, c.Ordinal,
				c.Page(), string(pages), c.Text, c.TokenCount, c.IsTable, c.TablePart, c.TableCaption,
				nullable(m.CompanyName), nullable(m.BusinessUnit), nullable(m.MetricCategory),
				nullable(m.MetricType), nullable(m.TimePeriod), nullable(m.GeographicRegion),
				nullable(m.Currency), nullable(m.ReportType), nullable(m.DataFormat),
				nullable(m.SemanticSummary), string(entities), string(ranges),
				nullable(m.FiscalPeriod), nullable(m.DepartmentName)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SearchTables runs an FTS5 query ranked by BM25, boosting table chunks.
func (s *SQLiteStore) SearchTables(ctx context.Context, query string, topK int, filter *Filter) ([]Hit, error) {
	fts := sanitizeFTS(query)
	if fts == "" {
		return nil, nil
	}

	where := "chunks_fts MATCH ?"
	args := []any{fts}
	where, args = appendFilter(where, args, filter, "?")

	// Prefer table rows: negative rank is better in FTS5, so halving the
	// rank of table chunks moves them up the ordering.
	q := fmt.Sprintf(`
		SELECT c.chunk_id, c.document_id, c.document_name, c.chunk_ordinal,
			c.pages, c.content, c.token_count, c.is_table, COALESCE(c.table_part, ''),
			COALESCE(c.table_caption, ''),
			CASE WHEN c.is_table THEN f.rank * 0.5 ELSE f.rank END AS boosted
		FROM chunks_fts f
		JOIN chunks c ON c.rowid = f.rowid
		WHERE %s
		ORDER BY boosted
		LIMIT ?`, where)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var pagesJSON string
		var rank float64
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.DocumentName,
			&h.Chunk.Ordinal, &pagesJSON, &h.Chunk.Text, &h.Chunk.TokenCount,
			&h.Chunk.IsTable, &h.Chunk.TablePart, &h.Chunk.TableCaption, &rank); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(pagesJSON), &h.Chunk.Pages)
		// FTS5 rank is negative (lower = better); flip to a positive score.
		h.Score = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *SQLiteStore) DeleteByDocument(ctx context.Context, documentID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", documentID)
		return err
	})
}

func (s *SQLiteStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE document_id = ?", documentID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	doc := &Document{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, name, page_count, chunk_count, ingested_at
		FROM documents WHERE id = ?
	`, documentID).Scan(&doc.ID, &doc.Path, &doc.Name, &doc.PageCount, &doc.ChunkCount, &doc.IngestedAt)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, name, page_count, chunk_count, ingested_at
		FROM documents ORDER BY ingested_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Path, &d.Name, &d.PageCount, &d.ChunkCount, &d.IngestedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat(",?", len(ids))[1:]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, document_name, chunk_ordinal, pages, content,
			token_count, is_table, COALESCE(table_part, ''), COALESCE(table_caption, '')
		FROM chunks WHERE chunk_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]Chunk, len(ids))
	for rows.Next() {
		var c Chunk
		var pagesJSON string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.Ordinal,
			&pagesJSON, &c.Text, &c.TokenCount, &c.IsTable, &c.TablePart, &c.TableCaption); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(pagesJSON), &c.Pages)
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

func (s *SQLiteStore) AllChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, document_name, chunk_ordinal, pages, content,
			token_count, is_table, COALESCE(table_part, ''), COALESCE(table_caption, '')
		FROM chunks ORDER BY document_id, chunk_ordinal
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var pagesJSON string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.Ordinal,
			&pagesJSON, &c.Text, &c.TokenCount, &c.IsTable, &c.TablePart, &c.TableCaption); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(pagesJSON), &c.Pages)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// appendFilter adds parameterized metadata conditions to a WHERE clause.
// placeholder is "?" for SQLite; Postgres builds its own clause.
func appendFilter(where string, args []any, filter *Filter, placeholder string) (string, []any) {
	if filter == nil {
		return where, args
	}
	add := func(cond, val string) {
		if val != "" {
			where += " AND " + cond + " = " + placeholder
			args = append(args, val)
		}
	}
	add("c.document_id", filter.DocumentID)
	add("c.company_name", filter.CompanyName)
	add("c.metric_category", filter.MetricCategory)
	add("c.time_period", filter.TimePeriod)
	add("c.fiscal_period", filter.FiscalPeriod)
	if filter.TablesOnly {
		where += " AND c.is_table = 1"
	}
	return where, args
}

// nullable maps empty strings to NULL so missing metadata stays NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sanitizeFTS strips FTS5 operator syntax and builds an OR query of the
// full phrase plus the individual significant words.
func sanitizeFTS(query string) string {
	replacer := strings.NewReplacer(
		"\"", "", "*", "", "(", "", ")", "",
		"+", "", "-", " ", "^", "", ":", "",
		"?", "", "[", "", "]", "", "{", "",
		"}", "", "!", "", ".", "", ",", "",
		";", "",
	)
	words := strings.Fields(replacer.Replace(query))
	if len(words) == 0 {
		return ""
	}

	var parts []string
	if len(words) > 1 {
		parts = append(parts, "\""+strings.Join(words, " ")+"\"")
	}
	for _, w := range words {
		if len(w) > 2 {
			parts = append(parts, w)
		}
	}
	if len(parts) == 0 {
		parts = words
	}
	return strings.Join(parts, " OR ")
}
