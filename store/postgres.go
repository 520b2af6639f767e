package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the server structured store: one chunks table with a
// generated tsvector column for lexical search and metadata columns for
// filtered retrieval.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and applies the schema.
func NewPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS documents (
  id           TEXT PRIMARY KEY,
  path         TEXT NOT NULL,
  name         TEXT NOT NULL,
  page_count   INT NOT NULL,
  chunk_count  INT NOT NULL DEFAULT 0,
  ingested_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chunks (
  chunk_id          TEXT PRIMARY KEY,
  document_id       TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  document_name     TEXT NOT NULL,
  chunk_ordinal     INT NOT NULL,
  page_number       INT NOT NULL,
  pages             INT[] NOT NULL,
  content           TEXT NOT NULL,
  token_count       INT NOT NULL,
  is_table          BOOL NOT NULL DEFAULT FALSE,
  table_part        TEXT,
  table_caption     TEXT,
  company_name      TEXT,
  business_unit     TEXT,
  metric_category   TEXT,
  metric_type       TEXT,
  time_period       TEXT,
  geographic_region TEXT,
  currency          TEXT,
  report_type       TEXT,
  data_format       TEXT,
  semantic_summary  TEXT,
  key_entities      TEXT[],
  numeric_ranges    JSONB,
  fiscal_period     TEXT,
  department_name   TEXT,
  content_tsv       TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', coalesce(content, ''))) STORED,
  created_at        TIMESTAMP WITH TIME ZONE DEFAULT now(),
  updated_at        TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chunks_company_metric_idx ON chunks (company_name, metric_category);
CREATE INDEX IF NOT EXISTS chunks_time_period_idx ON chunks (time_period);
CREATE INDEX IF NOT EXISTS chunks_content_tsv_gin ON chunks USING GIN (content_tsv);
CREATE INDEX IF NOT EXISTS chunks_is_table_idx ON chunks (is_table);
CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (document_id);
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// UpsertChunks replaces the document's chunk set in one transaction.
func (s *PostgresStore) UpsertChunks(ctx context.Context, doc Document, records []ChunkRecord) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", doc.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO documents (id, path, name, page_count, chunk_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				path = EXCLUDED.path,
				name = EXCLUDED.name,
				page_count = EXCLUDED.page_count,
				chunk_count = EXCLUDED.chunk_count,
				ingested_at = now()
		`, doc.ID, doc.Path, doc.Name, doc.PageCount, len(records)); err != nil {
			return err
		}

		for _, rec := range records {
			c, m := rec.Chunk, rec.Metadata
			ranges, _ := json.Marshal(m.NumericRanges)
			if _, err := tx.Exec(ctx, `
				INSERT INTO chunks (chunk_id, document_id, document_name, chunk_ordinal,
					page_number, pages, content, token_count, is_table, table_part, table_caption,
					company_name, business_unit, metric_category, metric_type, time_period,
					geographic_region, currency, report_type, data_format, semantic_summary,
					key_entities, numeric_ranges, fiscal_period, department_name)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
			`, c.ID, c.DocumentID, c.DocumentName, c.Ordinal,
				c.Page(), c.Pages, c.Text, c.TokenCount, c.IsTable,
				nullable(c.TablePart), nullable(c.TableCaption),
				nullable(m.CompanyName), nullable(m.BusinessUnit), nullable(m.MetricCategory),
				nullable(m.MetricType), nullable(m.TimePeriod), nullable(m.GeographicRegion),
				nullable(m.Currency), nullable(m.ReportType), nullable(m.DataFormat),
				nullable(m.SemanticSummary), m.KeyEntities, ranges,
				nullable(m.FiscalPeriod), nullable(m.DepartmentName)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SearchTables runs a websearch tsquery ranked by ts_rank_cd, boosting
// table chunks. All user input flows through bind parameters.
func (s *PostgresStore) SearchTables(ctx context.Context, query string, topK int, filter *Filter) ([]Hit, error) {
	where := "content_tsv @@ websearch_to_tsquery('english', $1)"
	args := []any{query}
	idx := 2
	add := func(col, val string) {
		if val != "" {
			where += fmt.Sprintf(" AND %s = $%d", col, idx)
			args = append(args, val)
			idx++
		}
	}
	if filter != nil {
		add("document_id", filter.DocumentID)
		add("company_name", filter.CompanyName)
		add("metric_category", filter.MetricCategory)
		add("time_period", filter.TimePeriod)
		add("fiscal_period", filter.FiscalPeriod)
		if filter.TablesOnly {
			where += " AND is_table"
		}
	}

	q := fmt.Sprintf(`
		SELECT chunk_id, document_id, document_name, chunk_ordinal, pages, content,
			token_count, is_table, COALESCE(table_part, ''), COALESCE(table_caption, ''),
			ts_rank_cd(content_tsv, websearch_to_tsquery('english', $1))
				* (CASE WHEN is_table THEN 2.0 ELSE 1.0 END) AS score
		FROM chunks
		WHERE %s
		ORDER BY score DESC
		LIMIT $%d`, where, idx)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.DocumentName,
			&h.Chunk.Ordinal, &h.Chunk.Pages, &h.Chunk.Text, &h.Chunk.TokenCount,
			&h.Chunk.IsTable, &h.Chunk.TablePart, &h.Chunk.TableCaption, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PostgresStore) DeleteByDocument(ctx context.Context, documentID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", documentID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "DELETE FROM documents WHERE id = $1", documentID)
		return err
	})
}

func (s *PostgresStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM chunks WHERE document_id = $1", documentID).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	doc := &Document{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, path, name, page_count, chunk_count, ingested_at::text
		FROM documents WHERE id = $1
	`, documentID).Scan(&doc.ID, &doc.Path, &doc.Name, &doc.PageCount, &doc.ChunkCount, &doc.IngestedAt)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, path, name, page_count, chunk_count, ingested_at::text
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

func (s *PostgresStore) GetChunks(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, document_id, document_name, chunk_ordinal, pages, content,
			token_count, is_table, COALESCE(table_part, ''), COALESCE(table_caption, '')
		FROM chunks WHERE chunk_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]Chunk, len(ids))
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.Ordinal,
			&c.Pages, &c.Text, &c.TokenCount, &c.IsTable, &c.TablePart, &c.TableCaption); err != nil {
			return nil, err
		}
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

func (s *PostgresStore) AllChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
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
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.Ordinal,
			&c.Pages, &c.Text, &c.TokenCount, &c.IsTable, &c.TablePart, &c.TableCaption); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
