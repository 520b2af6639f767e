package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded vector backend. It keeps embeddings in a
// sqlite-vec vec0 virtual table and payloads in a plain side table, so a
// single-process deployment needs no external services.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

func init() {
	sqlite_vec.Auto()
}

// NewSQLiteStore opens (or creates) the vector database under dataDir.
func NewSQLiteStore(dataDir string, dim int) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "vectors.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open %s: %w", path, err)
	}
	s := &SQLiteStore{db: db, dim: dim}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
			chunk_id TEXT PRIMARY KEY,
			embedding FLOAT[%d] distance_metric=cosine
		)`, s.dim),
		`CREATE TABLE IF NOT EXISTS vec_payloads (
			chunk_id        TEXT PRIMARY KEY,
			document_id     TEXT NOT NULL,
			payload         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vec_payloads_document ON vec_payloads(document_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("vectorstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: begin: %w", err)
	}
	defer tx.Rollback()

	delVec, err := tx.PrepareContext(ctx, `DELETE FROM vec_chunks WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("vectorstore: prepare: %w", err)
	}
	defer delVec.Close()
	insVec, err := tx.PrepareContext(ctx, `INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("vectorstore: prepare: %w", err)
	}
	defer insVec.Close()
	insPayload, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO vec_payloads (chunk_id, document_id, payload) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("vectorstore: prepare: %w", err)
	}
	defer insPayload.Close()

	for _, p := range points {
		if len(p.Vector) != s.dim {
			return fmt.Errorf("vectorstore: point %s has dim %d, store has %d", p.ChunkID, len(p.Vector), s.dim)
		}
		blob := serializeFloat32(p.Vector)
		// vec0 has no upsert, replace by delete+insert.
		if _, err := delVec.ExecContext(ctx, p.ChunkID); err != nil {
			return fmt.Errorf("vectorstore: delete %s: %w", p.ChunkID, err)
		}
		if _, err := insVec.ExecContext(ctx, p.ChunkID, blob); err != nil {
			return fmt.Errorf("vectorstore: insert %s: %w", p.ChunkID, err)
		}
		data, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("vectorstore: marshal payload %s: %w", p.ChunkID, err)
		}
		if _, err := insPayload.ExecContext(ctx, p.ChunkID, p.Payload.DocumentID, string(data)); err != nil {
			return fmt.Errorf("vectorstore: insert payload %s: %w", p.ChunkID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Hit, error) {
	if len(vector) != s.dim {
		return nil, fmt.Errorf("vectorstore: query dim %d, store has %d", len(vector), s.dim)
	}
	blob := serializeFloat32(vector)

	// Post-filtering happens in Go, so over-fetch when a filter is set.
	fetch := topK
	if filter != nil {
		fetch = topK * 4
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance, p.payload
		FROM vec_chunks v
		JOIN vec_payloads p ON p.chunk_id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, blob, fetch)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, topK)
	for rows.Next() {
		var (
			id       string
			distance float64
			raw      string
		)
		if err := rows.Scan(&id, &distance, &raw); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		var payload Payload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("vectorstore: unmarshal payload %s: %w", id, err)
		}
		if payload.EmbedFailed || !filter.matches(payload) {
			continue
		}
		score := 1 - distance
		if score < 0 {
			score = 0
		}
		hits = append(hits, Hit{ChunkID: id, Score: score, Payload: payload})
		if len(hits) == topK {
			break
		}
	}
	return hits, rows.Err()
}

func (s *SQLiteStore) DeleteByDocument(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM vec_chunks WHERE chunk_id IN
		(SELECT chunk_id FROM vec_payloads WHERE document_id = ?)`, documentID); err != nil {
		return fmt.Errorf("vectorstore: delete vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_payloads WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("vectorstore: delete payloads: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vec_payloads WHERE document_id = ?`, documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
