package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/recall/pkg/embedding"
)

// SQLiteStore is the persistent knowledge base. A RWMutex enforces the
// multi-reader/single-writer discipline on top of the SQLite transactions:
// searches share the read lock, Add and Clear take the write lock and are
// mutually exclusive with each other and with in-flight searches.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates/opens the knowledge database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create knowledge db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			format TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			uploaded_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS knowledge_documents_name_idx ON knowledge_documents(name);`,
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS knowledge_chunks_doc_idx ON knowledge_chunks(document_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init knowledge schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func (s *SQLiteStore) Add(ctx context.Context, doc Document, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(doc.Name) == "" {
		return fmt.Errorf("add document: empty name")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAtMS == 0 {
		doc.UploadedAtMS = nowMS()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add document begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Replace-by-name: a re-upload supersedes the prior document and all
	// of its chunks, never duplicating them.
	var oldID string
	row := tx.QueryRowContext(ctx, `SELECT id FROM knowledge_documents WHERE name = ?`, doc.Name)
	if err := row.Scan(&oldID); err == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE document_id = ?`, oldID); err != nil {
			return fmt.Errorf("replace document delete chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("replace document delete document: %w", err)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("replace document lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO knowledge_documents(id, name, format, size_bytes, chunk_count, uploaded_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Name, doc.Format, doc.SizeBytes, len(chunks), doc.UploadedAtMS); err != nil {
		return fmt.Errorf("add document insert: %w", err)
	}

	for _, ch := range chunks {
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		if ch.CreatedAtMS == 0 {
			ch.CreatedAtMS = doc.UploadedAtMS
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO knowledge_chunks(id, document_id, seq, content, vector_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`,
			ch.ID, doc.ID, ch.Seq, ch.Content, encodeVector(ch.Vector), ch.CreatedAtMS); err != nil {
			return fmt.Errorf("add document insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add document commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("clear begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var chunkCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_chunks`).Scan(&chunkCount); err != nil {
		return 0, fmt.Errorf("clear count chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks`); err != nil {
		return 0, fmt.Errorf("clear delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_documents`); err != nil {
		return 0, fmt.Errorf("clear delete documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("clear commit: %w", err)
	}
	return chunkCount, nil
}

func (s *SQLiteStore) Search(ctx context.Context, queryVec []float32, k int, documentName string) ([]ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		k = 8
	}

	query := `
SELECT c.id, c.document_id, c.seq, c.content, c.vector_json, c.created_at_ms, d.name
FROM knowledge_chunks c
JOIN knowledge_documents d ON d.id = c.document_id`
	args := []any{}
	if documentName != "" {
		query += ` WHERE d.name = ?`
		args = append(args, documentName)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	var scored []ScoredChunk
	for rows.Next() {
		var ch Chunk
		var vecJSON, docName string
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Seq, &ch.Content, &vecJSON, &ch.CreatedAtMS, &docName); err != nil {
			return nil, fmt.Errorf("scan knowledge chunk: %w", err)
		}
		ch.Vector = decodeVector(vecJSON)
		scored = append(scored, ScoredChunk{
			Chunk:        ch,
			DocumentName: docName,
			Score:        embedding.Cosine(queryVec, ch.Vector),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].Chunk.CreatedAtMS > scored[j].Chunk.CreatedAtMS
		}
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, format, size_bytes, chunk_count, uploaded_at_ms
FROM knowledge_documents ORDER BY uploaded_at_ms DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Name, &d.Format, &d.SizeBytes, &d.ChunkCount, &d.UploadedAtMS); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs, chunks int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_documents`).Scan(&docs); err != nil {
		return 0, 0, fmt.Errorf("knowledge stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_chunks`).Scan(&chunks); err != nil {
		return 0, 0, fmt.Errorf("knowledge stats: %w", err)
	}
	return docs, chunks, nil
}
