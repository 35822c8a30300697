package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/recall/pkg/embedding"
)

// SQLiteStore is the canonical persistent per-user memory storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process service. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
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
		`CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY,
			language TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dialogs (
			user_id INTEGER PRIMARY KEY,
			started_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS dialog_messages (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS dialog_messages_user_idx ON dialog_messages(user_id, seq);`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			summary TEXT NOT NULL,
			source_dialog TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_user_idx ON memory_records(user_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_chunks (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_chunks_user_idx ON memory_chunks(user_id, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS memory_chunks_record_idx ON memory_chunks(record_id);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS audit_log_user_idx ON audit_log(user_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS metrics_metric_idx ON metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
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

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

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

func (s *SQLiteStore) EnsureUser(ctx context.Context, userID int64, language string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(user_id, language, created_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	language = CASE WHEN excluded.language <> '' THEN excluded.language ELSE users.language END`,
		userID, language, nowMS())
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, language, created_at_ms FROM users WHERE user_id = ?`, userID)
	var out User
	if err := row.Scan(&out.ID, &out.Language, &out.CreatedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ActiveDialog(ctx context.Context, userID int64) (Dialog, error) {
	out := Dialog{UserID: userID}

	row := s.db.QueryRowContext(ctx, `
SELECT started_at_ms, updated_at_ms, token_count FROM dialogs WHERE user_id = ?`, userID)
	err := row.Scan(&out.StartedAtMS, &out.UpdatedAtMS, &out.TokenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return Dialog{}, fmt.Errorf("get dialog: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, seq, role, content, tokens, created_at_ms
FROM dialog_messages WHERE user_id = ? ORDER BY seq ASC`, userID)
	if err != nil {
		return Dialog{}, fmt.Errorf("list dialog messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.Seq, &m.Role, &m.Content, &m.Tokens, &createdMS); err != nil {
			return Dialog{}, fmt.Errorf("scan dialog message: %w", err)
		}
		m.UserID = userID
		m.CreatedAt = time.UnixMilli(createdMS)
		out.Messages = append(out.Messages, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (int, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	created := msg.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO dialogs(user_id, started_at_ms, updated_at_ms, token_count, message_count)
VALUES(?, ?, ?, 0, 0)
ON CONFLICT(user_id) DO UPDATE SET updated_at_ms = excluded.updated_at_ms`,
		msg.UserID, created, created); err != nil {
		return 0, fmt.Errorf("append message ensure dialog: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), -1) + 1 FROM dialog_messages WHERE user_id = ?`, msg.UserID)
	if err := row.Scan(&msg.Seq); err != nil {
		return 0, fmt.Errorf("append message next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO dialog_messages(id, user_id, seq, role, content, tokens, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.Seq, msg.Role, msg.Content, msg.Tokens, created); err != nil {
		return 0, fmt.Errorf("append message insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE dialogs
SET updated_at_ms = ?, token_count = token_count + ?, message_count = message_count + 1
WHERE user_id = ?`, created, msg.Tokens, msg.UserID); err != nil {
		return 0, fmt.Errorf("append message update dialog: %w", err)
	}

	var total int
	row = tx.QueryRowContext(ctx, `SELECT token_count FROM dialogs WHERE user_id = ?`, msg.UserID)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("append message read token count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append message commit: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) ResetDialog(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset dialog begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := resetDialogTx(ctx, tx, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset dialog commit: %w", err)
	}
	return nil
}

func resetDialogTx(ctx context.Context, tx *sql.Tx, userID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dialog_messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("reset dialog delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dialogs WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("reset dialog delete dialog: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ArchiveDialog(ctx context.Context, rec MemoryRecord, chunks []MemoryChunk) error {
	if strings.TrimSpace(rec.Summary) == "" {
		return fmt.Errorf("archive dialog: empty summary")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = nowMS()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive dialog begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_records(id, user_id, summary, source_dialog, created_at_ms)
VALUES(?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Summary, rec.SourceDialog, rec.CreatedAtMS); err != nil {
		return fmt.Errorf("archive dialog insert record: %w", err)
	}

	for _, ch := range chunks {
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		if ch.CreatedAtMS == 0 {
			ch.CreatedAtMS = rec.CreatedAtMS
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_chunks(id, record_id, user_id, seq, content, vector_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
			ch.ID, rec.ID, rec.UserID, ch.Seq, ch.Content, encodeVector(ch.Vector), ch.CreatedAtMS); err != nil {
			return fmt.Errorf("archive dialog insert chunk: %w", err)
		}
	}

	// Archive and reset are one atomic unit: the dialog is never observed
	// reset while the record is missing.
	if err := resetDialogTx(ctx, tx, rec.UserID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive dialog commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, userID int64, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, summary, source_dialog, created_at_ms
FROM memory_records WHERE user_id = ?
ORDER BY created_at_ms DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		var r MemoryRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Summary, &r.SourceDialog, &r.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SearchMemory(ctx context.Context, userID int64, queryVec []float32, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		k = 8
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, record_id, seq, content, vector_json, created_at_ms
FROM memory_chunks WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var scored []ScoredChunk
	for rows.Next() {
		var ch MemoryChunk
		var vecJSON string
		if err := rows.Scan(&ch.ID, &ch.RecordID, &ch.Seq, &ch.Content, &vecJSON, &ch.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan memory chunk: %w", err)
		}
		ch.UserID = userID
		ch.Vector = decodeVector(vecJSON)
		scored = append(scored, ScoredChunk{
			Chunk: ch,
			Score: embedding.Cosine(queryVec, ch.Vector),
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

func (s *SQLiteStore) WipeUser(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("wipe user begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM memory_chunks WHERE user_id = ?`,
		`DELETE FROM memory_records WHERE user_id = ?`,
		`DELETE FROM dialog_messages WHERE user_id = ?`,
		`DELETE FROM dialogs WHERE user_id = ?`,
		`DELETE FROM users WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return fmt.Errorf("wipe user failed on %q: %w", trimSQL(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("wipe user commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddAudit(ctx context.Context, userID int64, action, detail string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log(user_id, action, detail, created_at_ms) VALUES(?, ?, ?, ?)`,
		userID, action, detail, nowMS())
	if err != nil {
		return fmt.Errorf("add audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metrics(metric, value, labels_json, created_at_ms) VALUES(?, ?, ?, ?)`,
		metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SweepRetention(ctx context.Context, nowMS, metricRetentionMS, auditRetentionMS int64) error {
	if metricRetentionMS > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE created_at_ms < ?`, nowMS-metricRetentionMS); err != nil {
			return fmt.Errorf("sweep metrics: %w", err)
		}
	}
	if auditRetentionMS > 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at_ms < ?`, nowMS-auditRetentionMS); err != nil {
			return fmt.Errorf("sweep audit: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	var out StoreStats
	for _, q := range []struct {
		dst   *int
		query string
	}{
		{&out.Users, `SELECT COUNT(*) FROM users`},
		{&out.ActiveDialogs, `SELECT COUNT(*) FROM dialogs`},
		{&out.Messages, `SELECT COUNT(*) FROM dialog_messages`},
		{&out.Records, `SELECT COUNT(*) FROM memory_records`},
		{&out.Chunks, `SELECT COUNT(*) FROM memory_chunks`},
	} {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return StoreStats{}, fmt.Errorf("store stats: %w", err)
		}
	}
	return out, nil
}
