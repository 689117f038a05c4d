package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/weftlabs/weft/pkg/models"
)

// SQLiteStore implements the Store interface using SQLite via the
// pure-Go modernc driver. It targets single-node deployments and
// integration tests that want durable state without a server. Message
// order rides on rowid, which is monotonic here because rows are only
// ever deleted by whole-thread cascade.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	cache_needs_rebuild INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_calls TEXT,
	tool_call_id TEXT NOT NULL DEFAULT '',
	attachments TEXT,
	metadata TEXT,
	omitted INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id);
`

const sqliteMessageColumns = "id, thread_id, role, content, tool_calls, tool_call_id, attachments, metadata, omitted, created_at"

// NewSQLiteStore opens or creates an SQLite database at path. Use
// ":memory:" for an ephemeral store. Paths already in file: URI form
// pass through untouched so callers can set their own options.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		// _pragma parameters run on every new connection, unlike an
		// Exec'd PRAGMA which binds to whichever connection ran it.
		dsn = "file:" + dsn + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under the engine's append pattern and keeps :memory: stores
	// on one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("thread is required")
	}
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	thread.UpdatedAt = thread.CreatedAt

	metadata, err := json.Marshal(thread.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, account_id, project_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, thread.ID, thread.AccountID, thread.ProjectID, string(metadata), thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	thread := &models.Thread{}
	var metadataJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, project_id, metadata, created_at, updated_at
		FROM threads WHERE id = ?
	`, id).Scan(
		&thread.ID,
		&thread.AccountID,
		&thread.ProjectID,
		&metadataJSON,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &thread.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return thread, nil
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, threadID string, msg *models.Message) (string, error) {
	if msg == nil {
		return "", errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ThreadID = threadID

	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	attachmentsJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attachments: %w", err)
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, attachments, metadata, omitted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		threadID,
		msg.Role,
		msg.Content,
		string(toolCallsJSON),
		msg.ToolCallID,
		string(attachmentsJSON),
		string(metadataJSON),
		msg.Omitted,
		msg.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, time.Now(), threadID)
	if err != nil {
		return "", fmt.Errorf("failed to update thread timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit append: %w", err)
	}
	return msg.ID, nil
}

func (s *SQLiteStore) List(ctx context.Context, threadID string, lightweight bool) ([]*models.Message, error) {
	if lightweight {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+sqliteMessageColumns+`
			FROM messages WHERE thread_id = ? AND omitted = 0
			ORDER BY rowid DESC
			LIMIT ?
		`, threadID, lightweightLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		msgs, err := collectMessages(rows)
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		return msgs, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages WHERE thread_id = ? AND omitted = 0
		ORDER BY rowid
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return collectMessages(rows)
}

func (s *SQLiteStore) ListPaginated(ctx context.Context, threadID string, offset, batchSize int) ([]*models.Message, error) {
	if batchSize <= 0 {
		batchSize = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages WHERE thread_id = ? AND omitted = 0
		ORDER BY rowid
		LIMIT ? OFFSET ?
	`, threadID, batchSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list message page: %w", err)
	}
	return collectMessages(rows)
}

func (s *SQLiteStore) GetLastUsageRecord(ctx context.Context, threadID string) (*models.UsageReport, error) {
	var metadataJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT metadata
		FROM messages
		WHERE thread_id = ? AND json_extract(metadata, '$.usage') IS NOT NULL
		ORDER BY rowid DESC
		LIMIT 1
	`, threadID).Scan(&metadataJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last usage: %w", err)
	}

	var meta map[string]any
	if err := json.Unmarshal(metadataJSON, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return usageFromMeta(meta), nil
}

func (s *SQLiteStore) GetLatestUserMessage(ctx context.Context, threadID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content
		FROM messages
		WHERE thread_id = ? AND role = 'user' AND omitted = 0
		ORDER BY rowid DESC
		LIMIT 1
	`, threadID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest user message: %w", err)
	}
	return content, nil
}

func (s *SQLiteStore) MarkToolResultsOmitted(ctx context.Context, threadID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, threadID)
	for _, id := range ids {
		args = append(args, id)
	}

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE messages SET omitted = 1
		WHERE thread_id = ? AND role = 'tool' AND tool_call_id IN (%s) AND omitted = 0
	`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark tool results omitted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *SQLiteStore) RemoveToolCallsFromAssistants(ctx context.Context, threadID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tool_calls
		FROM messages
		WHERE thread_id = ? AND role = 'assistant'
		  AND tool_calls IS NOT NULL AND tool_calls <> 'null'
	`, threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to load assistant messages: %w", err)
	}

	type rewrite struct {
		id    string
		calls string
	}
	var rewrites []rewrite
	removed := 0

	for rows.Next() {
		var msgID string
		var callsJSON []byte
		if err := rows.Scan(&msgID, &callsJSON); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan assistant message: %w", err)
		}

		var calls []models.ToolCall
		if err := json.Unmarshal(callsJSON, &calls); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
		kept, n := stripCalls(calls, drop)
		if n == 0 {
			continue
		}
		keptJSON, err := json.Marshal(kept)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		rewrites = append(rewrites, rewrite{id: msgID, calls: string(keptJSON)})
		removed += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating assistant messages: %w", err)
	}
	rows.Close()

	for _, rw := range rewrites {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET tool_calls = ? WHERE id = ?`, rw.calls, rw.id); err != nil {
			return 0, fmt.Errorf("failed to rewrite tool calls: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit repair: %w", err)
	}
	return removed, nil
}

func (s *SQLiteStore) SetCacheNeedsRebuild(ctx context.Context, threadID string, needs bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE threads SET cache_needs_rebuild = ? WHERE id = ?`, needs, threadID)
	if err != nil {
		return fmt.Errorf("failed to set cache rebuild flag: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return nil
}

func (s *SQLiteStore) GetCacheNeedsRebuild(ctx context.Context, threadID string) (bool, error) {
	var needs bool
	err := s.db.QueryRowContext(ctx, `SELECT cache_needs_rebuild FROM threads WHERE id = ?`, threadID).Scan(&needs)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache rebuild flag: %w", err)
	}
	return needs, nil
}

// InvalidateCache is a no-op: the SQL store has no in-process read cache.
func (s *SQLiteStore) InvalidateCache(threadID string) {}
