package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/weftlabs/weft/pkg/models"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot path
	stmtCreateThread *sql.Stmt
	stmtGetThread    *sql.Stmt
	stmtDeleteThread *sql.Stmt
	stmtAppend       *sql.Stmt
	stmtTouchThread  *sql.Stmt
	stmtList         *sql.Stmt
	stmtListRecent   *sql.Stmt
	stmtListPage     *sql.Stmt
	stmtLastUsage    *sql.Stmt
	stmtLatestUser   *sql.Stmt
	stmtMarkOmitted  *sql.Stmt
	stmtSetRebuild   *sql.Stmt
	stmtGetRebuild   *sql.Stmt
}

// DB exposes the underlying database connection for related stores and
// migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// PostgresConfig holds configuration for the PostgreSQL connection.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "weft",
		Password:        "",
		Database:        "weft",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)

	return newPostgresStoreWithDSN(dsn, config)
}

// NewPostgresStoreFromDSN creates a new PostgreSQL store using a raw DSN/URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	return newPostgresStoreWithDSN(dsn, config)
}

func newPostgresStoreWithDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// postgresSchema creates the thread and message tables. The seq column
// is the ordering authority: insertion order, assigned by the database.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL DEFAULT '',
	project_id TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	cache_needs_rebuild BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	seq BIGSERIAL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_calls JSONB,
	tool_call_id TEXT NOT NULL DEFAULT '',
	attachments JSONB,
	metadata JSONB,
	omitted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages (thread_id, seq);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const postgresMessageColumns = "id, thread_id, role, content, tool_calls, tool_call_id, attachments, metadata, omitted, created_at"

// prepareStatements prepares all SQL statements for reuse.
func (s *PostgresStore) prepareStatements() error {
	prep := []struct {
		stmt  **sql.Stmt
		name  string
		query string
	}{
		{&s.stmtCreateThread, "create thread", `
			INSERT INTO threads (id, account_id, project_id, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`},
		{&s.stmtGetThread, "get thread", `
			SELECT id, account_id, project_id, metadata, created_at, updated_at
			FROM threads WHERE id = $1
		`},
		{&s.stmtDeleteThread, "delete thread", `
			DELETE FROM threads WHERE id = $1
		`},
		{&s.stmtAppend, "append message", `
			INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, attachments, metadata, omitted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`},
		{&s.stmtTouchThread, "touch thread", `
			UPDATE threads SET updated_at = $1 WHERE id = $2
		`},
		{&s.stmtList, "list messages", `
			SELECT ` + postgresMessageColumns + `
			FROM messages WHERE thread_id = $1 AND NOT omitted
			ORDER BY seq
		`},
		{&s.stmtListRecent, "list recent messages", `
			SELECT ` + postgresMessageColumns + `
			FROM messages WHERE thread_id = $1 AND NOT omitted
			ORDER BY seq DESC
			LIMIT $2
		`},
		{&s.stmtListPage, "list message page", `
			SELECT ` + postgresMessageColumns + `
			FROM messages WHERE thread_id = $1 AND NOT omitted
			ORDER BY seq
			LIMIT $2 OFFSET $3
		`},
		{&s.stmtLastUsage, "last usage", `
			SELECT metadata
			FROM messages WHERE thread_id = $1 AND metadata->'usage' IS NOT NULL
			ORDER BY seq DESC
			LIMIT 1
		`},
		{&s.stmtLatestUser, "latest user message", `
			SELECT content
			FROM messages WHERE thread_id = $1 AND role = 'user' AND NOT omitted
			ORDER BY seq DESC
			LIMIT 1
		`},
		{&s.stmtMarkOmitted, "mark omitted", `
			UPDATE messages SET omitted = TRUE
			WHERE thread_id = $1 AND role = 'tool' AND tool_call_id = ANY($2) AND NOT omitted
		`},
		{&s.stmtSetRebuild, "set cache rebuild", `
			UPDATE threads SET cache_needs_rebuild = $1 WHERE id = $2
		`},
		{&s.stmtGetRebuild, "get cache rebuild", `
			SELECT cache_needs_rebuild FROM threads WHERE id = $1
		`},
	}

	for _, p := range prep {
		stmt, err := s.db.Prepare(p.query)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", p.name, err)
		}
		*p.stmt = stmt
	}
	return nil
}

// Close closes the database connection and prepared statements.
func (s *PostgresStore) Close() error {
	stmts := []*sql.Stmt{
		s.stmtCreateThread, s.stmtGetThread, s.stmtDeleteThread,
		s.stmtAppend, s.stmtTouchThread, s.stmtList, s.stmtListRecent,
		s.stmtListPage, s.stmtLastUsage, s.stmtLatestUser,
		s.stmtMarkOmitted, s.stmtSetRebuild, s.stmtGetRebuild,
	}

	var errs []error
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

// CreateThread creates a new thread, generating an id when absent.
func (s *PostgresStore) CreateThread(ctx context.Context, thread *models.Thread) error {
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

	_, err = s.stmtCreateThread.ExecContext(ctx,
		thread.ID,
		thread.AccountID,
		thread.ProjectID,
		metadata,
		thread.CreatedAt,
		thread.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by id.
func (s *PostgresStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	thread := &models.Thread{}
	var metadataJSON []byte

	err := s.stmtGetThread.QueryRowContext(ctx, id).Scan(
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

// DeleteThread deletes a thread; messages cascade.
func (s *PostgresStore) DeleteThread(ctx context.Context, id string) error {
	result, err := s.stmtDeleteThread.ExecContext(ctx, id)
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

// Append adds a message to the thread log. The message insert and the
// thread timestamp update commit together.
func (s *PostgresStore) Append(ctx context.Context, threadID string, msg *models.Message) (string, error) {
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

	_, err = tx.StmtContext(ctx, s.stmtAppend).ExecContext(ctx,
		msg.ID,
		threadID,
		msg.Role,
		msg.Content,
		toolCallsJSON,
		msg.ToolCallID,
		attachmentsJSON,
		metadataJSON,
		msg.Omitted,
		msg.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.StmtContext(ctx, s.stmtTouchThread).ExecContext(ctx, time.Now(), threadID)
	if err != nil {
		return "", fmt.Errorf("failed to update thread timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit append: %w", err)
	}
	return msg.ID, nil
}

// List retrieves the thread history in insertion order.
func (s *PostgresStore) List(ctx context.Context, threadID string, lightweight bool) ([]*models.Message, error) {
	if lightweight {
		rows, err := s.stmtListRecent.QueryContext(ctx, threadID, lightweightLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		msgs, err := collectMessages(rows)
		if err != nil {
			return nil, err
		}
		// Newest-first query; reverse to chronological order.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		return msgs, nil
	}

	rows, err := s.stmtList.QueryContext(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return collectMessages(rows)
}

// ListPaginated retrieves one batch of history starting at offset.
func (s *PostgresStore) ListPaginated(ctx context.Context, threadID string, offset, batchSize int) ([]*models.Message, error) {
	if batchSize <= 0 {
		batchSize = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.stmtListPage.QueryContext(ctx, threadID, batchSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list message page: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var toolCallsJSON, attachmentsJSON, metadataJSON []byte

		err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.Role,
			&msg.Content,
			&toolCallsJSON,
			&msg.ToolCallID,
			&attachmentsJSON,
			&metadataJSON,
			&msg.Omitted,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := unmarshalMessageJSON(msg, toolCallsJSON, attachmentsJSON, metadataJSON); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// GetLastUsageRecord returns the usage report on the newest message that
// carries one, or nil when the thread has none.
func (s *PostgresStore) GetLastUsageRecord(ctx context.Context, threadID string) (*models.UsageReport, error) {
	var metadataJSON []byte
	err := s.stmtLastUsage.QueryRowContext(ctx, threadID).Scan(&metadataJSON)
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

// GetLatestUserMessage returns the newest user message content, or ""
// when the thread has none.
func (s *PostgresStore) GetLatestUserMessage(ctx context.Context, threadID string) (string, error) {
	var content string
	err := s.stmtLatestUser.QueryRowContext(ctx, threadID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest user message: %w", err)
	}
	return content, nil
}

// MarkToolResultsOmitted flags tool results answering the given call ids
// so listings skip them. Returns the number of rows marked.
func (s *PostgresStore) MarkToolResultsOmitted(ctx context.Context, threadID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := s.stmtMarkOmitted.ExecContext(ctx, threadID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to mark tool results omitted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// RemoveToolCallsFromAssistants strips the given call ids from assistant
// declarations. Rows are read, filtered in process, and rewritten in one
// transaction. Returns the number of calls removed.
func (s *PostgresStore) RemoveToolCallsFromAssistants(ctx context.Context, threadID string, ids []string) (int, error) {
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
		WHERE thread_id = $1 AND role = 'assistant'
		  AND tool_calls IS NOT NULL AND tool_calls <> 'null'::jsonb
		FOR UPDATE
	`, threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to load assistant messages: %w", err)
	}

	type rewrite struct {
		id    string
		calls []byte
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
		rewrites = append(rewrites, rewrite{id: msgID, calls: keptJSON})
		removed += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating assistant messages: %w", err)
	}
	rows.Close()

	for _, rw := range rewrites {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET tool_calls = $1 WHERE id = $2`, rw.calls, rw.id); err != nil {
			return 0, fmt.Errorf("failed to rewrite tool calls: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit repair: %w", err)
	}
	return removed, nil
}

// SetCacheNeedsRebuild flags that prompt cache marker positions must be
// recomputed before the next prompt build.
func (s *PostgresStore) SetCacheNeedsRebuild(ctx context.Context, threadID string, needs bool) error {
	result, err := s.stmtSetRebuild.ExecContext(ctx, needs, threadID)
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

// GetCacheNeedsRebuild reads the thread's rebuild flag.
func (s *PostgresStore) GetCacheNeedsRebuild(ctx context.Context, threadID string) (bool, error) {
	var needs bool
	err := s.stmtGetRebuild.QueryRowContext(ctx, threadID).Scan(&needs)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cache rebuild flag: %w", err)
	}
	return needs, nil
}

// InvalidateCache is a no-op: the SQL store has no in-process read cache.
func (s *PostgresStore) InvalidateCache(threadID string) {}
