// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlSession implements Session on top of a querier.
type sqlSession struct {
	q querier
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	sqlSession
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes transactions, so every read-modify-write of a
	// conversation row is atomic and :memory: databases are shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		sqlSession: sqlSession{q: db},
		db:         db,
		logger:     logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id            TEXT NOT NULL UNIQUE,
			name                   TEXT NOT NULL DEFAULT '',
			platform               TEXT NOT NULL DEFAULT '',
			state                  TEXT NOT NULL DEFAULT 'ai_active',
			hidden                 INTEGER NOT NULL DEFAULT 0,
			tags                   TEXT NOT NULL DEFAULT '[]',
			last_client_message_at TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,

			CHECK (state IN ('ai_active', 'awaiting_manager', 'manager_active'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_state_silence
			ON conversations(state, last_client_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id      INTEGER NOT NULL,
			body                 TEXT NOT NULL,
			origin               TEXT NOT NULL,
			attachment_kind      TEXT,
			attachment_file_id   TEXT,
			attachment_file_name TEXT,
			source_event_id      INTEGER UNIQUE,
			created_at           TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (body <> ''),
			CHECK (origin IN ('client', 'automated', 'operator'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at, id);

		CREATE TABLE IF NOT EXISTS cursors (
			source     TEXT PRIMARY KEY,
			value      INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id        TEXT PRIMARY KEY,
			actor           TEXT NOT NULL,
			action          TEXT NOT NULL,
			conversation_id INTEGER NOT NULL,
			ts              TEXT NOT NULL,
			detail_json     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_conversation_ts
			ON audit_log(conversation_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns that databases created by earlier versions lack.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"conversations", "hidden", "ALTER TABLE conversations ADD COLUMN hidden INTEGER NOT NULL DEFAULT 0"},
		{"conversations", "tags", "ALTER TABLE conversations ADD COLUMN tags TEXT NOT NULL DEFAULT '[]'"},
		{"conversations", "last_client_message_at", "ALTER TABLE conversations ADD COLUMN last_client_message_at TEXT"},
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(
			"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", m.table, m.column,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking column %s.%s: %w", m.table, m.column, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", m.table, m.column, err)
		}
		s.logger.Info("migrated column", "table", m.table, "column", m.column)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction bound to the store's single connection.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(&sqlSession{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const conversationColumns = `c.id, c.external_id, c.name, c.platform, c.state, c.hidden, c.tags,
	c.last_client_message_at, c.created_at, c.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation reads conversationColumns plus any extra destinations.
func scanConversation(row rowScanner, extra ...any) (*Conversation, error) {
	var (
		conv                 Conversation
		state, tagsJSON      string
		lastClient           sql.NullString
		createdAt, updatedAt string
	)

	dest := []any{
		&conv.ID, &conv.ExternalID, &conv.Name, &conv.Platform, &state, &conv.Hidden, &tagsJSON,
		&lastClient, &createdAt, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	conv.State = State(state)
	if err := json.Unmarshal([]byte(tagsJSON), &conv.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if conv.Tags == nil {
		conv.Tags = []string{}
	}

	var err error
	if conv.LastClientMessageAt, err = parseNullTime(lastClient); err != nil {
		return nil, fmt.Errorf("parsing last_client_message_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(b), nil
}

// CreateConversation inserts a new conversation and assigns its ID.
// Returns ErrDuplicateConversation if the external id is already known.
func (s *sqlSession) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ExternalID == "" {
		return errors.New("external id is required")
	}
	if conv.State == "" {
		conv.State = StateAIActive
	}
	if !conv.State.Valid() {
		return fmt.Errorf("invalid state %q", conv.State)
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt
	if conv.Tags == nil {
		conv.Tags = []string{}
	}

	tags, err := encodeTags(conv.Tags)
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO conversations (external_id, name, platform, state, hidden, tags,
			last_client_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ExternalID, conv.Name, conv.Platform, string(conv.State), conv.Hidden, tags,
		formatNullTime(conv.LastClientMessageAt), formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	conv.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading conversation id: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID
func (s *sqlSession) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE c.id = ?", id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversationByExternalID retrieves a conversation by its upstream identity
func (s *sqlSession) GetConversationByExternalID(ctx context.Context, externalID string) (*Conversation, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations c WHERE c.external_id = ?", externalID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by external id: %w", err)
	}
	return conv, nil
}

// UpdateConversation writes the mutable fields of conv and bumps UpdatedAt.
func (s *sqlSession) UpdateConversation(ctx context.Context, conv *Conversation) error {
	if !conv.State.Valid() {
		return fmt.Errorf("invalid state %q", conv.State)
	}

	tags, err := encodeTags(conv.Tags)
	if err != nil {
		return err
	}

	conv.UpdatedAt = time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE conversations
		SET name = ?, state = ?, hidden = ?, tags = ?, last_client_message_at = ?, updated_at = ?
		WHERE id = ?
	`,
		conv.Name, string(conv.State), conv.Hidden, tags,
		formatNullTime(conv.LastClientMessageAt), formatTime(conv.UpdatedAt), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns conversations with their latest message, most
// recently active first.
func (s *sqlSession) ListConversations(ctx context.Context, opts ListOptions) ([]*ConversationSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+conversationColumns+`,
			(SELECT m.body FROM messages m WHERE m.conversation_id = c.id
				ORDER BY m.created_at DESC, m.id DESC LIMIT 1) AS last_body,
			(SELECT m.created_at FROM messages m WHERE m.conversation_id = c.id
				ORDER BY m.created_at DESC, m.id DESC LIMIT 1) AS last_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
		FROM conversations c
		WHERE ? OR c.hidden = 0
		ORDER BY COALESCE(last_at, c.updated_at) DESC, c.id DESC
		LIMIT ?
	`, opts.IncludeHidden, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var summaries []*ConversationSummary
	for rows.Next() {
		var (
			lastBody, lastAt sql.NullString
			count            int
		)
		conv, err := scanConversation(rows, &lastBody, &lastAt, &count)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}

		summary := &ConversationSummary{
			Conversation: *conv,
			LastMessage:  lastBody.String,
			MessageCount: count,
		}
		if summary.LastMessageAt, err = parseNullTime(lastAt); err != nil {
			return nil, fmt.Errorf("parsing last message time: %w", err)
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	return summaries, nil
}

// ListAwaitingSilentSince returns conversations awaiting a manager whose last
// client message is older than before.
func (s *sqlSession) ListAwaitingSilentSince(ctx context.Context, before time.Time) ([]*Conversation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.state = ? AND c.last_client_message_at IS NOT NULL AND c.last_client_message_at < ?
		ORDER BY c.last_client_message_at ASC
	`, string(StateAwaitingManager), formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("querying awaiting conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	return convs, nil
}

// SaveMessage inserts an immutable message and assigns its ID.
// Returns ErrDuplicateMessage when the source event was already recorded.
func (s *sqlSession) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.Body == "" {
		return errors.New("message body is required")
	}
	if !msg.Origin.Valid() {
		return fmt.Errorf("invalid origin %q", msg.Origin)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var kind, fileID, fileName sql.NullString
	if msg.Attachment != nil {
		kind = sql.NullString{String: msg.Attachment.Kind, Valid: true}
		fileID = sql.NullString{String: msg.Attachment.FileID, Valid: msg.Attachment.FileID != ""}
		fileName = sql.NullString{String: msg.Attachment.FileName, Valid: msg.Attachment.FileName != ""}
	}

	var sourceEventID sql.NullInt64
	if msg.SourceEventID != nil {
		sourceEventID = sql.NullInt64{Int64: *msg.SourceEventID, Valid: true}
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, body, origin, attachment_kind, attachment_file_id,
			attachment_file_name, source_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ConversationID, msg.Body, string(msg.Origin), kind, fileID, fileName,
		sourceEventID, formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("conversation %d: %w", msg.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, body, origin, attachment_kind, attachment_file_id,
	attachment_file_name, source_event_id, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg                    Message
		origin, createdAt      string
		kind, fileID, fileName sql.NullString
		sourceEventID          sql.NullInt64
	)

	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Body, &origin, &kind, &fileID,
		&fileName, &sourceEventID, &createdAt); err != nil {
		return nil, err
	}

	msg.Origin = Origin(origin)
	if kind.Valid {
		msg.Attachment = &Attachment{Kind: kind.String, FileID: fileID.String, FileName: fileName.String}
	}
	if sourceEventID.Valid {
		id := sourceEventID.Int64
		msg.SourceEventID = &id
	}

	var err error
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

// GetMessageBySourceEvent retrieves the message recorded for an upstream event
func (s *sqlSession) GetMessageBySourceEvent(ctx context.Context, sourceEventID int64) (*Message, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE source_event_id = ?", sourceEventID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by source event: %w", err)
	}
	return msg, nil
}

// ListMessages returns all messages of a conversation in creation order
func (s *sqlSession) ListMessages(ctx context.Context, conversationID int64) ([]*Message, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of messages in a conversation
func (s *sqlSession) CountMessages(ctx context.Context, conversationID int64) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// Stats aggregates conversation counts by state
func (s *sqlSession) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state = 'ai_active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'awaiting_manager' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'manager_active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(hidden), 0)
		FROM conversations
	`).Scan(&stats.Total, &stats.AI, &stats.Pending, &stats.Manager, &stats.Hidden)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	return &stats, nil
}

// GetCursor returns the stored cursor for source, or 0 if none was saved yet.
func (s *sqlSession) GetCursor(ctx context.Context, source string) (int64, error) {
	var value int64
	err := s.q.QueryRowContext(ctx, "SELECT value FROM cursors WHERE source = ?", source).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying cursor: %w", err)
	}
	return value, nil
}

// SaveCursor stores value for source. A value lower than the stored one is ignored.
func (s *sqlSession) SaveCursor(ctx context.Context, source string, value int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cursors (source, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		WHERE excluded.value > cursors.value
	`, source, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}
