package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore handles session and message persistence
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store backed by kumiai.db in dataDir
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "kumiai.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; sequence allocation relies on serialized transactions
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		conversation_handle TEXT,
		context TEXT NOT NULL DEFAULT '{}',
		last_error TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		agent_id TEXT,
		agent_name TEXT,
		origin_session_id TEXT,
		response_id TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (session_id, sequence),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, sequence);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session, assigning an ID when empty
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	ctxJSON, err := encodeMap(sess.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, conversation_handle, context, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, nullString(sess.ConversationHandle), ctxJSON, nullString(sess.LastError),
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrSessionExists
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, conversation_handle, context, last_error, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// UpdateSession writes all mutable session fields
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()

	ctxJSON, err := encodeMap(sess.Context)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, conversation_handle = ?, context = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		sess.Status, nullString(sess.ConversationHandle), ctxJSON, nullString(sess.LastError), sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessions returns sessions ordered by most recent update first
func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	query := `SELECT id, status, conversation_handle, context, last_error, created_at, updated_at FROM sessions WHERE 1=1`
	var args []any

	if len(opts.Statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(opts.Statuses)-1) + ")"
		for _, st := range opts.Statuses {
			args = append(args, st)
		}
	}
	if !opts.UpdatedBefore.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, opts.UpdatedBefore.UTC())
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// NextSequence reports the sequence the next saved message would receive
func (s *SQLiteStore) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	return nextSequence(ctx, s.db, sessionID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nextSequence(ctx context.Context, q querier, sessionID string) (int64, error) {
	var next int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return next, nil
}

// SaveMessage allocates the next sequence and inserts msg in one transaction
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	metaJSON, err := encodeMap(msg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, msg.SessionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to check session: %w", err)
	}

	seq, err := nextSequence(ctx, tx, msg.SessionID)
	if err != nil {
		return err
	}

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, sequence, agent_id, agent_name,
		                      origin_session_id, response_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.SessionID, msg.Role, msg.Content, seq,
		nullString(msg.AgentID), nullString(msg.AgentName), nullString(msg.OriginSessionID),
		nullString(msg.ResponseID), metaJSON, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}

	msg.ID = id
	msg.Sequence = seq
	msg.CreatedAt = createdAt
	return nil
}

// ListMessages returns messages after afterSequence ordered by sequence
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, content, sequence, agent_id, agent_name,
		       origin_session_id, response_id, metadata, created_at
		FROM messages WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`
	args := []any{sessionID, afterSequence}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var agentID, agentName, origin, responseID, meta sql.NullString
		if err := rows.Scan(
			&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Sequence,
			&agentID, &agentName, &origin, &responseID, &meta, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.AgentID = agentID.String
		msg.AgentName = agentName.String
		msg.OriginSessionID = origin.String
		msg.ResponseID = responseID.String
		if msg.Metadata, err = decodeMap(meta.String); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var handle, lastError sql.NullString
	var ctxJSON string
	if err := row.Scan(&sess.ID, &sess.Status, &handle, &ctxJSON, &lastError, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.ConversationHandle = handle.String
	sess.LastError = lastError.String

	m, err := decodeMap(ctxJSON)
	if err != nil {
		return nil, err
	}
	sess.Context = m
	return &sess, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode map: %w", err)
	}
	return string(data), nil
}

func decodeMap(s string) (map[string]any, error) {
	m := make(map[string]any)
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode map: %w", err)
	}
	return m, nil
}
