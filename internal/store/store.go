package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database holding all durable engine state.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles one writer at a time, and a :memory: DSN gives every
	// pooled connection its own private database. A single connection keeps
	// all callers on the database the migrations ran on.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			channel_id TEXT PRIMARY KEY,
			repo TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_active DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worker_states (
			channel_id TEXT PRIMARY KEY,
			worker_name TEXT NOT NULL,
			plan_mode INTEGER NOT NULL DEFAULT 0,
			use_container INTEGER NOT NULL DEFAULT 0,
			phase TEXT NOT NULL,
			rate_limited_at DATETIME,
			auto_resume INTEGER NOT NULL DEFAULT 0,
			last_active DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queued_messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			enqueued_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_channel
			ON queued_messages(channel_id, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			tool_session_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_session
			ON transcripts(channel_id, tool_session_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a new active session for the channel.
func (s *Store) CreateSession(channelID, repo string) (*Session, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO sessions (channel_id, repo, status, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?)`,
		channelID, repo, SessionActive, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &Session{
		ChannelID:  channelID,
		Repo:       repo,
		Status:     SessionActive,
		CreatedAt:  now,
		LastActive: now,
	}, nil
}

// GetSession retrieves the session for a channel. Returns (nil, nil) when no
// session exists; absence is a normal result, not an error.
func (s *Store) GetSession(channelID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT channel_id, repo, status, created_at, last_active
		 FROM sessions WHERE channel_id = ?`,
		channelID,
	)
	var sess Session
	err := row.Scan(&sess.ChannelID, &sess.Repo, &sess.Status, &sess.CreatedAt, &sess.LastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

// UpdateSession writes a session back, bumping last_active.
func (s *Store) UpdateSession(sess *Session) error {
	sess.LastActive = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE sessions SET repo = ?, status = ?, last_active = ? WHERE channel_id = ?`,
		sess.Repo, sess.Status, sess.LastActive, sess.ChannelID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// ArchiveSession marks the channel's session archived. Archiving a channel
// with no session is a no-op.
func (s *Store) ArchiveSession(channelID string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, last_active = ? WHERE channel_id = ?`,
		SessionArchived, time.Now().UTC(), channelID,
	)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// ListActiveSessions returns all sessions with status active.
func (s *Store) ListActiveSessions() ([]Session, error) {
	return s.listSessions(`SELECT channel_id, repo, status, created_at, last_active
		 FROM sessions WHERE status = ? ORDER BY last_active DESC`, SessionActive)
}

// ListSessions returns every session, most recently active first.
func (s *Store) ListSessions() ([]Session, error) {
	return s.listSessions(`SELECT channel_id, repo, status, created_at, last_active
		 FROM sessions ORDER BY last_active DESC`)
}

func (s *Store) listSessions(query string, args ...any) ([]Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ChannelID, &sess.Repo, &sess.Status, &sess.CreatedAt, &sess.LastActive); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SaveWorkerState upserts the durable worker state for its channel.
func (s *Store) SaveWorkerState(st *WorkerState) error {
	st.LastActive = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO worker_states
			(channel_id, worker_name, plan_mode, use_container, phase, rate_limited_at, auto_resume, last_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
			worker_name = excluded.worker_name,
			plan_mode = excluded.plan_mode,
			use_container = excluded.use_container,
			phase = excluded.phase,
			rate_limited_at = excluded.rate_limited_at,
			auto_resume = excluded.auto_resume,
			last_active = excluded.last_active`,
		st.ChannelID, st.WorkerName, st.PlanMode, st.UseContainer,
		st.Phase, st.RateLimitedAt, st.AutoResume, st.LastActive,
	)
	if err != nil {
		return fmt.Errorf("save worker state: %w", err)
	}
	return nil
}

// GetWorkerState retrieves the durable worker state for a channel, or
// (nil, nil) when none exists.
func (s *Store) GetWorkerState(channelID string) (*WorkerState, error) {
	row := s.db.QueryRow(
		`SELECT channel_id, worker_name, plan_mode, use_container, phase, rate_limited_at, auto_resume, last_active
		 FROM worker_states WHERE channel_id = ?`,
		channelID,
	)
	var st WorkerState
	err := row.Scan(&st.ChannelID, &st.WorkerName, &st.PlanMode, &st.UseContainer,
		&st.Phase, &st.RateLimitedAt, &st.AutoResume, &st.LastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker state: %w", err)
	}
	return &st, nil
}

// DeleteWorkerState removes the durable worker state for a channel.
func (s *Store) DeleteWorkerState(channelID string) error {
	_, err := s.db.Exec(`DELETE FROM worker_states WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("delete worker state: %w", err)
	}
	return nil
}

// EnqueueMessage appends an inbound message to the channel's FIFO queue.
func (s *Store) EnqueueMessage(msg *QueuedMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO queued_messages (id, channel_id, message_id, author_id, content, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.MessageID, msg.AuthorID, msg.Content, msg.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// DequeueOldest removes and returns the oldest queued message for a channel,
// or (nil, nil) when the queue is empty. Read and delete commit together, so
// a crash in between cannot leave the message eligible for a second replay.
func (s *Store) DequeueOldest(channelID string) (*QueuedMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, channel_id, message_id, author_id, content, enqueued_at
		 FROM queued_messages WHERE channel_id = ?
		 ORDER BY enqueued_at ASC, id ASC LIMIT 1`,
		channelID,
	)
	var msg QueuedMessage
	err = row.Scan(&msg.ID, &msg.ChannelID, &msg.MessageID, &msg.AuthorID, &msg.Content, &msg.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan queued message: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM queued_messages WHERE id = ?`, msg.ID); err != nil {
		return nil, fmt.Errorf("delete queued message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return &msg, nil
}

// QueuedCount returns the number of messages waiting for a channel.
func (s *Store) QueuedCount(channelID string) (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM queued_messages WHERE channel_id = ?`, channelID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued messages: %w", err)
	}
	return n, nil
}

// ClearQueue drops every queued message for a channel.
func (s *Store) ClearQueue(channelID string) error {
	_, err := s.db.Exec(`DELETE FROM queued_messages WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// AppendTranscript records one exchange line for a (channel, tool session).
func (s *Store) AppendTranscript(entry *TranscriptEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO transcripts (channel_id, tool_session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ChannelID, entry.ToolSessionID, entry.Role, entry.Content, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// ListTranscript returns the ordered transcript for a channel, optionally
// filtered by tool session id.
func (s *Store) ListTranscript(channelID, toolSessionID string) ([]TranscriptEntry, error) {
	query := `SELECT id, channel_id, tool_session_id, role, content, created_at
		 FROM transcripts WHERE channel_id = ?`
	args := []any{channelID}
	if toolSessionID != "" {
		query += ` AND tool_session_id = ?`
		args = append(args, toolSessionID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.ToolSessionID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return entries, nil
}
