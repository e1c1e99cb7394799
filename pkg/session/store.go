// Package session persists conversation state per (channel, conversation
// type, participant) in a SQLite database. The store is the source of
// truth for conversation continuity across turns and process restarts.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/providers"
)

// Conversation types.
const (
	TypeDM    = "dm"
	TypeGroup = "group"
)

// Session identifies one logical conversation thread.
type Session struct {
	ID               string    `json:"id"`
	Key              string    `json:"key"`
	Channel          string    `json:"channel"`
	ConversationType string    `json:"conversation_type"`
	ParticipantID    string    `json:"participant_id"`
	Exchanges        int       `json:"exchanges"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Context is what the message processor needs to run a turn.
type Context struct {
	Session      *Session
	History      []providers.Message
	IsNewSession bool
}

// SessionKey builds the composite key used to address a session.
func SessionKey(channel, conversationType, participantID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, conversationType, participantID)
}

// Store is a SQLite-backed session store. Writes are serialized with a
// mutex so concurrent runs on different sessions do not trip over
// SQLite's single-writer model.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the session database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			key TEXT UNIQUE NOT NULL,
			channel TEXT NOT NULL,
			conversation_type TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			exchanges INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			media TEXT,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_messages_key
			ON session_messages (session_key, id);
	`)
	if err != nil {
		return fmt.Errorf("migrate session db: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSessionContext resolves or creates the session for the tuple and
// loads its transcript.
func (s *Store) GetSessionContext(channel, conversationType, participantID string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := SessionKey(channel, conversationType, participantID)
	sess, err := s.loadSession(key)
	if err != nil {
		return nil, err
	}

	isNew := false
	if sess == nil {
		now := time.Now().UTC()
		sess = &Session{
			ID:               uuid.NewString(),
			Key:              key,
			Channel:          channel,
			ConversationType: conversationType,
			ParticipantID:    participantID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		_, err = s.db.Exec(`
			INSERT INTO sessions (id, key, channel, conversation_type, participant_id, exchanges, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			sess.ID, sess.Key, sess.Channel, sess.ConversationType, sess.ParticipantID,
			sess.CreatedAt.Format(time.RFC3339), sess.UpdatedAt.Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		isNew = true
		logger.InfoCF("session", "Created session", map[string]any{
			"key":     key,
			"channel": channel,
		})
	}

	history, err := s.loadHistory(key)
	if err != nil {
		return nil, err
	}
	return &Context{Session: sess, History: history, IsNewSession: isNew}, nil
}

func (s *Store) loadSession(key string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, key, channel, conversation_type, participant_id, exchanges, created_at, updated_at
		FROM sessions WHERE key = ?`, key)

	var (
		sess               Session
		createdAt, updated string
	)
	err := row.Scan(&sess.ID, &sess.Key, &sess.Channel, &sess.ConversationType,
		&sess.ParticipantID, &sess.Exchanges, &createdAt, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &sess, nil
}

func (s *Store) loadHistory(key string) ([]providers.Message, error) {
	rows, err := s.db.Query(`
		SELECT role, content, tool_calls, tool_call_id, media
		FROM session_messages WHERE session_key = ? ORDER BY id ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var history []providers.Message
	for rows.Next() {
		var (
			msg              providers.Message
			toolCalls, media sql.NullString
			toolCallID       sql.NullString
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &toolCallID, &media); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msg.ToolCallID = toolCallID.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				logger.WarnCF("session", "Skipping unreadable tool calls", map[string]any{
					"key":   key,
					"error": err.Error(),
				})
			}
		}
		if media.Valid && media.String != "" {
			if err := json.Unmarshal([]byte(media.String), &msg.Media); err != nil {
				logger.WarnCF("session", "Skipping unreadable media", map[string]any{
					"key":   key,
					"error": err.Error(),
				})
			}
		}
		history = append(history, msg)
	}
	return history, rows.Err()
}

func (s *Store) appendMessage(key string, msg providers.Message) error {
	var toolCalls, media string
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(b)
	}
	if len(msg.Media) > 0 {
		b, err := json.Marshal(msg.Media)
		if err != nil {
			return fmt.Errorf("encode media: %w", err)
		}
		media = string(b)
	}
	_, err := s.db.Exec(`
		INSERT INTO session_messages (session_key, role, content, tool_calls, tool_call_id, media, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, msg.Role, msg.Content, toolCalls, msg.ToolCallID, media,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecordUserMessage appends a user turn, with any attached images.
func (s *Store) RecordUserMessage(sessionKey, content string, media []providers.MediaImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessage(sessionKey, providers.Message{
		Role:    "user",
		Content: content,
		Media:   media,
	})
}

// RecordAssistantMessage appends a plain assistant turn.
func (s *Store) RecordAssistantMessage(sessionKey, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessage(sessionKey, providers.Message{
		Role:    "assistant",
		Content: content,
	})
}

// RecordToolUse appends an assistant turn that requests tool calls.
func (s *Store) RecordToolUse(sessionKey, content string, calls []providers.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessage(sessionKey, providers.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: calls,
	})
}

// RecordToolResult appends the tool-role reply to a specific tool call.
func (s *Store) RecordToolResult(sessionKey, toolCallID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendMessage(sessionKey, providers.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: toolCallID,
	})
}

// FinalizeExchange marks one complete user/assistant exchange and bumps
// the session's bookkeeping.
func (s *Store) FinalizeExchange(sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE sessions SET exchanges = exchanges + 1, updated_at = ? WHERE key = ?`,
		time.Now().UTC().Format(time.RFC3339), sessionKey)
	if err != nil {
		return fmt.Errorf("finalize exchange: %w", err)
	}
	return nil
}

// ReplaceHistory swaps the stored transcript for sessionKey. Used by the
// compactor after summarizing old turns.
func (s *Store) ReplaceHistory(sessionKey string, history []providers.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, msg := range history {
		var toolCalls, media string
		if len(msg.ToolCalls) > 0 {
			b, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			toolCalls = string(b)
		}
		if len(msg.Media) > 0 {
			b, err := json.Marshal(msg.Media)
			if err != nil {
				return fmt.Errorf("encode media: %w", err)
			}
			media = string(b)
		}
		_, err := tx.Exec(`
			INSERT INTO session_messages (session_key, role, content, tool_calls, tool_call_id, media, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionKey, msg.Role, msg.Content, toolCalls, msg.ToolCallID, media, now)
		if err != nil {
			return fmt.Errorf("insert history row: %w", err)
		}
	}
	return tx.Commit()
}

// ClearHistory drops the transcript for sessionKey but keeps the session.
func (s *Store) ClearHistory(sessionKey string) error {
	return s.ReplaceHistory(sessionKey, nil)
}
