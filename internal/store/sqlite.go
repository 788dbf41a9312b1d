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
	"sync"
	"time"

	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries    = 3
	writeRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS preferences (
		profile_id TEXT PRIMARY KEY,
		prefs_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		title TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_profile ON conversations(profile_id, updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.RetryOnConflict(ctx, op, writeRetries, writeRetryDelay, fn)
}

// GetPreferences returns stored preferences or an empty default.
func (s *SQLiteStore) GetPreferences(ctx context.Context, profileID string) (*domain.FarmPreferences, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT prefs_json FROM preferences WHERE profile_id = ?`, profileID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.FarmPreferences{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan preferences: %w", err)
	}

	var prefs domain.FarmPreferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		// A corrupt record reads as empty, matching a missing one.
		slog.Warn("Discarding unreadable preferences", "profile_id", profileID, "error", err)
		return &domain.FarmPreferences{}, nil
	}
	return &prefs, nil
}

// SavePreferences overwrites the stored preferences.
func (s *SQLiteStore) SavePreferences(ctx context.Context, profileID string, prefs *domain.FarmPreferences) error {
	if prefs == nil {
		prefs = &domain.FarmPreferences{}
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	query := `
	INSERT INTO preferences (profile_id, prefs_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(profile_id) DO UPDATE SET
		prefs_json = excluded.prefs_json,
		updated_at = excluded.updated_at`

	return s.write(ctx, "save_preferences", func() error {
		if _, err := s.db.ExecContext(ctx, query, profileID, string(data), s.now().Unix()); err != nil {
			return fmt.Errorf("upsert preferences: %w", err)
		}
		return nil
	})
}

// SaveConversation inserts a new conversation or updates an existing one.
// Updating keeps the original created_at and refreshes updated_at.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.IsEmpty() {
		return nil
	}
	if conv.ID == "" {
		return fmt.Errorf("save conversation: missing id")
	}

	messages, err := conv.MessagesJSON()
	if err != nil {
		return err
	}
	title := conv.Title
	if title == "" {
		title = conv.DeriveTitle()
	}
	now := s.now()
	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
	INSERT INTO conversations (id, profile_id, title, messages_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		messages_json = excluded.messages_json,
		updated_at = excluded.updated_at`

	return s.write(ctx, "save_conversation", func() error {
		_, err := s.db.ExecContext(ctx, query,
			conv.ID, conv.ProfileID, title, messages,
			createdAt.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, title, messages_json, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns a profile's conversations, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, profileID string) ([]*domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, title, messages_json, created_at, updated_at
		FROM conversations WHERE profile_id = ?
		ORDER BY updated_at DESC, id DESC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	convs := []*domain.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes a conversation by ID.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	var affected int64
	err := s.write(ctx, "delete_conversation", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearConversations removes every conversation of a profile.
func (s *SQLiteStore) ClearConversations(ctx context.Context, profileID string) (int64, error) {
	return s.deleteWhere(ctx, "clear_conversations", `DELETE FROM conversations WHERE profile_id = ?`, profileID)
}

// DeleteConversationsBefore removes conversations last updated before cutoff.
func (s *SQLiteStore) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(ctx, "expire_conversations", `DELETE FROM conversations WHERE updated_at < ?`, cutoff.UnixMilli())
}

func (s *SQLiteStore) deleteWhere(ctx context.Context, op, query string, arg any) (int64, error) {
	var affected int64
	err := s.write(ctx, op, func() error {
		result, err := s.db.ExecContext(ctx, query, arg)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var messages string
	var createdAt, updatedAt int64

	err := row.Scan(&conv.ID, &conv.ProfileID, &conv.Title, &messages, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	if err := json.Unmarshal([]byte(messages), &conv.Turns); err != nil {
		return nil, fmt.Errorf("decode conversation %s messages: %w", conv.ID, err)
	}
	conv.CreatedAt = time.UnixMilli(createdAt)
	conv.UpdatedAt = time.UnixMilli(updatedAt)
	return &conv, nil
}
