// ABOUTME: SQLite-backed snapshot store using the pure-Go modernc driver
// ABOUTME: Saves replace all rows inside one transaction to keep state atomic

package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	position INTEGER PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (conversation_id, position)
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteStore implements Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// bootstraps the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveSnapshot replaces the stored snapshot with snap.
func (s *SQLiteStore) SaveSnapshot(snap *Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"conversations", "messages", "meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for i, conv := range snap.Conversations {
		_, err := tx.Exec(
			"INSERT INTO conversations (position, id, name) VALUES (?, ?, ?)",
			i, conv.ID, conv.Name,
		)
		if err != nil {
			return fmt.Errorf("inserting conversation %s: %w", conv.ID, err)
		}
	}

	for convID, msgs := range snap.Messages {
		for i, msg := range msgs {
			_, err := tx.Exec(
				"INSERT INTO messages (conversation_id, position, role, content) VALUES (?, ?, ?, ?)",
				convID, i, msg.Role, msg.Content,
			)
			if err != nil {
				return fmt.Errorf("inserting message %d of %s: %w", i, convID, err)
			}
		}
	}

	meta := map[string]string{
		"active_conversation_id": snap.ActiveConversationID,
		"active_model":           snap.ActiveModel,
	}
	for key, value := range meta {
		if _, err := tx.Exec("INSERT INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
			return fmt.Errorf("inserting meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored snapshot. Returns ErrNotFound when nothing
// has been saved yet.
func (s *SQLiteStore) LoadSnapshot() (*Snapshot, error) {
	snap := &Snapshot{Messages: make(map[string][]Message)}

	rows, err := s.db.Query("SELECT id, name FROM conversations ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.Name); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		snap.Conversations = append(snap.Conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	if len(snap.Conversations) == 0 {
		return nil, ErrNotFound
	}

	msgRows, err := s.db.Query(
		"SELECT conversation_id, role, content FROM messages ORDER BY conversation_id, position",
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var convID string
		var msg Message
		if err := msgRows.Scan(&convID, &msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		snap.Messages[convID] = append(snap.Messages[convID], msg)
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	metaRows, err := s.db.Query("SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("querying meta: %w", err)
	}
	defer metaRows.Close()

	for metaRows.Next() {
		var key, value string
		if err := metaRows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning meta: %w", err)
		}
		switch key {
		case "active_conversation_id":
			snap.ActiveConversationID = value
		case "active_model":
			snap.ActiveModel = value
		}
	}
	if err := metaRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating meta: %w", err)
	}

	return snap, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
