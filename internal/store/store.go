// ABOUTME: Persistence interface for client conversation snapshots
// ABOUTME: A snapshot is the full UI state: conversations, messages, and selections

package store

import "errors"

// ErrNotFound is returned when no snapshot has been saved yet.
var ErrNotFound = errors.New("snapshot not found")

// Conversation is one chat thread header.
type Conversation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is one transcript entry. Role is "system", "user", "assistant",
// or "error".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snapshot is the complete persisted client state. Messages is keyed by
// conversation id.
type Snapshot struct {
	Conversations        []Conversation       `json:"conversations"`
	ActiveConversationID string               `json:"activeConversationId"`
	ActiveModel          string               `json:"activeModel"`
	Messages             map[string][]Message `json:"messages"`
}

// Store persists snapshots. Save replaces the previous snapshot wholesale;
// partial updates are not supported.
type Store interface {
	SaveSnapshot(snap *Snapshot) error
	LoadSnapshot() (*Snapshot, error)
	Close() error
}
