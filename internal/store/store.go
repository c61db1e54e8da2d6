// ABOUTME: Store interface and data types for loom persistence
// ABOUTME: Defines Chat, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChat is returned when trying to create a chat that already exists
var ErrDuplicateChat = errors.New("chat already exists")

// Role constants for message authorship
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Chat represents a conversation session with a generation model
type Chat struct {
	ID        string
	Title     string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message represents a single message within a chat.
// Messages are immutable once persisted; an in-flight assistant response
// lives in the dispatcher's buffer and only becomes a Message when its
// stream reaches a terminal state.
type Message struct {
	ID        string
	ChatID    string
	Role      string // "user", "assistant", "system"
	Content   string
	CreatedAt time.Time
}

// Store defines the interface for chat and message persistence
type Store interface {
	// Chats
	CreateChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, id string) (*Chat, error)
	ListChats(ctx context.Context) ([]*Chat, error)
	SetChatModel(ctx context.Context, chatID, model string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, chatID string) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
