// ABOUTME: Session manager: public API for chats, messages, and streams
// ABOUTME: Record first, then act - the user message is persisted before generation starts

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/bus"
	"github.com/2389/loom/internal/engine"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/stream"
)

// ModelLister is the slice of the generation client the service needs
// beyond streaming (model discovery).
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Service composes the store, stream registry, and event bus into the
// public orchestrator API consumed by presentation surfaces.
type Service struct {
	store    store.Store
	registry *stream.Registry
	bus      *bus.Bus
	models   ModelLister
	logger   *slog.Logger
}

// New creates a session service. Pass nil logger for default.
func New(st store.Store, reg *stream.Registry, b *bus.Bus, models ModelLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		registry: reg,
		bus:      b,
		models:   models,
		logger:   logger.With("component", "session"),
	}
}

// CreateChat persists a new chat with an empty message list
func (s *Service) CreateChat(ctx context.Context, title, model string) (*store.Chat, error) {
	now := time.Now()
	chat := &store.Chat{
		ID:        uuid.New().String(),
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}

	s.logger.Info("chat created", "chat_id", chat.ID, "model", model)
	return chat, nil
}

// ListChats returns all chats, most recently updated first
func (s *Service) ListChats(ctx context.Context) ([]*store.Chat, error) {
	return s.store.ListChats(ctx)
}

// ListMessages returns a chat's full history in persistence order.
// Returns store.ErrNotFound if the chat doesn't exist. An in-flight
// assistant response is never visible here; it appears only once its
// stream reaches a terminal state.
func (s *Service) ListMessages(ctx context.Context, chatID string) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, chatID)
}

// SetModel updates the chat's model. An in-flight stream is unaffected;
// the new model takes effect on the next stream.
func (s *Service) SetModel(ctx context.Context, chatID, model string) error {
	return s.store.SetChatModel(ctx, chatID, model)
}

// ListModels returns the models available on the generation engine
func (s *Service) ListModels(ctx context.Context) ([]string, error) {
	return s.models.ListModels(ctx)
}

// SendMessage persists a user message and starts generation for the chat.
// Returns the new stream's ID, or stream.ErrConflict if a stream is
// already active (no implicit queueing — the caller cancels or waits).
// The user message stays persisted even when generation can't start, so
// the chat is always in a consistent, inspectable state.
func (s *Service) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("resolving chat: %w", err)
	}

	// Record first, then act
	msg := &store.Message{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Role:      store.RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("recording user message: %w", err)
	}

	s.logger.Debug("user message recorded",
		"chat_id", chatID,
		"message_id", msg.ID)

	return s.startStream(ctx, chat)
}

// StartStream starts generation for the chat from its current history,
// without adding a new user message. Returns stream.ErrConflict if a
// stream is already active.
func (s *Service) StartStream(ctx context.Context, chatID string) (string, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("resolving chat: %w", err)
	}
	return s.startStream(ctx, chat)
}

// startStream loads the history and claims the chat's stream slot
func (s *Service) startStream(ctx context.Context, chat *store.Chat) (string, error) {
	msgs, err := s.store.ListMessages(ctx, chat.ID)
	if err != nil {
		return "", fmt.Errorf("loading history: %w", err)
	}

	history := make([]engine.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, engine.Message{Role: m.Role, Content: m.Content})
	}

	streamID, err := s.registry.Start(chat, history)
	if err != nil {
		return "", err
	}
	return streamID, nil
}

// CancelStream cancels an in-flight stream. Idempotent: cancelling an
// unknown or already-terminal stream succeeds as a no-op.
func (s *Service) CancelStream(streamID string) {
	s.registry.Cancel(streamID)
}

// ActiveStream returns the live stream ID for a chat, if any
func (s *Service) ActiveStream(chatID string) (string, bool) {
	return s.registry.Active(chatID)
}

// Subscribe registers for the chat's event feed. Returns the event
// channel and a subscription ID for Unsubscribe. The subscription is
// cleaned up automatically when ctx ends. Returns store.ErrNotFound if
// the chat doesn't exist.
func (s *Service) Subscribe(ctx context.Context, chatID string) (<-chan *bus.Event, string, error) {
	if _, err := s.store.GetChat(ctx, chatID); err != nil {
		return nil, "", fmt.Errorf("resolving chat: %w", err)
	}
	ch, subID := s.bus.Subscribe(ctx, chatID)
	return ch, subID, nil
}

// Unsubscribe removes a subscription created by Subscribe
func (s *Service) Unsubscribe(chatID, subID string) {
	s.bus.Unsubscribe(chatID, subID)
}
