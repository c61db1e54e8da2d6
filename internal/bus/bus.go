// ABOUTME: In-memory per-chat pub/sub bus for streaming events
// ABOUTME: Broadcasts token and terminal events to all subscribers of a chat

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	// Publish never blocks: events are dropped for subscribers whose
	// buffer is full (drop-on-full policy).
	subscriberBufferSize = 64
)

// Kind identifies the type of a stream event
type Kind string

const (
	KindToken     Kind = "token"     // One generated text fragment
	KindDone      Kind = "done"      // Stream completed normally
	KindCancelled Kind = "cancelled" // Stream cancelled by caller
	KindError     Kind = "error"     // Stream failed
)

// Event is one message delivered to chat subscribers.
// Token carries text for KindToken; Reason carries detail for KindError.
type Event struct {
	Kind     Kind
	ChatID   string
	StreamID string
	Token    string
	Reason   string
}

// Bus provides in-memory broadcast pub/sub keyed by chat ID.
// Every subscriber of a chat receives every event published for that chat,
// in publish order. Events for different chats are unordered relative to
// each other.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // chatID -> subID -> ch
	logger      *slog.Logger
}

// New creates a bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for events on the given chat.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx
// is cancelled.
func (b *Bus) Subscribe(ctx context.Context, chatID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[chatID]; !ok {
		b.subscribers[chatID] = make(map[string]chan *Event)
	}
	b.subscribers[chatID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "chat_id", chatID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(chatID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given chat.
// Non-blocking: events are dropped for subscribers whose channels are full.
// Sends happen under the read lock so a concurrent Unsubscribe (which
// closes channels under the write lock) can never panic the publisher.
func (b *Bus) Publish(chatID string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[chatID] {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber channel full — drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"chat_id", chatID,
				"kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
// Safe to call at any time, including concurrently with Publish; a
// subscription that is already gone is a no-op.
func (b *Bus) Unsubscribe(chatID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[chatID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty chat entries
	if len(subs) == 0 {
		delete(b.subscribers, chatID)
	}

	b.logger.Debug("subscriber removed", "chat_id", chatID, "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for chatID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, chatID)
	}

	b.logger.Debug("bus closed")
}
