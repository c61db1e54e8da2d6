// Package bus provides in-memory per-chat pub/sub for streaming events.
//
// # Overview
//
// Each chat is a topic. Subscribers register for a chat and receive every
// event published for it, in publish order (broadcast, not
// work-stealing). Events for different chats have no ordering guarantee
// relative to each other.
//
// # Delivery Policy
//
// Every subscriber gets a bounded channel (64 events). Publish is
// non-blocking: when a subscriber's buffer is full the event is dropped
// for that subscriber and delivery to the others continues. A slow
// consumer can therefore never stall the token dispatcher.
//
// # Lifecycle
//
//	ch, subID := b.Subscribe(ctx, chatID)
//	...
//	b.Unsubscribe(chatID, subID)
//
// Subscriptions are also cleaned up automatically when ctx ends.
// Unsubscribe is safe at any time, including concurrently with an
// in-flight Publish.
package bus
