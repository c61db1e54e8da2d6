// Package stream owns the lifecycle of generation streams.
//
// # Registry
//
// The Registry tracks live streams by ID and by chat, enforcing at most
// one active stream per chat with an atomic check-and-set on the chat's
// slot. Stream IDs are fresh UUIDs and never reused, so a stale cancel
// can't affect a later stream.
//
// State machine per stream:
//
//	Starting -> Streaming -> (Completed | Cancelled | Failed)
//
// A chat with no live handle is idle. Terminal transitions release the
// chat's slot immediately, so a new stream may start for it at once.
//
// # Dispatcher
//
// One dispatcher goroutine drains each stream. For every fragment, in
// order: check the cancel signal, append to the assistant buffer (append
// is the only mutation), publish a token event. On the sequence's end
// the buffer is persisted as one immutable assistant message and exactly
// one terminal event is published — always after persistence, so
// subscribers never see a terminal event ahead of its tokens.
//
// Cancellation is cooperative. Cancel raises the stream's context;
// the dispatcher notices between fragments, flushes the partial buffer
// as-is, and publishes a cancelled event. Because the dispatcher is the
// single writer for its stream's outcome, a cancel racing natural
// completion resolves first-writer-wins with no double persistence.
//
// # Failure Handling
//
// Engine errors persist whatever was buffered and publish an error
// event. A failed persistence of the final message is retried a bounded
// number of times before the stream is marked failed; a cancelled stream
// whose engine connection can't be released within the drain timeout is
// marked failed as well.
package stream
