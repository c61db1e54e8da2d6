// Package store provides persistent storage for loom using SQLite.
//
// # Data Models
//
//   - Chat: A conversation session with a title and the generation model
//     used for its next stream. The model is mutable at any time; the
//     streaming path never mutates the chat itself.
//   - Message: One immutable message within a chat (user, assistant, or
//     system). An in-flight assistant response is not a Message — it is
//     accumulated in the dispatcher's buffer and persisted as a single
//     row when its stream reaches a terminal state. History reads
//     therefore always see a consistent snapshot.
//
// # Ordering
//
// Messages are ordered by created_at with rowid (insertion order)
// breaking ties; timestamps are stored as unix milliseconds so SQL
// ordering matches chronological ordering exactly. Chats are listed
// most-recently-updated first; saving a message bumps its chat's
// updated_at in the same transaction.
//
// # Errors
//
// Store methods return ErrNotFound for unknown IDs and ErrDuplicateChat
// for ID collisions on create. Everything else is wrapped with context.
//
// # Usage
//
//	st, err := store.NewSQLiteStore("/var/lib/loom/loom.db")
//	if err != nil { ... }
//	defer st.Close()
//
// Use ":memory:" as the path for an ephemeral store in tests.
package store
