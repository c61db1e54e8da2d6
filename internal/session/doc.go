// Package session exposes the orchestrator's public API.
//
// # Overview
//
// The Service composes the store, stream registry, and event bus into
// the operations a presentation surface calls: chat CRUD, message
// history, send/stream/cancel, model listing, and event subscription.
//
// # Send Path
//
// SendMessage records first, then acts: the user message is persisted
// before generation starts, so the chat stays consistent and
// inspectable even when the engine is down or the chat already has an
// active stream (stream.ErrConflict — the caller cancels or waits, no
// implicit queueing).
//
// Token delivery happens through Subscribe, not through the send call:
// sends return the stream ID immediately and generation proceeds in the
// background.
package session
