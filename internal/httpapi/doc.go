// Package httpapi exposes the session service over HTTP.
//
// # Endpoints
//
//	POST   /api/chats                  create a chat
//	GET    /api/chats                  list chats, most recent first
//	GET    /api/chats/{id}/messages    full history
//	POST   /api/chats/{id}/messages    send a message, start streaming
//	PUT    /api/chats/{id}/model       switch the chat's model
//	POST   /api/chats/{id}/stream      start generation without a new message
//	GET    /api/chats/{id}/events      SSE event feed for the chat
//	DELETE /api/streams/{id}           cancel a stream (idempotent)
//	GET    /api/models                 models available on the engine
//	GET    /health                     liveness
//
// # Event Feed
//
// The events endpoint is Server-Sent Events: "token" events carry one
// fragment each, followed by exactly one "done", "cancelled", or
// "error" event per stream. Disconnecting unsubscribes.
//
// Errors map onto status codes: unknown chat/stream -> 404, stream
// already active -> 409, everything else -> 500.
package httpapi
