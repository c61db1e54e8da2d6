// ABOUTME: HTTP handlers exposing the session orchestrator as JSON + SSE
// ABOUTME: Chat CRUD, message sending, stream cancel, and per-chat event subscription

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/loom/internal/bus"
	"github.com/2389/loom/internal/session"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/stream"
)

// Server wires the session service into an http.ServeMux
type Server struct {
	svc    *session.Service
	logger *slog.Logger
}

// NewServer creates the HTTP API server. Pass nil logger for default.
func NewServer(svc *session.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:    svc,
		logger: logger.With("component", "httpapi"),
	}
}

// Routes registers all API routes on the given mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("GET /api/chats/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("PUT /api/chats/{id}/model", s.handleSetModel)
	mux.HandleFunc("POST /api/chats/{id}/stream", s.handleStartStream)
	mux.HandleFunc("GET /api/chats/{id}/events", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/streams/{id}", s.handleCancelStream)
	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// ChatResponse is the JSON shape for a chat
type ChatResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MessageResponse is the JSON shape for a message
type MessageResponse struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func chatResponse(c *store.Chat) ChatResponse {
	return ChatResponse{
		ID:        c.ID,
		Title:     c.Title,
		Model:     c.Model,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// CreateChatRequest is the JSON body for POST /api/chats
type CreateChatRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Model == "" {
		s.sendJSONError(w, http.StatusBadRequest, "model is required")
		return
	}

	chat, err := s.svc.CreateChat(r.Context(), req.Title, req.Model)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, chatResponse(chat))
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.svc.ListChats(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}

	resp := make([]ChatResponse, 0, len(chats))
	for _, c := range chats {
		resp = append(resp, chatResponse(c))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	msgs, err := s.svc.ListMessages(r.Context(), chatID)
	if err != nil {
		s.sendError(w, err)
		return
	}

	resp := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, MessageResponse{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// SendMessageRequest is the JSON body for POST /api/chats/{id}/messages
type SendMessageRequest struct {
	Content string `json:"content"`
}

func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	req, err := parseSendRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	streamID, err := s.svc.SendMessage(r.Context(), chatID, req.Content)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"stream_id": streamID})
}

// SetModelRequest is the JSON body for PUT /api/chats/{id}/model
type SetModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	var req SetModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Model == "" {
		s.sendJSONError(w, http.StatusBadRequest, "model is required")
		return
	}

	if err := s.svc.SetModel(r.Context(), chatID, req.Model); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	streamID, err := s.svc.StartStream(r.Context(), chatID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"stream_id": streamID})
}

func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")

	// Cancellation always succeeds from the caller's point of view
	s.svc.CancelStream(streamID)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.svc.ListModels(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string][]string{"models": models})
}

// handleSubscribe streams the chat's event feed as SSE until the client
// disconnects. Tokens arrive as "token" events; the stream's terminal
// state arrives as exactly one "done", "cancelled", or "error" event.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID, err := s.svc.Subscribe(r.Context(), chatID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	defer s.svc.Unsubscribe(chatID, subID)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.writeSSEEvent(w, "subscribed", map[string]string{"chat_id": chatID})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			name, data := eventToSSE(event)
			s.writeSSEEvent(w, name, data)
			flusher.Flush()
		}
	}
}

// eventToSSE converts a bus event to an SSE event name and payload
func eventToSSE(event *bus.Event) (string, map[string]string) {
	data := map[string]string{
		"chat_id":   event.ChatID,
		"stream_id": event.StreamID,
	}
	switch event.Kind {
	case bus.KindToken:
		data["token"] = event.Token
	case bus.KindError:
		data["error"] = event.Reason
	}
	return string(event.Kind), data
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sendError maps component errors onto HTTP status codes
func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, stream.ErrConflict):
		s.sendJSONError(w, http.StatusConflict, "stream already active for chat")
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeSSEEvent writes a single SSE event to the response writer
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
