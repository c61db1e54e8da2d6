// ABOUTME: Registry of active generation streams with per-chat slot ownership
// ABOUTME: Enforces at-most-one-active-stream-per-chat and owns cancellation

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/bus"
	"github.com/2389/loom/internal/engine"
	"github.com/2389/loom/internal/store"
)

// ErrConflict is returned when a stream is already active for the chat
var ErrConflict = errors.New("stream already active for chat")

// State is the lifecycle state of a stream.
// A chat with no live handle is implicitly idle.
type State string

const (
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether the state admits no further transitions
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Handle tracks one live stream. The registry owns handle lifecycle;
// the handle is removed from the registry the moment it turns terminal.
type Handle struct {
	ID     string
	ChatID string

	cancel context.CancelFunc

	mu    sync.Mutex
	state State
}

// State returns the handle's current state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Engine is the slice of the generation client the registry needs
type Engine interface {
	Open(ctx context.Context, model string, history []engine.Message) (engine.FragmentStream, error)
}

// Options tune stream lifecycle timing
type Options struct {
	// DrainTimeout bounds how long a cancelled stream may take to release
	// its engine connection before it is treated as failed.
	DrainTimeout time.Duration

	// PersistAttempts is how many times the final assistant message is
	// retried against the store before the stream is marked failed.
	PersistAttempts int
}

func (o *Options) defaults() {
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 2 * time.Second
	}
	if o.PersistAttempts <= 0 {
		o.PersistAttempts = 3
	}
}

// Registry tracks active streams by ID and by chat, enforcing the
// one-active-stream-per-chat invariant with an atomic check-and-set.
type Registry struct {
	mu     sync.Mutex
	byChat map[string]*Handle
	byID   map[string]*Handle

	store  store.Store
	engine Engine
	bus    *bus.Bus
	opts   Options
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewRegistry creates a stream registry. Pass nil logger for default.
func NewRegistry(st store.Store, eng Engine, b *bus.Bus, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	opts.defaults()
	return &Registry{
		byChat: make(map[string]*Handle),
		byID:   make(map[string]*Handle),
		store:  st,
		engine: eng,
		bus:    b,
		opts:   opts,
		logger: logger.With("component", "registry"),
	}
}

// Start claims the chat's stream slot and launches a dispatcher that
// drains the engine's fragment sequence in the background. Returns
// ErrConflict if a stream is already active for the chat. Stream IDs are
// fresh UUIDs, never reused, so a stale cancel can't race a new stream.
func (r *Registry) Start(chat *store.Chat, history []engine.Message) (string, error) {
	// The stream outlives the request that started it, so the dispatch
	// context is detached from the caller's; cancellation goes through
	// Cancel, shutdown through Shutdown.
	ctx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		ID:     uuid.New().String(),
		ChatID: chat.ID,
		cancel: cancel,
		state:  StateStarting,
	}

	r.mu.Lock()
	if _, active := r.byChat[chat.ID]; active {
		r.mu.Unlock()
		cancel()
		return "", ErrConflict
	}
	r.byChat[chat.ID] = h
	r.byID[h.ID] = h
	r.mu.Unlock()

	d := &dispatcher{
		handle:  h,
		model:   chat.Model,
		history: history,
		store:   r.store,
		engine:  r.engine,
		bus:     r.bus,
		opts:    r.opts,
		release: r.release,
		logger:  r.logger.With("stream_id", h.ID, "chat_id", chat.ID),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		d.run(ctx)
	}()

	r.logger.Info("stream started",
		"stream_id", h.ID,
		"chat_id", chat.ID,
		"model", chat.Model)
	return h.ID, nil
}

// Cancel raises the cancel signal for a live stream. Cancellation is
// cooperative: the dispatcher observes it between fragments, flushes the
// partial buffer, and publishes the terminal event. Cancelling an unknown
// or already-terminal stream is a no-op, not an error.
func (r *Registry) Cancel(streamID string) {
	r.mu.Lock()
	h, ok := r.byID[streamID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("cancel ignored for unknown or terminal stream", "stream_id", streamID)
		return
	}

	r.logger.Info("stream cancel requested", "stream_id", streamID, "chat_id", h.ChatID)
	h.cancel()
}

// Active returns the live stream ID for a chat, if any
func (r *Registry) Active(chatID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byChat[chatID]
	if !ok {
		return "", false
	}
	return h.ID, true
}

// Lookup returns the handle for a live stream ID, if any
func (r *Registry) Lookup(streamID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byID[streamID]
	return h, ok
}

// release frees the chat's slot once a stream turns terminal.
// A new stream may start for the chat immediately afterwards.
func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byChat[h.ChatID] == h {
		delete(r.byChat, h.ChatID)
	}
	delete(r.byID, h.ID)
}

// Shutdown cancels all live streams and waits for their dispatchers to
// finish flushing.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, h := range r.byID {
		h.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("registry shut down")
}
