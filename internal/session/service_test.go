// ABOUTME: End-to-end tests for the session service over a scripted engine
// ABOUTME: Covers the send/stream/cancel flows, conflicts, model switching, subscriptions

package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/bus"
	"github.com/2389/loom/internal/engine"
	"github.com/2389/loom/internal/store"
	"github.com/2389/loom/internal/stream"
)

// chatRequest mirrors the engine's wire request for inspection in tests
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []engine.Message `json:"messages"`
}

// engineServer is a scripted Ollama-style backend. Each /api/chat call
// records the decoded request and runs the current script.
type engineServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	script   func(w http.ResponseWriter, r *http.Request)
	requests []chatRequest
}

func newEngineServer(t *testing.T) *engineServer {
	t.Helper()
	es := &engineServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		es.mu.Lock()
		es.requests = append(es.requests, req)
		script := es.script
		es.mu.Unlock()
		script(w, r)
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"models":[{"name":"m1"},{"name":"m2"}]}`)
	})
	es.srv = httptest.NewServer(mux)
	t.Cleanup(es.srv.Close)
	return es
}

func (es *engineServer) setScript(fn func(w http.ResponseWriter, r *http.Request)) {
	es.mu.Lock()
	es.script = fn
	es.mu.Unlock()
}

func (es *engineServer) recorded() []chatRequest {
	es.mu.Lock()
	defer es.mu.Unlock()
	return append([]chatRequest(nil), es.requests...)
}

// completeWith returns a script that streams the fragments then done
func completeWith(fragments ...string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, f := range fragments {
			fmt.Fprintf(w, `{"message":{"content":%q},"done":false}`+"\n", f)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"done":true}`)
	}
}

// stallAfter returns a script that streams the fragments then holds the
// connection open until the client abandons it
func stallAfter(fragments ...string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, f := range fragments {
			fmt.Fprintf(w, `{"message":{"content":%q},"done":false}`+"\n", f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}
}

func newTestService(t *testing.T, es *engineServer) *Service {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := engine.NewClient(es.srv.URL, nil)
	b := bus.New(nil)
	t.Cleanup(b.Close)

	reg := stream.NewRegistry(st, eng, b, stream.Options{}, nil)
	t.Cleanup(reg.Shutdown)

	return New(st, reg, b, eng, nil)
}

func nextEvent(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestService_SendMessageStreamsAndPersists(t *testing.T) {
	es := newEngineServer(t)
	es.setScript(completeWith("Hi", " there", "!"))
	svc := newTestService(t, es)
	ctx := t.Context()

	chat, err := svc.CreateChat(ctx, "Demo", "m1")
	require.NoError(t, err)

	events, _, err := svc.Subscribe(ctx, chat.ID)
	require.NoError(t, err)

	streamID, err := svc.SendMessage(ctx, chat.ID, "hello")
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	var tokens []string
	for {
		ev := nextEvent(t, events)
		if ev.Kind == bus.KindToken {
			tokens = append(tokens, ev.Token)
			continue
		}
		require.Equal(t, bus.KindDone, ev.Kind)
		break
	}
	assert.Equal(t, []string{"Hi", " there", "!"}, tokens)

	msgs, err := svc.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there!", msgs[1].Content)

	// The engine saw the chat's model and the recorded user message
	reqs := es.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "m1", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "hello", reqs[0].Messages[0].Content)
}

func TestService_CancelMidStream(t *testing.T) {
	es := newEngineServer(t)
	es.setScript(stallAfter("Hi"))
	svc := newTestService(t, es)
	ctx := t.Context()

	chat, err := svc.CreateChat(ctx, "Demo", "m1")
	require.NoError(t, err)

	events, _, err := svc.Subscribe(ctx, chat.ID)
	require.NoError(t, err)

	streamID, err := svc.SendMessage(ctx, chat.ID, "hello")
	require.NoError(t, err)

	ev := nextEvent(t, events)
	require.Equal(t, bus.KindToken, ev.Kind)
	assert.Equal(t, "Hi", ev.Token)

	svc.CancelStream(streamID)

	ev = nextEvent(t, events)
	assert.Equal(t, bus.KindCancelled, ev.Kind)

	// No further tokens after the terminal event
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after cancellation: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	msgs, err := svc.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi", msgs[1].Content)
}

func TestService_SendMessageConflictWhileStreaming(t *testing.T) {
	es := newEngineServer(t)
	es.setScript(stallAfter("busy"))
	svc := newTestService(t, es)
	ctx := t.Context()

	chat, err := svc.CreateChat(ctx, "Demo", "m1")
	require.NoError(t, err)

	streamID, err := svc.SendMessage(ctx, chat.ID, "first")
	require.NoError(t, err)

	// Wait for the stream to go live before poking at it
	require.Eventually(t, func() bool {
		id, ok := svc.ActiveStream(chat.ID)
		return ok && id == streamID
	}, 2*time.Second, 10*time.Millisecond)

	_, err = svc.SendMessage(ctx, chat.ID, "second")
	assert.ErrorIs(t, err, stream.ErrConflict)

	// Record first, then act: the rejected send's user message is still
	// persisted, the chat stays consistent
	msgs, err := svc.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	var userContents []string
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			userContents = append(userContents, m.Content)
		}
	}
	assert.Equal(t, []string{"first", "second"}, userContents)

	svc.CancelStream(streamID)
}

func TestService_SetModelTakesEffectOnNextStream(t *testing.T) {
	es := newEngineServer(t)
	es.setScript(completeWith("ok"))
	svc := newTestService(t, es)
	ctx := t.Context()

	chat, err := svc.CreateChat(ctx, "Demo", "m1")
	require.NoError(t, err)

	events, _, err := svc.Subscribe(ctx, chat.ID)
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, chat.ID, "one")
	require.NoError(t, err)
	for {
		if nextEvent(t, events).Kind == bus.KindDone {
			break
		}
	}

	require.NoError(t, svc.SetModel(ctx, chat.ID, "m2"))

	_, err = svc.SendMessage(ctx, chat.ID, "two")
	require.NoError(t, err)
	for {
		if nextEvent(t, events).Kind == bus.KindDone {
			break
		}
	}

	reqs := es.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "m1", reqs[0].Model)
	assert.Equal(t, "m2", reqs[1].Model)
}

func TestService_StartStreamWithoutNewMessage(t *testing.T) {
	es := newEngineServer(t)
	es.setScript(completeWith("continuation"))
	svc := newTestService(t, es)
	ctx := t.Context()

	chat, err := svc.CreateChat(ctx, "Demo", "m1")
	require.NoError(t, err)

	events, _, err := svc.Subscribe(ctx, chat.ID)
	require.NoError(t, err)

	streamID, err := svc.StartStream(ctx, chat.ID)
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	for {
		if nextEvent(t, events).Kind == bus.KindDone {
			break
		}
	}

	msgs, err := svc.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "continuation", msgs[0].Content)
}

func TestService_UnknownChatErrors(t *testing.T) {
	es := newEngineServer(t)
	svc := newTestService(t, es)
	ctx := t.Context()

	_, err := svc.SendMessage(ctx, "ghost", "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.StartStream(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.ListMessages(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = svc.Subscribe(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = svc.SetModel(ctx, "ghost", "m2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_CancelUnknownStreamSucceeds(t *testing.T) {
	es := newEngineServer(t)
	svc := newTestService(t, es)

	// Always succeeds from the caller's point of view
	svc.CancelStream("never-existed")
}

func TestService_ListChatsOrderedByActivity(t *testing.T) {
	es := newEngineServer(t)
	es.setScript(completeWith("ok"))
	svc := newTestService(t, es)
	ctx := t.Context()

	first, err := svc.CreateChat(ctx, "first", "m1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := svc.CreateChat(ctx, "second", "m1")
	require.NoError(t, err)

	chats, err := svc.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, second.ID, chats[0].ID)

	// Activity on the first chat moves it back to the top
	events, _, err := svc.Subscribe(ctx, first.ID)
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, first.ID, "wake up")
	require.NoError(t, err)
	for {
		if nextEvent(t, events).Kind == bus.KindDone {
			break
		}
	}

	chats, err = svc.ListChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, chats[0].ID)
}

func TestService_ListModels(t *testing.T) {
	es := newEngineServer(t)
	svc := newTestService(t, es)

	models, err := svc.ListModels(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, models)
}
