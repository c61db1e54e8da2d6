// ABOUTME: HTTP client for the generation engine's streaming chat API
// ABOUTME: Opens NDJSON fragment streams and exposes them as cancellable sequences

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrEngine indicates a failure reported by the generation backend.
// Wrapped errors carry the detail; check with errors.Is.
var ErrEngine = errors.New("engine error")

// Message is one history entry sent to the engine
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fragment is one incremental chunk of generated text
type Fragment struct {
	Text string
}

// FragmentStream is an ordered, abandonable sequence of fragments.
// Recv returns io.EOF after the engine's completion marker; any other
// error is terminal. Close is idempotent and safe concurrently with Recv.
type FragmentStream interface {
	Recv() (Fragment, error)
	Close() error
}

// Client talks to an Ollama-compatible generation engine over HTTP
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a generation engine client for the given base URL.
// Pass nil logger for default.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		// No overall timeout: streams are open-ended, cancellation
		// happens via ctx or Stream.Close.
		http:   &http.Client{},
		logger: logger.With("component", "engine"),
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Open starts a streaming generation call for the given model and history.
// The returned stream yields fragments in generation order and ends with
// io.EOF once the engine signals completion.
func (c *Client) Open(ctx context.Context, model string, history []Message) (FragmentStream, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: history,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrEngine, resp.StatusCode, bytes.TrimSpace(msg))
	}

	c.logger.Debug("stream opened", "model", model, "history_len", len(history))

	return &Stream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// Stream reads NDJSON chunks from an open engine response
type Stream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
	closeErr  error
}

// Recv returns the next fragment. It skips chunks with empty content and
// returns io.EOF when the engine reports done.
func (s *Stream) Recv() (Fragment, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				// Connection ended without a done marker
				return Fragment{}, fmt.Errorf("%w: stream ended without completion", ErrEngine)
			}
			if len(bytes.TrimSpace(line)) == 0 {
				return Fragment{}, fmt.Errorf("%w: %v", ErrEngine, err)
			}
			// Fall through and try to parse the final partial line
		}

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Skip malformed lines
			continue
		}
		if chunk.Error != "" {
			return Fragment{}, fmt.Errorf("%w: %s", ErrEngine, chunk.Error)
		}
		if chunk.Done {
			return Fragment{}, io.EOF
		}
		if chunk.Message.Content == "" {
			continue
		}
		return Fragment{Text: chunk.Message.Content}, nil
	}
}

// Close abandons the stream, releasing the underlying connection.
// Safe to call multiple times and concurrently with Recv; a Recv blocked
// on the network returns with an error once the body is closed.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the model names available on the engine
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("building tags request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrEngine, resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("%w: decoding tags: %v", ErrEngine, err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
