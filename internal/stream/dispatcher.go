// ABOUTME: Token dispatcher that drains one engine fragment stream
// ABOUTME: Accumulates the assistant message, publishes events, persists on terminal

package stream

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/bus"
	"github.com/2389/loom/internal/engine"
	"github.com/2389/loom/internal/store"
)

// dispatcher owns exactly one stream end-to-end: it holds the only
// reference to the in-progress assistant buffer, publishes token events
// in fragment order, and emits exactly one terminal event after any
// persistence for the stream has completed.
type dispatcher struct {
	handle  *Handle
	model   string
	history []engine.Message

	store   store.Store
	engine  Engine
	bus     *bus.Bus
	opts    Options
	release func(*Handle)
	logger  *slog.Logger
}

func (d *dispatcher) run(ctx context.Context) {
	frags, err := d.engine.Open(ctx, d.model, d.history)
	if err != nil {
		if ctx.Err() != nil {
			d.finish(StateCancelled, "")
		} else {
			d.logger.Error("engine open failed", "error", err)
			d.finish(StateFailed, err.Error())
		}
		return
	}

	// The accumulation buffer. Append is the only mutation: fragments go
	// in exactly as received, in order.
	var buf strings.Builder

	var terminal State
	var reason string

	for {
		// Cancellation is checked between fragments (cooperative)
		if ctx.Err() != nil {
			terminal = StateCancelled
			break
		}

		frag, err := frags.Recv()
		if err != nil {
			switch {
			case err == io.EOF:
				terminal = StateCompleted
			case ctx.Err() != nil:
				// Recv was unblocked by our own cancellation
				terminal = StateCancelled
			default:
				d.logger.Error("engine stream failed", "error", err)
				terminal = StateFailed
				reason = err.Error()
			}
			break
		}

		if d.handle.State() == StateStarting {
			d.handle.setState(StateStreaming)
		}

		buf.WriteString(frag.Text)
		d.bus.Publish(d.handle.ChatID, &bus.Event{
			Kind:     bus.KindToken,
			ChatID:   d.handle.ChatID,
			StreamID: d.handle.ID,
			Token:    frag.Text,
		})
	}

	// Abandon the engine stream. If a cancelled stream can't release its
	// connection within the drain bound, it is treated as failed.
	if !d.closeStream(frags) && terminal == StateCancelled {
		terminal = StateFailed
		reason = "cancellation drain timed out"
	}

	// Flush whatever was generated — on completion, cancellation, and
	// engine failure alike, partial content is never silently dropped.
	if buf.Len() > 0 {
		if err := d.persistFinal(buf.String()); err != nil {
			d.logger.Error("persisting assistant message failed", "error", err)
			terminal = StateFailed
			reason = "persisting assistant message: " + err.Error()
		}
	}

	d.finish(terminal, reason)
}

// closeStream closes the fragment stream, bounded by the drain timeout.
// Returns false if the close did not finish in time.
func (d *dispatcher) closeStream(frags engine.FragmentStream) bool {
	done := make(chan struct{})
	go func() {
		if err := frags.Close(); err != nil {
			d.logger.Debug("closing engine stream", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d.opts.DrainTimeout):
		d.logger.Warn("engine stream close exceeded drain timeout")
		return false
	}
}

// persistFinal saves the accumulated buffer as an immutable assistant
// message, retrying a bounded number of times. Uses a detached context so
// persistence isn't lost to the cancellation that ended the stream.
func (d *dispatcher) persistFinal(content string) error {
	msg := &store.Message{
		ID:        uuid.New().String(),
		ChatID:    d.handle.ChatID,
		Role:      store.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}

	var err error
	for attempt := 1; attempt <= d.opts.PersistAttempts; attempt++ {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = d.store.SaveMessage(saveCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		d.logger.Warn("assistant message save failed",
			"attempt", attempt,
			"error", err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return err
}

// finish records the terminal state, releases the chat's stream slot, and
// publishes the single terminal event. Runs once per stream: the
// dispatcher goroutine is the only writer, so a cancel racing natural
// completion resolves to whichever outcome the drain loop saw first.
func (d *dispatcher) finish(terminal State, reason string) {
	d.handle.setState(terminal)
	d.release(d.handle)

	event := &bus.Event{
		ChatID:   d.handle.ChatID,
		StreamID: d.handle.ID,
	}
	switch terminal {
	case StateCompleted:
		event.Kind = bus.KindDone
	case StateCancelled:
		event.Kind = bus.KindCancelled
	case StateFailed:
		event.Kind = bus.KindError
		event.Reason = reason
	}
	d.bus.Publish(d.handle.ChatID, event)

	d.logger.Info("stream finished", "state", terminal, "reason", reason)
}
