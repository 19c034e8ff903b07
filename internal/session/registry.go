// ABOUTME: Registry owning one cancellable streaming session per conversation id
// ABOUTME: Drives the provider stream and republishes events to the relay hub

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhq/chat-gateway/internal/provider"
	"github.com/relayhq/chat-gateway/internal/relay"
)

// ErrRegistryClosed indicates the registry is shutting down and no longer
// accepts new sessions.
var ErrRegistryClosed = errors.New("session registry closed")

// State describes a conversation's session lifecycle.
type State int

const (
	// StateIdle means no upstream stream is in flight.
	StateIdle State = iota
	// StateStreaming means an upstream stream is running.
	StateStreaming
	// StateStopping means cancellation was requested and the terminal event
	// has not arrived yet.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Streamer is the upstream adapter the registry drives. Implemented by
// provider.Client.
type Streamer interface {
	StreamCompletion(ctx context.Context, endpoint int, model string, messages []provider.Message) (<-chan *provider.Event, error)
}

// defaultStopGrace bounds how long a restart waits for the previous session's
// terminal event.
const defaultStopGrace = 5 * time.Second

// session is the record for one in-flight stream.
type session struct {
	state  State
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed after the terminal envelope is published
}

// Registry guarantees at most one active upstream stream per conversation id.
// Starting a session for an id that is already streaming cancels the old
// stream first (regenerate and edit-then-resend path). Every session run
// publishes exactly one terminal envelope and always returns to Idle.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*session
	streamer  Streamer
	hub       *relay.Hub
	stopGrace time.Duration
	closed    bool
	logger    *slog.Logger
}

// NewRegistry creates a registry publishing to hub. stopGrace bounds the wait
// for a cancelled predecessor's terminal; zero selects the default.
func NewRegistry(streamer Streamer, hub *relay.Hub, stopGrace time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	return &Registry{
		sessions:  make(map[string]*session),
		streamer:  streamer,
		hub:       hub,
		stopGrace: stopGrace,
		logger:    logger.With("component", "session"),
	}
}

// Start begins a streaming session for the conversation. If a session is
// already streaming for this id it is cancelled synchronously (bounded by the
// grace period) before the new one starts. The passed ctx scopes the whole
// session, not an individual HTTP request.
func (r *Registry) Start(ctx context.Context, conversationID string, endpoint int, model string, messages []provider.Message) error {
	sess, err := r.claimSlot(ctx, conversationID)
	if err != nil {
		return err
	}

	events, err := r.streamer.StreamCompletion(sess.ctx, endpoint, model, messages)
	if err != nil {
		sess.cancel()
		r.mu.Lock()
		if r.sessions[conversationID] == sess {
			delete(r.sessions, conversationID)
		}
		r.mu.Unlock()
		close(sess.done)
		return err
	}

	r.logger.Info("session started",
		"conversation_id", conversationID,
		"model", model,
		"messages", len(messages))

	go r.pump(conversationID, sess, events)
	return nil
}

// Stop requests cancellation of the conversation's stream. Calling it on an
// idle conversation is a no-op, and repeated calls are idempotent. The
// terminal envelope is published by the session goroutine once the adapter
// confirms, so a concurrently-arriving natural completion simply wins the
// race and this call has no further effect.
func (r *Registry) Stop(conversationID string) {
	r.mu.Lock()
	sess, ok := r.sessions[conversationID]
	if !ok || sess.state != StateStreaming {
		r.mu.Unlock()
		return
	}
	sess.state = StateStopping
	cancel := sess.cancel
	r.mu.Unlock()

	r.logger.Info("session stop requested", "conversation_id", conversationID)
	cancel()
}

// Status reports the session state for a conversation id.
func (r *Registry) Status(conversationID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[conversationID]; ok {
		return sess.state
	}
	return StateIdle
}

// Close cancels all in-flight sessions and rejects further starts. Session
// goroutines still publish their terminal envelopes before exiting.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	waits := make([]chan struct{}, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sess.cancel()
		waits = append(waits, sess.done)
	}
	r.mu.Unlock()

	for _, done := range waits {
		select {
		case <-done:
		case <-time.After(r.stopGrace):
		}
	}
}

// claimSlot installs a new session for the id, cancelling and awaiting any
// predecessor first. The existence check and the insertion happen under one
// critical section, so concurrent Starts for the same id serialize instead of
// streaming side by side: each loser re-checks after the incumbent's done
// channel closes.
func (r *Registry) claimSlot(ctx context.Context, conversationID string) (*session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}

		prev, ok := r.sessions[conversationID]
		if !ok {
			sessionCtx, cancel := context.WithCancel(ctx)
			sess := &session{
				state:  StateStreaming,
				ctx:    sessionCtx,
				cancel: cancel,
				done:   make(chan struct{}),
			}
			r.sessions[conversationID] = sess
			r.mu.Unlock()
			return sess, nil
		}

		// Cancel-then-restart: stop the incumbent and wait for its terminal
		if prev.state == StateStreaming {
			prev.state = StateStopping
			prev.cancel()
		}
		r.mu.Unlock()

		select {
		case <-prev.done:
		case <-time.After(r.stopGrace):
			r.logger.Warn("previous session did not finish within grace period",
				"conversation_id", conversationID)
			// Evict the stuck record so the restart can proceed; its pump
			// skips cleanup for entries it no longer owns.
			r.mu.Lock()
			if r.sessions[conversationID] == prev {
				delete(r.sessions, conversationID)
			}
			r.mu.Unlock()
		}
	}
}

// pump consumes adapter events for one session run, republishing them as
// envelopes tagged with the conversation id. It publishes exactly one
// terminal envelope and then returns the session to Idle.
func (r *Registry) pump(conversationID string, sess *session, events <-chan *provider.Event) {
	defer func() {
		r.mu.Lock()
		if r.sessions[conversationID] == sess {
			delete(r.sessions, conversationID)
		}
		r.mu.Unlock()
		sess.cancel()
		close(sess.done)
	}()

	for ev := range events {
		switch ev.Kind {
		case provider.EventChunk:
			r.hub.Publish(relay.Chunk(conversationID, ev.Text))

		case provider.EventDone:
			r.hub.Publish(relay.TerminalSuccess(conversationID, "Chat completed"))
			r.logger.Info("session completed", "conversation_id", conversationID)
			return

		case provider.EventStopped:
			r.hub.Publish(relay.TerminalSuccess(conversationID, "Completion stopped"))
			r.logger.Info("session stopped", "conversation_id", conversationID)
			return

		case provider.EventError:
			r.hub.Publish(relay.TerminalError(conversationID, ev.Err))
			r.logger.Warn("session failed",
				"conversation_id", conversationID,
				"error", ev.Err)
			return
		}
	}

	// Adapter closed without a terminal; guard the exactly-once contract
	r.hub.Publish(relay.TerminalError(conversationID, "stream ended unexpectedly"))
	r.logger.Error("adapter closed stream without terminal event",
		"conversation_id", conversationID)
}
