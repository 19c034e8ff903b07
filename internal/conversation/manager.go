// ABOUTME: Client-side conversation state machine reducing stream events and user actions
// ABOUTME: Owns the per-conversation message logs and persists a snapshot after every mutation

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/relayhq/chat-gateway/internal/prompts"
	"github.com/relayhq/chat-gateway/internal/relay"
	"github.com/relayhq/chat-gateway/internal/store"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleError     = "error"
)

const (
	defaultConversationName = "New Conversation"
	autoRenameLimit         = 30
)

// Manager errors
var (
	ErrBusy                = errors.New("completion already in progress")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNoRegenTarget       = errors.New("no assistant or error message to regenerate")
	ErrIndexOutOfRange     = errors.New("message index out of range")
	ErrSystemMessage       = errors.New("system message cannot be deleted")
	ErrLastConversation    = errors.New("cannot leave zero conversations")
)

// Status is the per-conversation streaming state as seen by the client.
type Status int

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusStreaming
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaiting:
		return "waiting"
	case StatusStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Message is one transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is one chat thread header.
type Conversation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Sender is the gateway API surface the manager drives: initiate a
// completion and request a stop. Implementations talk HTTP to the gateway.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, model string, messages []Message) error
	StopMessage(ctx context.Context, conversationID string) error
}

// Manager holds all client conversation state. Every mutation happens under
// one mutex: events are applied one at a time in arrival order, and per-id
// reduction is independent of which conversation is active for display.
type Manager struct {
	mu sync.Mutex

	conversations []Conversation
	messages      map[string][]Message
	status        map[string]Status
	activeID      string
	activeModel   string

	sender Sender
	store  store.Store
	logger *slog.Logger
}

// NewManager creates a manager, restoring state from the store if a snapshot
// exists and otherwise starting with one default conversation.
func NewManager(sender Sender, st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		messages: make(map[string][]Message),
		status:   make(map[string]Status),
		sender:   sender,
		store:    st,
		logger:   logger.With("component", "conversation"),
	}

	if st != nil {
		if snap, err := st.LoadSnapshot(); err == nil {
			m.restore(snap)
		} else if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to load snapshot", "error", err)
		}
	}

	if len(m.conversations) == 0 {
		m.createConversationLocked()
	}
	return m
}

func (m *Manager) restore(snap *store.Snapshot) {
	for _, c := range snap.Conversations {
		m.conversations = append(m.conversations, Conversation{ID: c.ID, Name: c.Name})
	}
	for id, msgs := range snap.Messages {
		log := make([]Message, 0, len(msgs))
		for _, msg := range msgs {
			log = append(log, Message{Role: msg.Role, Content: msg.Content})
		}
		m.messages[id] = log
	}
	m.activeID = snap.ActiveConversationID
	m.activeModel = snap.ActiveModel

	if m.findConversation(m.activeID) < 0 && len(m.conversations) > 0 {
		m.activeID = m.conversations[0].ID
	}
}

// createConversationLocked appends a fresh default conversation and makes it
// active. Caller must hold the lock (or be in single-threaded init).
func (m *Manager) createConversationLocked() Conversation {
	conv := Conversation{ID: uuid.New().String(), Name: defaultConversationName}
	m.conversations = append(m.conversations, conv)
	m.messages[conv.ID] = []Message{{Role: RoleSystem, Content: prompts.DefaultSystemPrompt}}
	m.activeID = conv.ID
	return conv
}

func (m *Manager) findConversation(id string) int {
	for i, c := range m.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// persistLocked saves a snapshot of the current state. Persistence is a
// best-effort side channel; in-memory state stays authoritative.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}

	snap := &store.Snapshot{
		ActiveConversationID: m.activeID,
		ActiveModel:          m.activeModel,
		Messages:             make(map[string][]store.Message, len(m.messages)),
	}
	for _, c := range m.conversations {
		snap.Conversations = append(snap.Conversations, store.Conversation{ID: c.ID, Name: c.Name})
		for _, msg := range m.messages[c.ID] {
			snap.Messages[c.ID] = append(snap.Messages[c.ID], store.Message{Role: msg.Role, Content: msg.Content})
		}
	}

	if err := m.store.SaveSnapshot(snap); err != nil {
		m.logger.Warn("failed to save snapshot", "error", err)
	}
}

// NewConversation creates a conversation and switches to it.
func (m *Manager) NewConversation() Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.createConversationLocked()
	m.persistLocked()
	return conv
}

// RenameConversation sets the display name.
func (m *Manager) RenameConversation(id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.findConversation(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	m.conversations[i].Name = name
	m.persistLocked()
	return nil
}

// DeleteConversation removes a conversation. A streaming conversation is
// stopped first so no upstream call is orphaned. Deleting the last
// conversation creates a fresh default one.
func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	i := m.findConversation(id)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	busy := m.status[id] != StatusIdle
	m.mu.Unlock()

	if busy {
		if err := m.sender.StopMessage(ctx, id); err != nil {
			m.logger.Warn("failed to stop before delete", "conversation_id", id, "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i = m.findConversation(id)
	if i < 0 {
		return nil
	}
	m.conversations = append(m.conversations[:i], m.conversations[i+1:]...)
	delete(m.messages, id)
	delete(m.status, id)

	if len(m.conversations) == 0 {
		m.createConversationLocked()
	} else if m.activeID == id {
		m.activeID = m.conversations[0].ID
	}
	m.persistLocked()
	return nil
}

// SwitchConversation changes which conversation is active for display.
// Streams for other conversations keep reducing in the background.
func (m *Manager) SwitchConversation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findConversation(id) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	m.activeID = id
	m.persistLocked()
	return nil
}

// SetModel selects the model used for subsequent sends.
func (m *Manager) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.activeModel = model
	m.persistLocked()
}

// SetSystemPrompt replaces the system message content of a conversation.
func (m *Manager) SetSystemPrompt(id, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.messages[id]
	if !ok || len(log) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	log[0].Content = prompt
	m.persistLocked()
	return nil
}

// Send appends a user message and initiates a completion. Rejected while a
// completion is already in flight for this conversation.
func (m *Manager) Send(ctx context.Context, id, text string) error {
	m.mu.Lock()

	i := m.findConversation(id)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if m.status[id] != StatusIdle {
		m.mu.Unlock()
		return ErrBusy
	}

	// Auto-rename only fires on the opening turn: once a reply exists the
	// default name is treated as a deliberate choice.
	if m.conversations[i].Name == defaultConversationName && !hasAssistantTurn(m.messages[id]) {
		m.conversations[i].Name = truncateName(text)
	}
	m.messages[id] = append(m.messages[id], Message{Role: RoleUser, Content: text})

	payload := outboundMessages(m.messages[id])
	model := m.activeModel
	m.status[id] = StatusWaiting
	m.persistLocked()
	m.mu.Unlock()

	return m.dispatch(ctx, id, model, payload)
}

// Regenerate pops the trailing assistant or error message and re-sends the
// remaining log. Rejected while streaming; stop first.
func (m *Manager) Regenerate(ctx context.Context, id string) error {
	m.mu.Lock()

	if m.findConversation(id) < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if m.status[id] != StatusIdle {
		m.mu.Unlock()
		return ErrBusy
	}

	log := m.messages[id]
	if len(log) == 0 {
		m.mu.Unlock()
		return ErrNoRegenTarget
	}
	tail := log[len(log)-1]
	if tail.Role != RoleAssistant && tail.Role != RoleError {
		m.mu.Unlock()
		return ErrNoRegenTarget
	}

	m.messages[id] = log[:len(log)-1]
	payload := outboundMessages(m.messages[id])
	model := m.activeModel
	m.status[id] = StatusWaiting
	m.persistLocked()
	m.mu.Unlock()

	return m.dispatch(ctx, id, model, payload)
}

// dispatch performs the network send and folds a failure back into the log
// as an error message, the same way an upstream terminalError would land.
func (m *Manager) dispatch(ctx context.Context, id, model string, payload []Message) error {
	err := m.sender.SendMessage(ctx, id, model, payload)
	if err == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.status[id] = StatusIdle
	m.messages[id] = append(m.messages[id], Message{Role: RoleError, Content: err.Error()})
	m.persistLocked()
	return fmt.Errorf("sending message: %w", err)
}

// Stop requests cancellation of the in-flight completion. The log is only
// mutated when the resulting terminal envelope arrives. No-op when idle.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	busy := m.status[id] != StatusIdle
	m.mu.Unlock()

	if !busy {
		return nil
	}
	if err := m.sender.StopMessage(ctx, id); err != nil {
		return fmt.Errorf("stopping completion: %w", err)
	}
	return nil
}

// EditMessage replaces the content of the message at index i. Trailing
// messages are untouched; only delete and regenerate truncate.
func (m *Manager) EditMessage(id string, index int, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if m.status[id] != StatusIdle {
		return ErrBusy
	}
	if index < 0 || index >= len(log) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	log[index].Content = content
	m.persistLocked()
	return nil
}

// DeleteFrom removes the message at index i and every message after it.
// The system message at index 0 cannot be deleted.
func (m *Manager) DeleteFrom(id string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if m.status[id] != StatusIdle {
		return ErrBusy
	}
	if index == 0 {
		return ErrSystemMessage
	}
	if index < 0 || index >= len(log) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	m.messages[id] = log[:index]
	m.persistLocked()
	return nil
}

// Clear removes everything but the system message.
func (m *Manager) Clear(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.messages[id]
	if !ok || len(log) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	if m.status[id] != StatusIdle {
		return ErrBusy
	}
	m.messages[id] = log[:1]
	m.persistLocked()
	return nil
}

// Apply reduces one stream envelope into the tagged conversation's log.
// Envelopes for unknown (deleted) conversations are dropped.
func (m *Manager) Apply(env *relay.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := env.ConversationID
	if m.findConversation(id) < 0 {
		return
	}

	switch env.Kind {
	case relay.KindChunk:
		switch m.status[id] {
		case StatusWaiting:
			m.messages[id] = append(m.messages[id], Message{Role: RoleAssistant, Content: env.Message})
			m.status[id] = StatusStreaming
		case StatusStreaming:
			log := m.messages[id]
			log[len(log)-1].Content += env.Message
		default:
			// Chunk after terminal, e.g. raced with a stop. Drop it.
			return
		}

	case relay.KindTerminal:
		if env.Error != "" {
			m.messages[id] = append(m.messages[id], Message{Role: RoleError, Content: env.Error})
		}
		m.status[id] = StatusIdle
	}

	m.persistLocked()
}

// outboundMessages filters the log down to what the model should see:
// error-role turns stay local.
func outboundMessages(log []Message) []Message {
	out := make([]Message, 0, len(log))
	for _, msg := range log {
		if msg.Role == RoleError {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// hasAssistantTurn reports whether the log already holds a reply.
func hasAssistantTurn(log []Message) bool {
	for _, msg := range log {
		if msg.Role == RoleAssistant {
			return true
		}
	}
	return false
}

// truncateName derives a conversation name from the first user message.
func truncateName(text string) string {
	runes := []rune(text)
	if len(runes) <= autoRenameLimit {
		return text
	}
	return string(runes[:autoRenameLimit])
}

// Conversations returns the conversation headers in order.
func (m *Manager) Conversations() []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Conversation, len(m.conversations))
	copy(out, m.conversations)
	return out
}

// Messages returns a copy of the message log for a conversation.
func (m *Manager) Messages(id string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.messages[id]
	out := make([]Message, len(log))
	copy(out, log)
	return out
}

// Status returns the streaming status of a conversation.
func (m *Manager) ConversationStatus(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[id]
}

// ActiveConversation returns the conversation currently in view.
func (m *Manager) ActiveConversation() Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.findConversation(m.activeID)
	if i < 0 {
		return Conversation{}
	}
	return m.conversations[i]
}

// ActiveModel returns the model used for new sends.
func (m *Manager) ActiveModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeModel
}
