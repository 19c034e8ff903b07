// ABOUTME: Tests for the conversation manager and its event reduction
// ABOUTME: Covers send/stop/regenerate/edit/delete flows and interleaved streams

package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/chat-gateway/internal/prompts"
	"github.com/relayhq/chat-gateway/internal/relay"
	"github.com/relayhq/chat-gateway/internal/store"
)

type sendCall struct {
	conversationID string
	model          string
	messages       []Message
}

type fakeSender struct {
	mu      sync.Mutex
	sends   []sendCall
	stops   []string
	sendErr error
}

func (f *fakeSender) SendMessage(_ context.Context, conversationID, model string, messages []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	copied := make([]Message, len(messages))
	copy(copied, messages)
	f.sends = append(f.sends, sendCall{conversationID: conversationID, model: model, messages: copied})
	return nil
}

func (f *fakeSender) StopMessage(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, conversationID)
	return nil
}

func (f *fakeSender) lastSend(t *testing.T) sendCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sends)
	return f.sends[len(f.sends)-1]
}

func newTestManager(t *testing.T) (*Manager, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	return NewManager(sender, nil, nil), sender
}

func TestManager_StartsWithDefaultConversation(t *testing.T) {
	m, _ := newTestManager(t)

	convs := m.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "New Conversation", convs[0].Name)

	log := m.Messages(convs[0].ID)
	require.Len(t, log, 1)
	assert.Equal(t, RoleSystem, log[0].Role)
	assert.Equal(t, prompts.DefaultSystemPrompt, log[0].Content)
}

func TestManager_SendAppendsUserAndDispatches(t *testing.T) {
	m, sender := newTestManager(t)
	m.SetModel("gpt-4o")
	id := m.ActiveConversation().ID

	require.NoError(t, m.Send(t.Context(), id, "2+2?"))

	log := m.Messages(id)
	require.Len(t, log, 2)
	assert.Equal(t, RoleUser, log[1].Role)
	assert.Equal(t, "2+2?", log[1].Content)
	assert.Equal(t, StatusWaiting, m.ConversationStatus(id))

	call := sender.lastSend(t)
	assert.Equal(t, id, call.conversationID)
	assert.Equal(t, "gpt-4o", call.model)
	require.Len(t, call.messages, 2)
}

func TestManager_SendAutoRenames(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID

	require.NoError(t, m.Send(t.Context(), id, "Plan a two week trip through Japan by rail"))

	assert.Equal(t, "Plan a two week trip through J", m.ActiveConversation().Name)
	assert.Len(t, []rune(m.ActiveConversation().Name), 30)
}

func TestManager_AutoRenameOnlyBeforeFirstReply(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "first question"))
	m.Apply(relay.Chunk(id, "answer"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	// Deliberately naming it back to the default sticks once a reply exists.
	require.NoError(t, m.RenameConversation(id, "New Conversation"))
	require.NoError(t, m.Send(t.Context(), id, "second question"))

	assert.Equal(t, "New Conversation", m.ActiveConversation().Name)
}

func TestManager_SendKeepsCustomName(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.RenameConversation(id, "My chat"))

	require.NoError(t, m.Send(t.Context(), id, "hello there"))

	assert.Equal(t, "My chat", m.ActiveConversation().Name)
}

func TestManager_ChunksBuildAssistantMessage(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "2+2?"))

	m.Apply(relay.Chunk(id, "the answer"))
	assert.Equal(t, StatusStreaming, m.ConversationStatus(id))

	m.Apply(relay.Chunk(id, " is"))
	m.Apply(relay.Chunk(id, " 4"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	log := m.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, RoleAssistant, log[2].Role)
	assert.Equal(t, "the answer is 4", log[2].Content)
	assert.Equal(t, StatusIdle, m.ConversationStatus(id))
}

func TestManager_TerminalErrorAppendsErrorMessage(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hello"))

	m.Apply(relay.TerminalError(id, "invalid api key"))

	log := m.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, RoleError, log[2].Role)
	assert.Equal(t, "invalid api key", log[2].Content)
	assert.Equal(t, StatusIdle, m.ConversationStatus(id))
}

func TestManager_SendWhileWaitingRejected(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "first"))

	err := m.Send(t.Context(), id, "second")
	require.ErrorIs(t, err, ErrBusy)

	// The rejected send left no trace.
	assert.Len(t, m.Messages(id), 2)
}

func TestManager_StopBeforeFirstChunk(t *testing.T) {
	m, sender := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "long question"))

	require.NoError(t, m.Stop(t.Context(), id))
	assert.Equal(t, []string{id}, sender.stops)

	// No local mutation until the terminal envelope lands.
	assert.Len(t, m.Messages(id), 2)

	m.Apply(relay.TerminalSuccess(id, "Completion stopped"))

	log := m.Messages(id)
	require.Len(t, log, 2)
	assert.Equal(t, RoleUser, log[1].Role)
	assert.Equal(t, StatusIdle, m.ConversationStatus(id))
}

func TestManager_StopWhileIdleIsNoop(t *testing.T) {
	m, sender := newTestManager(t)
	id := m.ActiveConversation().ID

	require.NoError(t, m.Stop(t.Context(), id))
	assert.Empty(t, sender.stops)
}

func TestManager_ChunkAfterTerminalDropped(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))

	m.Apply(relay.Chunk(id, "hel"))
	m.Apply(relay.TerminalSuccess(id, "Completion stopped"))
	m.Apply(relay.Chunk(id, "lo"))

	log := m.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, "hel", log[2].Content)
}

func TestManager_RegeneratePopsAssistantTail(t *testing.T) {
	m, sender := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.Chunk(id, "hello"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	require.NoError(t, m.Regenerate(t.Context(), id))

	call := sender.lastSend(t)
	require.Len(t, call.messages, 2)
	assert.Equal(t, RoleUser, call.messages[1].Role)

	m.Apply(relay.Chunk(id, "hey again"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	log := m.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, "hey again", log[2].Content)

	for i := 1; i < len(log); i++ {
		prevTerminal := log[i-1].Role == RoleAssistant || log[i-1].Role == RoleError
		curTerminal := log[i].Role == RoleAssistant || log[i].Role == RoleError
		assert.False(t, prevTerminal && curTerminal, "consecutive assistant/error turns at %d", i)
	}
}

func TestManager_RegenerateErrorTail(t *testing.T) {
	m, sender := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.TerminalError(id, "rate limited"))

	require.NoError(t, m.Regenerate(t.Context(), id))

	// The error turn is popped and never sent upstream.
	call := sender.lastSend(t)
	for _, msg := range call.messages {
		assert.NotEqual(t, RoleError, msg.Role)
	}
	log := m.Messages(id)
	require.Len(t, log, 2)
}

func TestManager_RegenerateWithoutTargetRejected(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID

	err := m.Regenerate(t.Context(), id)
	require.ErrorIs(t, err, ErrNoRegenTarget)

	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	// Tail is a user message, still no target.
	err = m.Regenerate(t.Context(), id)
	require.ErrorIs(t, err, ErrNoRegenTarget)
}

func TestManager_RegenerateWhileStreamingRejected(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.Chunk(id, "hel"))

	err := m.Regenerate(t.Context(), id)
	require.ErrorIs(t, err, ErrBusy)
}

func TestManager_ErrorMessagesFilteredFromOutbound(t *testing.T) {
	m, sender := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.TerminalError(id, "boom"))

	require.NoError(t, m.Send(t.Context(), id, "try again"))

	call := sender.lastSend(t)
	require.Len(t, call.messages, 3)
	for _, msg := range call.messages {
		assert.NotEqual(t, RoleError, msg.Role)
	}
}

func TestManager_DeleteFromTruncatesSuffix(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "one"))
	m.Apply(relay.Chunk(id, "two"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))
	require.NoError(t, m.Send(t.Context(), id, "three"))
	m.Apply(relay.Chunk(id, "four"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	// Log: [system, user, assistant, user, assistant]
	require.Len(t, m.Messages(id), 5)

	require.NoError(t, m.DeleteFrom(id, 2))

	log := m.Messages(id)
	require.Len(t, log, 2)
	assert.Equal(t, RoleSystem, log[0].Role)
	assert.Equal(t, RoleUser, log[1].Role)
}

func TestManager_DeleteSystemMessageRejected(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID

	err := m.DeleteFrom(id, 0)
	require.ErrorIs(t, err, ErrSystemMessage)
}

func TestManager_EditMessageKeepsTrailing(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "original"))
	m.Apply(relay.Chunk(id, "reply"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	require.NoError(t, m.EditMessage(id, 1, "edited"))

	log := m.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, "edited", log[1].Content)
	assert.Equal(t, "reply", log[2].Content)
}

func TestManager_SetSystemPrompt(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID

	require.NoError(t, m.SetSystemPrompt(id, "You are a pirate."))

	log := m.Messages(id)
	assert.Equal(t, "You are a pirate.", log[0].Content)
}

func TestManager_ClearKeepsSystemMessage(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.Chunk(id, "hello"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	require.NoError(t, m.Clear(id))

	log := m.Messages(id)
	require.Len(t, log, 1)
	assert.Equal(t, RoleSystem, log[0].Role)
}

func TestManager_EditWhileStreamingRejected(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.Chunk(id, "hel"))

	err := m.EditMessage(id, 1, "changed")
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "hi", m.Messages(id)[1].Content)
}

func TestManager_DeleteFromWhileStreamingRejected(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "first"))
	m.Apply(relay.Chunk(id, "one"))

	err := m.DeleteFrom(id, 2)
	require.ErrorIs(t, err, ErrBusy)

	// Later chunks still land in the assistant message, not whatever would
	// have been left at the tail.
	m.Apply(relay.Chunk(id, " more"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	log := m.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, "first", log[1].Content)
	assert.Equal(t, RoleAssistant, log[2].Role)
	assert.Equal(t, "one more", log[2].Content)
}

func TestManager_ClearWhileStreamingRejected(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.Chunk(id, "hel"))

	err := m.Clear(id)
	require.ErrorIs(t, err, ErrBusy)

	m.Apply(relay.Chunk(id, "lo"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))

	log := m.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, prompts.DefaultSystemPrompt, log[0].Content)
	assert.Equal(t, "hello", log[2].Content)
}

func TestManager_InterleavedStreams(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.ActiveConversation().ID
	b := m.NewConversation().ID

	require.NoError(t, m.Send(t.Context(), a, "count"))
	require.NoError(t, m.Send(t.Context(), b, "count"))

	m.Apply(relay.Chunk(a, "1"))
	m.Apply(relay.Chunk(b, "a"))
	m.Apply(relay.Chunk(a, "2"))
	m.Apply(relay.Chunk(b, "b"))
	m.Apply(relay.Chunk(b, "c"))
	m.Apply(relay.Chunk(a, "3"))
	m.Apply(relay.TerminalSuccess(b, "Chat completed"))
	m.Apply(relay.TerminalSuccess(a, "Chat completed"))

	logA := m.Messages(a)
	logB := m.Messages(b)
	assert.Equal(t, "123", logA[len(logA)-1].Content)
	assert.Equal(t, "abc", logB[len(logB)-1].Content)
	assert.Equal(t, StatusIdle, m.ConversationStatus(a))
	assert.Equal(t, StatusIdle, m.ConversationStatus(b))
}

func TestManager_BackgroundConversationStillReduces(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), a, "hi"))

	// Switch away; envelopes for a keep reducing.
	b := m.NewConversation().ID
	require.NoError(t, m.SwitchConversation(b))

	m.Apply(relay.Chunk(a, "hello"))
	m.Apply(relay.TerminalSuccess(a, "Chat completed"))

	log := m.Messages(a)
	require.Len(t, log, 3)
	assert.Equal(t, "hello", log[2].Content)
}

func TestManager_EnvelopeForDeletedConversationDropped(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.ActiveConversation().ID
	m.NewConversation()
	require.NoError(t, m.DeleteConversation(t.Context(), a))

	m.Apply(relay.Chunk(a, "stale"))

	assert.Empty(t, m.Messages(a))
}

func TestManager_DeleteLastConversationCreatesFresh(t *testing.T) {
	m, _ := newTestManager(t)
	id := m.ActiveConversation().ID

	require.NoError(t, m.DeleteConversation(t.Context(), id))

	convs := m.Conversations()
	require.Len(t, convs, 1)
	assert.NotEqual(t, id, convs[0].ID)
	assert.Equal(t, "New Conversation", convs[0].Name)
}

func TestManager_DeleteStreamingConversationStopsFirst(t *testing.T) {
	m, sender := newTestManager(t)
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "hi"))
	m.Apply(relay.Chunk(id, "hel"))

	require.NoError(t, m.DeleteConversation(t.Context(), id))

	assert.Equal(t, []string{id}, sender.stops)
	for _, c := range m.Conversations() {
		assert.NotEqual(t, id, c.ID)
	}
}

func TestManager_SendFailureAppendsErrorMessage(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("connection refused")}
	m := NewManager(sender, nil, nil)
	id := m.ActiveConversation().ID

	err := m.Send(t.Context(), id, "hi")
	require.Error(t, err)

	log := m.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, RoleError, log[2].Role)
	assert.Contains(t, log[2].Content, "connection refused")
	assert.Equal(t, StatusIdle, m.ConversationStatus(id))
}

func TestManager_SnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	st, err := store.NewSQLiteStore(path)
	require.NoError(t, err)

	sender := &fakeSender{}
	m := NewManager(sender, st, nil)
	m.SetModel("gpt-4o")
	id := m.ActiveConversation().ID
	require.NoError(t, m.Send(t.Context(), id, "remember me"))
	m.Apply(relay.Chunk(id, "noted"))
	m.Apply(relay.TerminalSuccess(id, "Chat completed"))
	require.NoError(t, st.Close())

	st2, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer st2.Close()

	restored := NewManager(sender, st2, nil)
	assert.Equal(t, "gpt-4o", restored.ActiveModel())
	assert.Equal(t, id, restored.ActiveConversation().ID)

	log := restored.Messages(id)
	require.Len(t, log, 3)
	assert.Equal(t, "noted", log[2].Content)
	assert.Equal(t, StatusIdle, restored.ConversationStatus(id))
}
