// ABOUTME: EventEnvelope types carried from sessions to connected subscribers
// ABOUTME: Mirrors the wire events: "message" chunks and "message-end" terminals

package relay

// EnvelopeKind distinguishes chunk envelopes from terminal envelopes.
type EnvelopeKind int

const (
	// KindChunk carries an incremental text fragment of an assistant reply.
	KindChunk EnvelopeKind = iota
	// KindTerminal ends a conversation's stream. Exactly one of Success or
	// Error is set; both empty means natural success.
	KindTerminal
)

// Envelope is a single event tagged with the conversation it belongs to.
// Ordering of envelopes within one conversation id is preserved end-to-end;
// ordering across conversation ids is unconstrained.
type Envelope struct {
	ConversationID string
	Kind           EnvelopeKind

	// Message is the chunk payload (KindChunk only).
	Message string

	// Success and Error carry the terminal outcome (KindTerminal only).
	Success string
	Error   string
}

// Chunk builds a chunk envelope for the given conversation.
func Chunk(conversationID, text string) *Envelope {
	return &Envelope{ConversationID: conversationID, Kind: KindChunk, Message: text}
}

// TerminalSuccess builds a success terminal envelope. An empty marker is the
// "natural success" case; "Completion stopped" marks a user cancellation.
func TerminalSuccess(conversationID, marker string) *Envelope {
	return &Envelope{ConversationID: conversationID, Kind: KindTerminal, Success: marker}
}

// TerminalError builds an error terminal envelope carrying the human-readable
// provider message.
func TerminalError(conversationID, message string) *Envelope {
	return &Envelope{ConversationID: conversationID, Kind: KindTerminal, Error: message}
}
