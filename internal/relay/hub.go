// ABOUTME: In-memory fan-out hub pushing session envelopes to all subscribers
// ABOUTME: Subscribers join and leave freely without affecting in-flight sessions

package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber (64 events).
const subscriberBufferSize = 64

// Hub is a broadcast channel from the server to every connected subscriber.
// Every published envelope is delivered to every currently-connected
// subscriber; a subscriber that connects after an envelope was published never
// sees it. Publishing is non-blocking: envelopes are dropped for subscribers
// whose channels are full, so a slow subscriber cannot stall a session.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Envelope // subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan *Envelope),
		logger:      logger.With("component", "relay"),
	}
}

// Subscribe registers a subscriber and returns its channel and a subscription
// ID for later unsubscription. The subscription is automatically cleaned up
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context) (<-chan *Envelope, string) {
	subID := uuid.New().String()
	ch := make(chan *Envelope, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	h.subscribers[subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers an envelope to all current subscribers. Sends happen under
// the read lock: Unsubscribe and Close take the write lock before closing a
// channel, so no send can race a close. The sends are non-blocking, so holding
// the lock never stalls on a slow subscriber.
func (h *Hub) Publish(env *Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- env:
		default:
			h.logger.Debug("dropped envelope for slow subscriber",
				"conversation_id", env.ConversationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[subID]
	if !ok {
		return
	}

	delete(h.subscribers, subID)
	close(ch)

	h.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for subID, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, subID)
	}
	h.closed = true

	h.logger.Debug("hub closed")
}
