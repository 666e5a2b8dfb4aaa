// ABOUTME: In-memory fan-out of gateway state changes to control clients.
// ABOUTME: Preserves publish order per subscriber and disconnects slow ones.

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 256
)

// Event is a single state-change notification.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(eventType string, data any)
}

// Broadcaster delivers every published event to every connected subscriber.
//
// Publish holds the lock for the whole fan-out, so all subscribers observe
// events in the same order they were published. A subscriber whose buffer
// is full is disconnected: its channel is closed and it must resubscribe.
// Events published while a client is disconnected are not replayed.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	seq         uint64
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		bufferSize:  subscriberBufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. The returned channel receives events in
// publish order until the subscriber is removed, which happens when ctx is
// cancelled, Unsubscribe is called, the subscriber falls behind, or the
// broadcaster closes. The channel is closed in all of those cases.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish stamps the event with the next sequence number and delivers it.
func (b *Broadcaster) Publish(eventType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	ev := Event{
		Seq:       b.seq,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			delete(b.subscribers, id)
			close(ch)
			b.logger.Warn("disconnected slow subscriber",
				"sub_id", id,
				"event_type", eventType,
				"seq", ev.Seq)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
// Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close disconnects all subscribers. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}

	b.logger.Debug("broadcaster closed")
}
