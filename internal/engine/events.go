package engine

import "sync"

// EventType names a consumer-facing engine event.
type EventType string

// Events produced by the engine for UI/telemetry consumers. They are
// observational: nothing in the engine waits on a consumer.
const (
	EventSummaryChanged EventType = "summary-changed"
	EventPostsAdded     EventType = "posts-added"
	EventPostRemoved    EventType = "post-removed"
	EventPostChanged    EventType = "post-changed"
	EventFaviconChanged EventType = "favicon-changed"
	EventFeedAdded      EventType = "feed-added"
	EventFeedRemoved    EventType = "feed-removed"
	EventFeedDeleted    EventType = "feed-deleted"
)

// Event is one engine notification. Consumers hold ids, never object
// references.
type Event struct {
	Type   EventType `json:"type"`
	FeedID string    `json:"feed_id,omitempty"`
	PostID string    `json:"post_id,omitempty"`
	Field  string    `json:"field,omitempty"`
	Count  int       `json:"count,omitempty"`
}

// subscriberBuffer is the per-subscriber channel depth. A consumer that
// falls further behind loses events rather than blocking the engine.
const subscriberBuffer = 64

// Bus fans engine events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer. The returned cancel function drops the
// subscription and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit delivers the event to every subscriber without blocking.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
