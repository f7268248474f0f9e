// Package bus implements the in-process publish/subscribe layer that carries
// traffic events, prompt object state changes, stream chunks, and
// notifications to any number of live subscribers.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/promptobjects/promptobjects/pkg/models"
)

const (
	// DefaultSummaryLimit caps the single-line summary rendering of a message.
	DefaultSummaryLimit = 120

	// DefaultRingSize bounds the in-memory log of recent events.
	DefaultRingSize = 200
)

// Subscriber receives bus callbacks. Callbacks must not block; slow consumers
// queue work onto their own goroutines.
type Subscriber interface {
	OnMessage(event *models.BusEvent)
	OnPOStateChange(poName string, state models.POState)
	OnStreamChunk(poName, sessionID, text string)
	OnStreamEnd(poName, sessionID string)
	OnNotification(req *models.HumanRequest)
	OnNotificationResolved(requestID, response string)
	OnEnvDataChange(rootThreadID, key string)
}

// EventSink persists published events. The thread store implements this.
type EventSink interface {
	AddEvent(ctx context.Context, event *models.BusEvent) error
}

// Bus fans published events out to subscribers in publish order and keeps a
// bounded ring of recent events for catch-up displays.
type Bus struct {
	mu          sync.Mutex
	subscribers []Subscriber
	ring        []*models.BusEvent
	ringSize    int
	summaryCap  int
	sink        EventSink
	logger      *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithSummaryLimit overrides the summary cap.
func WithSummaryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.summaryCap = n
		}
	}
}

// WithRingSize overrides the bounded event log size.
func WithRingSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringSize = n
		}
	}
}

// WithSink attaches an event persistence sink.
func WithSink(sink EventSink) Option {
	return func(b *Bus) {
		b.sink = sink
	}
}

// New creates a message bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		ringSize:   DefaultRingSize,
		summaryCap: DefaultSummaryLimit,
		logger:     slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber. Subscribing twice is a no-op.
func (b *Bus) Subscribe(sub Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers {
		if s == sub {
			return
		}
	}
	b.subscribers = append(b.subscribers, sub)
}

// Unsubscribe removes a subscriber. Removing an unknown subscriber is a no-op.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish builds the event's summary, appends it to the ring, persists it via
// the sink when one is attached, and fans out to subscribers in order.
func (b *Bus) Publish(event *models.BusEvent) {
	if event == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Summary == "" {
		event.Summary = Summarize(event.Content, b.summaryCap)
	}

	b.mu.Lock()
	b.ring = append(b.ring, event)
	if len(b.ring) > b.ringSize {
		b.ring = b.ring[len(b.ring)-b.ringSize:]
	}
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		if err := sink.AddEvent(context.Background(), event); err != nil {
			b.logger.Warn("failed to persist bus event", "error", err)
		}
	}

	for _, sub := range subs {
		sub.OnMessage(event)
	}
}

// Recent returns a copy of the bounded event log, oldest first.
func (b *Bus) Recent() []*models.BusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.BusEvent, len(b.ring))
	copy(out, b.ring)
	return out
}

// POStateChanged notifies subscribers of a prompt object state transition.
func (b *Bus) POStateChanged(poName string, state models.POState) {
	for _, sub := range b.snapshot() {
		sub.OnPOStateChange(poName, state)
	}
}

// StreamChunk forwards a chunk of streamed assistant text.
func (b *Bus) StreamChunk(poName, sessionID, text string) {
	for _, sub := range b.snapshot() {
		sub.OnStreamChunk(poName, sessionID, text)
	}
}

// StreamEnd signals that the pending assistant turn finished streaming.
func (b *Bus) StreamEnd(poName, sessionID string) {
	for _, sub := range b.snapshot() {
		sub.OnStreamEnd(poName, sessionID)
	}
}

// Notify announces a new pending human request.
func (b *Bus) Notify(req *models.HumanRequest) {
	for _, sub := range b.snapshot() {
		sub.OnNotification(req)
	}
}

// NotifyResolved announces that a human request was answered.
func (b *Bus) NotifyResolved(requestID, response string) {
	for _, sub := range b.snapshot() {
		sub.OnNotificationResolved(requestID, response)
	}
}

// EnvDataChanged announces a write to the shared env data space.
func (b *Bus) EnvDataChanged(rootThreadID, key string) {
	for _, sub := range b.snapshot() {
		sub.OnEnvDataChange(rootThreadID, key)
	}
}

func (b *Bus) snapshot() []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	return subs
}

// Summarize flattens newlines and truncates content to limit runes, appending
// an ellipsis when anything was cut. The full content is always stored;
// truncation happens only at summary time.
func Summarize(content string, limit int) string {
	if limit <= 0 {
		limit = DefaultSummaryLimit
	}
	flat := strings.Join(strings.Fields(strings.ReplaceAll(content, "\n", " ")), " ")
	runes := []rune(flat)
	if len(runes) <= limit {
		return flat
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}
