// Package events fans notifications out to UI subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/delay_guard/internal/domain"
)

// Event is one delivered notification.
type Event struct {
	ID      string           `json:"id"`
	Kind    domain.EventKind `json:"kind"`
	At      time.Time        `json:"at"`
	Payload any              `json:"payload,omitempty"`
}

// Bus implements domain.Notifier with non-blocking fan-out. A subscriber
// whose buffer is full misses the event.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates a bus with no subscribers.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a receiver with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit delivers an event to every subscriber without blocking.
func (b *Bus) Emit(kind domain.EventKind, payload any) {
	ev := Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      time.Now(),
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.logger.Debug("event", zap.String("kind", string(kind)), zap.String("id", ev.ID))
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber buffer full, event dropped",
				zap.Int("subscriber", id),
				zap.String("kind", string(kind)))
		}
	}
}

// Ensure Bus implements domain.Notifier.
var _ domain.Notifier = (*Bus)(nil)
