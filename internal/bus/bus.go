// Package bus carries progress, completion and chat events from the
// orchestrator to zero or more UI subscribers.
//
// Delivery is best-effort: a subscriber whose buffer is full loses the event.
// That is acceptable by design because every event stream is anchored by
// persisted state (the active task descriptor) that late or lossy subscribers
// reconcile against; they must not assume they saw every milestone.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagebrain/capd/api/schemas"
)

// Message is the envelope delivered to subscribers.
type Message struct {
	ID        string
	Timestamp time.Time
	Event     schemas.Event
}

// Bus is a fan-out channel keyed by event action.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[schemas.EventAction][]chan Message
	shutdown    bool
}

// New returns a Bus whose subscriber channels buffer bufferSize messages.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 16
	}
	return &Bus{
		logger:      logger.Named("bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[schemas.EventAction][]chan Message),
	}
}

// Publish fans an event out to current subscribers of its action. It never
// blocks: a full subscriber buffer drops the message.
func (b *Bus) Publish(action schemas.EventAction, data interface{}) {
	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Event:     schemas.Event{Action: action, Data: data},
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.shutdown {
		return
	}

	for _, ch := range b.subscribers[action] {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("Dropped event for slow subscriber", zap.String("action", string(action)))
		}
	}
}

// Subscribe returns a channel receiving the given actions and a function
// that unsubscribes it. The channel is closed on unsubscribe or Shutdown.
func (b *Bus) Subscribe(actions ...schemas.EventAction) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.bufferSize)
	if b.shutdown {
		close(ch)
		return ch, func() {}
	}

	for _, action := range actions {
		b.subscribers[action] = append(b.subscribers[action], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.shutdown {
				return
			}
			for _, action := range actions {
				b.subscribers[action] = remove(b.subscribers[action], ch)
				if len(b.subscribers[action]) == 0 {
					delete(b.subscribers, action)
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Shutdown closes every subscriber channel and rejects further publishes.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.shutdown = true

	unique := make(map[chan Message]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[schemas.EventAction][]chan Message)
	b.logger.Debug("Event bus shut down")
}

func remove(subs []chan Message, ch chan Message) []chan Message {
	for i, c := range subs {
		if c == ch {
			copy(subs[i:], subs[i+1:])
			return subs[:len(subs)-1]
		}
	}
	return subs
}
