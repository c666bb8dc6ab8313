package sinks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcore/internal/progress"
)

// DefaultSubscriberBuffer is the per-subscriber channel size.
const DefaultSubscriberBuffer = 256

// Broadcaster fans events out to live subscribers such as WebSocket
// connections. A subscriber whose buffer is full is dropped: its channel is
// closed and it must reconnect.
type Broadcaster struct {
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

// Subscription receives events on C until it is closed.
type Subscription struct {
	C <-chan progress.Event

	id        uint64
	sessionID string
	ch        chan progress.Event
	b         *Broadcaster
}

func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{buffer: buffer, logger: logger, subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber. A non-empty sessionID limits delivery to
// that session's events.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	ch := make(chan progress.Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, id: b.nextID, sessionID: sessionID, ch: ch, b: b}
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.remove(s)
}

// Subscribers returns the live subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for _, sub := range b.subs {
			if sub.sessionID != "" && sub.sessionID != evt.SessionID {
				continue
			}
			select {
			case sub.ch <- evt:
			default:
				b.logger.Warn("dropping slow progress subscriber", zap.String("session_filter", sub.sessionID))
				b.remove(sub)
			}
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		b.remove(sub)
	}
	return nil
}

// remove runs with mu held.
func (b *Broadcaster) remove(sub *Subscription) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}
