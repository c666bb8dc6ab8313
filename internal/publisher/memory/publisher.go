// Package memory keeps published payloads in process. It stands in for
// Pub/Sub in tests and local runs.
package memory

import (
	"context"
	"strconv"
	"sync"
)

// Message is one recorded publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records messages, keeping at most Limit of the newest when Limit
// is positive.
type Publisher struct {
	Limit int

	mu       sync.Mutex
	seq      int
	messages []Message
}

func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a sequential id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := "memory-" + strconv.Itoa(p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	if p.Limit > 0 && len(p.messages) > p.Limit {
		p.messages = append([]Message(nil), p.messages[len(p.messages)-p.Limit:]...)
	}
	return id, nil
}

// Messages returns a copy of the recorded messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Topic returns the recorded messages published to topic.
func (p *Publisher) Topic(topic string) []Message {
	var out []Message
	for _, m := range p.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
