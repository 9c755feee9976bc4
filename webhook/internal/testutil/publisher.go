package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/ticketdesk/boxoffice/common/messaging"
)

// Publisher is an in-memory messaging.Publisher that records every message.
type Publisher struct {
	mu       sync.Mutex
	messages []*messaging.Message
	Err      error
	closed   bool
}

func (p *Publisher) PublishMsg(_ context.Context, msg *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("publisher closed")
	}
	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Messages returns the messages published so far.
func (p *Publisher) Messages() []*messaging.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*messaging.Message(nil), p.messages...)
}

// Subjects returns the subject of every published message in order.
func (p *Publisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	for i, m := range p.messages {
		out[i] = m.Subject
	}
	return out
}
